package vaults

import (
	"context"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
)

func (db *DB) initReconciliationLogs(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS reconciliation_logs (
			id BIGSERIAL PRIMARY KEY,
			vault_pubkey TEXT NOT NULL,
			expected_balance BIGINT NOT NULL,
			actual_balance BIGINT NOT NULL,
			discrepancy BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'detected',
			resolution_notes TEXT,
			detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_status ON reconciliation_logs (status, detected_at DESC)`,
	)
}

// CreateReconciliationLog records a detected mismatch.
func (db *DB) CreateReconciliationLog(ctx context.Context, l *mirror.ReconciliationLog) error {
	query := `
		INSERT INTO reconciliation_logs (vault_pubkey, expected_balance, actual_balance, discrepancy, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, detected_at`

	if l.Status == "" {
		l.Status = mirror.ReconDetected
	}
	err := db.QueryRow(ctx, query, l.VaultKey, l.ExpectedBalance, l.ActualBalance, l.Discrepancy, l.Status).
		Scan(&l.ID, &l.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert reconciliation log for %s: %w", l.VaultKey, err)
	}
	return nil
}

// ListUnresolvedReconciliations returns logs not yet resolved, newest first.
func (db *DB) ListUnresolvedReconciliations(ctx context.Context, limit int) ([]mirror.ReconciliationLog, error) {
	query := `
		SELECT id, vault_pubkey, expected_balance, actual_balance, discrepancy,
			status, resolution_notes, detected_at, resolved_at
		FROM reconciliation_logs
		WHERE status <> 'resolved'
		ORDER BY detected_at DESC, id DESC
		LIMIT $1`

	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation logs: %w", err)
	}
	defer rows.Close()

	var out []mirror.ReconciliationLog
	for rows.Next() {
		var l mirror.ReconciliationLog
		if err := rows.Scan(&l.ID, &l.VaultKey, &l.ExpectedBalance, &l.ActualBalance, &l.Discrepancy,
			&l.Status, &l.Notes, &l.DetectedAt, &l.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// MarkInvestigating moves a detected log to investigating.
func (db *DB) MarkInvestigating(ctx context.Context, id int64) (*mirror.ReconciliationLog, error) {
	query := `
		UPDATE reconciliation_logs SET status = 'investigating'
		WHERE id = $1 AND status = 'detected'
		RETURNING id, vault_pubkey, expected_balance, actual_balance, discrepancy,
			status, resolution_notes, detected_at, resolved_at`
	return db.updateReconciliation(ctx, id, query, id)
}

// ResolveReconciliation closes a log with operator notes.
func (db *DB) ResolveReconciliation(ctx context.Context, id int64, notes string) (*mirror.ReconciliationLog, error) {
	query := `
		UPDATE reconciliation_logs SET status = 'resolved', resolution_notes = $2, resolved_at = NOW()
		WHERE id = $1 AND status <> 'resolved'
		RETURNING id, vault_pubkey, expected_balance, actual_balance, discrepancy,
			status, resolution_notes, detected_at, resolved_at`
	return db.updateReconciliation(ctx, id, query, id, notes)
}

func (db *DB) updateReconciliation(ctx context.Context, id int64, query string, args ...any) (*mirror.ReconciliationLog, error) {
	var l mirror.ReconciliationLog
	err := db.QueryRow(ctx, query, args...).Scan(&l.ID, &l.VaultKey, &l.ExpectedBalance, &l.ActualBalance,
		&l.Discrepancy, &l.Status, &l.Notes, &l.DetectedAt, &l.ResolvedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, db.transitionError(ctx, "reconciliation_logs", id)
		}
		return nil, fmt.Errorf("update reconciliation log %d: %w", id, err)
	}
	return &l, nil
}

// transitionError distinguishes a missing row from one in the wrong state.
func (db *DB) transitionError(ctx context.Context, table string, id int64) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %d: %w", table, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %d: %w", table, id, mirror.ErrNotFound)
	}
	return fmt.Errorf("%s %d: %w", table, id, mirror.ErrInvalidTransition)
}
