package vaults

import (
	"context"
	"errors"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const alertColumns = `id, alert_type, severity, vault_pubkey, message, details, status,
	created_at, acknowledged_at, resolved_at`

func (db *DB) initAlerts(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			vault_pubkey TEXT,
			message TEXT NOT NULL,
			details JSONB,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status, created_at DESC)`,
		`DROP INDEX IF EXISTS idx_alerts_vault_type`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_vault_type ON alerts (vault_pubkey, alert_type)
			WHERE status <> 'resolved' AND vault_pubkey IS NOT NULL`,
	)
}

func scanAlert(row pgx.Row) (*mirror.Alert, error) {
	var a mirror.Alert
	var details []byte
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.VaultKey, &a.Message, &details, &a.Status,
		&a.CreatedAt, &a.AcknowledgedAt, &a.ResolvedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, mirror.ErrNotFound
		}
		return nil, err
	}
	a.Details = details
	return &a, nil
}

// CreateAlert persists a new active alert. For a vault-scoped alert it
// reports false and writes nothing when an unresolved alert of the same type
// already exists for the vault.
func (db *DB) CreateAlert(ctx context.Context, a *mirror.Alert) (bool, error) {
	query := `
		INSERT INTO alerts (alert_type, severity, vault_pubkey, message, details, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vault_pubkey, alert_type) WHERE status <> 'resolved' AND vault_pubkey IS NOT NULL
		DO NOTHING
		RETURNING id, created_at`

	if a.Status == "" {
		a.Status = mirror.AlertActive
	}
	var details []byte
	if len(a.Details) > 0 {
		details = a.Details
	}
	err := db.QueryRow(ctx, query, a.Type, a.Severity, a.VaultKey, a.Message, details, a.Status).
		Scan(&a.ID, &a.CreatedAt)
	if postgres.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert %s alert: %w", a.Type, err)
	}
	return true, nil
}

// ListAlerts returns alerts in the given status, newest first.
func (db *DB) ListAlerts(ctx context.Context, status mirror.AlertStatus, limit int) ([]mirror.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []mirror.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (db *DB) AcknowledgeAlert(ctx context.Context, id int64) (*mirror.Alert, error) {
	query := `
		UPDATE alerts SET status = 'acknowledged', acknowledged_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + alertColumns
	return db.updateAlert(ctx, id, query)
}

// ResolveAlert closes an active or acknowledged alert.
func (db *DB) ResolveAlert(ctx context.Context, id int64) (*mirror.Alert, error) {
	query := `
		UPDATE alerts SET status = 'resolved', resolved_at = NOW()
		WHERE id = $1 AND status <> 'resolved'
		RETURNING ` + alertColumns
	return db.updateAlert(ctx, id, query)
}

func (db *DB) updateAlert(ctx context.Context, id int64, query string) (*mirror.Alert, error) {
	a, err := scanAlert(db.QueryRow(ctx, query, id))
	if err == nil {
		return a, nil
	}
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, db.transitionError(ctx, "alerts", id)
	}
	return nil, fmt.Errorf("update alert %d: %w", id, err)
}
