package vaults

import (
	"context"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
)

func (db *DB) initAuditTrail(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS audit_trail (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			vault_pubkey TEXT,
			user_pubkey TEXT,
			amount BIGINT,
			tx_signature TEXT,
			event_data JSONB,
			ip_address TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_vault ON audit_trail (vault_pubkey, created_at DESC)`,
	)
}

// CreateAuditEntry appends to the audit trail.
func (db *DB) CreateAuditEntry(ctx context.Context, e *mirror.AuditEntry) error {
	query := `
		INSERT INTO audit_trail (event_type, vault_pubkey, user_pubkey, amount, tx_signature,
			event_data, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	var data []byte
	if len(e.EventData) > 0 {
		data = e.EventData
	}
	err := db.QueryRow(ctx, query, e.EventType, e.VaultKey, e.UserKey, e.Amount, e.Signature,
		data, e.IPAddress, e.UserAgent).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.EventType, err)
	}
	return nil
}

// ListAudit returns a vault's audit entries, newest first.
func (db *DB) ListAudit(ctx context.Context, vaultKey string, limit int) ([]mirror.AuditEntry, error) {
	query := `
		SELECT id, event_type, vault_pubkey, user_pubkey, amount, tx_signature,
			event_data, ip_address, user_agent, created_at
		FROM audit_trail
		WHERE vault_pubkey = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := db.Query(ctx, query, vaultKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s: %w", vaultKey, err)
	}
	defer rows.Close()

	var out []mirror.AuditEntry
	for rows.Next() {
		var e mirror.AuditEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.VaultKey, &e.UserKey, &e.Amount, &e.Signature,
			&data, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = data
		out = append(out, e)
	}
	return out, rows.Err()
}
