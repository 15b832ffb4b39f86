package vaults

import (
	"context"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
)

func (db *DB) initSnapshots(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS balance_snapshots (
			id BIGSERIAL PRIMARY KEY,
			vault_pubkey TEXT NOT NULL,
			total_balance BIGINT NOT NULL,
			locked_balance BIGINT NOT NULL,
			available_balance BIGINT NOT NULL,
			on_chain_balance BIGINT NOT NULL,
			discrepancy BIGINT NOT NULL DEFAULT 0,
			snapshot_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_vault ON balance_snapshots (vault_pubkey, created_at DESC)`,
	)
}

// CreateSnapshot appends a snapshot and fills in its id and timestamp.
func (db *DB) CreateSnapshot(ctx context.Context, s *mirror.BalanceSnapshot) error {
	query := `
		INSERT INTO balance_snapshots (vault_pubkey, total_balance, locked_balance, available_balance,
			on_chain_balance, discrepancy, snapshot_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := db.QueryRow(ctx, query,
		s.VaultKey, s.TotalBalance, s.LockedBalance, s.AvailableBalance,
		s.OnChainBalance, s.Discrepancy, s.Type,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot for %s: %w", s.VaultKey, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of a vault or mirror.ErrNotFound.
func (db *DB) LatestSnapshot(ctx context.Context, vaultKey string) (*mirror.BalanceSnapshot, error) {
	query := `
		SELECT id, vault_pubkey, total_balance, locked_balance, available_balance,
			on_chain_balance, discrepancy, snapshot_type, created_at
		FROM balance_snapshots
		WHERE vault_pubkey = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var s mirror.BalanceSnapshot
	err := db.QueryRow(ctx, query, vaultKey).Scan(
		&s.ID, &s.VaultKey, &s.TotalBalance, &s.LockedBalance, &s.AvailableBalance,
		&s.OnChainBalance, &s.Discrepancy, &s.Type, &s.CreatedAt,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, mirror.ErrNotFound
		}
		return nil, fmt.Errorf("query snapshot for %s: %w", vaultKey, err)
	}
	return &s, nil
}
