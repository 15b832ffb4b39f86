package vaults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const txColumns = `id, vault_pubkey, tx_signature, transaction_type, amount, from_vault, to_vault,
	status, block_time, slot, created_at, confirmed_at, metadata`

func (db *DB) initTransactions(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			vault_pubkey TEXT NOT NULL,
			tx_signature TEXT NOT NULL UNIQUE,
			transaction_type TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			from_vault TEXT,
			to_vault TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			block_time BIGINT,
			slot BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_vault ON transactions (vault_pubkey, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions (transaction_type)`,
	)
}

func scanTransaction(row pgx.Row) (*mirror.TransactionRecord, error) {
	var t mirror.TransactionRecord
	var metadata []byte
	err := row.Scan(
		&t.ID,
		&t.VaultKey,
		&t.Signature,
		&t.Type,
		&t.Amount,
		&t.FromVault,
		&t.ToVault,
		&t.Status,
		&t.BlockTime,
		&t.Slot,
		&t.CreatedAt,
		&t.ConfirmedAt,
		&metadata,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, mirror.ErrNotFound
		}
		return nil, err
	}
	t.Metadata = metadata
	return &t, nil
}

// InsertTransaction records rec unless its signature is already present.
// It reports whether a row was written.
func (db *DB) InsertTransaction(ctx context.Context, rec *mirror.TransactionRecord) (bool, error) {
	query := `
		INSERT INTO transactions (vault_pubkey, tx_signature, transaction_type, amount,
			from_vault, to_vault, status, block_time, slot, confirmed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_signature) DO NOTHING
		RETURNING id, created_at`

	status := rec.Status
	if status == "" {
		status = mirror.TxPending
	}
	var confirmedAt *time.Time
	if status == mirror.TxConfirmed {
		now := time.Now().UTC()
		confirmedAt = &now
	}
	var metadata []byte
	if len(rec.Metadata) > 0 {
		metadata = rec.Metadata
	}

	err := db.QueryRow(ctx, query,
		rec.VaultKey, rec.Signature, rec.Type, rec.Amount,
		rec.FromVault, rec.ToVault, status, rec.BlockTime, rec.Slot, confirmedAt, metadata,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert transaction %s: %w", rec.Signature, err)
	}
	rec.Status = status
	rec.ConfirmedAt = confirmedAt
	return true, nil
}

// GetTransaction returns the record for a signature or mirror.ErrNotFound.
func (db *DB) GetTransaction(ctx context.Context, signature string) (*mirror.TransactionRecord, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE tx_signature = $1`
	t, err := scanTransaction(db.QueryRow(ctx, query, signature))
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return nil, fmt.Errorf("query transaction %s: %w", signature, err)
	}
	return t, err
}

// HasTransaction reports whether a signature was already recorded.
func (db *DB) HasTransaction(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE tx_signature = $1)`, signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction %s: %w", signature, err)
	}
	return exists, nil
}

// ListTransactions returns records newest first. Filter values are bound
// positionally as they are appended, so any combination is safe.
func (db *DB) ListTransactions(ctx context.Context, f mirror.TxFilter) ([]mirror.TransactionRecord, error) {
	var (
		where []string
		args  []any
	)
	bind := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.VaultKey != "" {
		bind("(vault_pubkey = $%[1]d OR from_vault = $%[1]d OR to_vault = $%[1]d)", f.VaultKey)
	}
	if f.Type != "" {
		bind("transaction_type = $%d", f.Type)
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []mirror.TransactionRecord
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTransactionStatus stamps ledger confirmation data on a record.
// Nil blockTime or slot leave the stored values untouched.
func (db *DB) UpdateTransactionStatus(ctx context.Context, signature string, status mirror.TxStatus, blockTime *int64, slot *uint64) error {
	query := `
		UPDATE transactions SET
			status = $2,
			block_time = COALESCE($3, block_time),
			slot = COALESCE($4, slot),
			confirmed_at = CASE WHEN $2 = 'confirmed' THEN COALESCE(confirmed_at, NOW()) ELSE confirmed_at END
		WHERE tx_signature = $1`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query, signature, status, blockTime, slot)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", signature, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", signature, mirror.ErrNotFound)
	}
	return nil
}
