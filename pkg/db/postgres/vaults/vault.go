package vaults

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const vaultColumns = `vault_pubkey, owner_pubkey, token_account,
	total_balance, locked_balance, available_balance,
	total_deposited, total_withdrawn, version, last_event_slot, created_at, updated_at`

func (db *DB) initVaults(ctx context.Context) error {
	return db.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS vaults (
			vault_pubkey TEXT PRIMARY KEY,
			owner_pubkey TEXT NOT NULL UNIQUE,
			token_account TEXT NOT NULL,
			total_balance BIGINT NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
			locked_balance BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			total_deposited BIGINT NOT NULL DEFAULT 0,
			total_withdrawn BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			last_event_slot BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE vaults ADD COLUMN IF NOT EXISTS last_event_slot BIGINT NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_vaults_owner ON vaults (owner_pubkey)`,
	)
}

func scanVault(row pgx.Row) (*mirror.Vault, error) {
	var v mirror.Vault
	err := row.Scan(
		&v.VaultKey,
		&v.OwnerKey,
		&v.TokenAccount,
		&v.TotalBalance,
		&v.LockedBalance,
		&v.AvailableBalance,
		&v.TotalDeposited,
		&v.TotalWithdrawn,
		&v.Version,
		&v.LastEventSlot,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, mirror.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// InsertVault creates a vault row. A taken vault key or owner yields mirror.ErrAlreadyExists.
func (db *DB) InsertVault(ctx context.Context, v *mirror.Vault) (*mirror.Vault, error) {
	query := `
		INSERT INTO vaults (vault_pubkey, owner_pubkey, token_account,
			total_balance, locked_balance, available_balance, total_deposited, total_withdrawn)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + vaultColumns

	out, err := scanVault(db.QueryRow(ctx, query,
		v.VaultKey, v.OwnerKey, v.TokenAccount,
		v.TotalBalance, v.LockedBalance, v.AvailableBalance, v.TotalDeposited, v.TotalWithdrawn,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("vault %s: %w", v.VaultKey, mirror.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert vault %s: %w", v.VaultKey, err)
	}
	return out, nil
}

// InsertVaultIfAbsent creates the vault unless its key already exists.
// It returns the stored row and whether this call created it.
func (db *DB) InsertVaultIfAbsent(ctx context.Context, v *mirror.Vault) (*mirror.Vault, bool, error) {
	query := `
		INSERT INTO vaults (vault_pubkey, owner_pubkey, token_account)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING ` + vaultColumns

	out, err := scanVault(db.QueryRow(ctx, query, v.VaultKey, v.OwnerKey, v.TokenAccount))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return nil, false, fmt.Errorf("insert vault %s: %w", v.VaultKey, err)
	}

	existing, err := db.GetVault(ctx, v.VaultKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpsertVault writes every balance field from v, creating the row when needed.
// The last applied event slot of an existing row is kept.
func (db *DB) UpsertVault(ctx context.Context, v *mirror.Vault) (*mirror.Vault, error) {
	query := `
		INSERT INTO vaults (vault_pubkey, owner_pubkey, token_account,
			total_balance, locked_balance, available_balance, total_deposited, total_withdrawn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vault_pubkey) DO UPDATE SET
			token_account = EXCLUDED.token_account,
			total_balance = EXCLUDED.total_balance,
			locked_balance = EXCLUDED.locked_balance,
			available_balance = EXCLUDED.available_balance,
			total_deposited = EXCLUDED.total_deposited,
			total_withdrawn = EXCLUDED.total_withdrawn,
			version = vaults.version + 1,
			updated_at = NOW()
		RETURNING ` + vaultColumns

	out, err := scanVault(db.QueryRow(ctx, query,
		v.VaultKey, v.OwnerKey, v.TokenAccount,
		v.TotalBalance, v.LockedBalance, v.AvailableBalance, v.TotalDeposited, v.TotalWithdrawn,
		v.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert vault %s: %w", v.VaultKey, err)
	}
	return out, nil
}

// GetVault returns the vault or mirror.ErrNotFound.
func (db *DB) GetVault(ctx context.Context, vaultKey string) (*mirror.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE vault_pubkey = $1`
	v, err := scanVault(db.QueryRow(ctx, query, vaultKey))
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return nil, fmt.Errorf("query vault %s: %w", vaultKey, err)
	}
	return v, err
}

// GetVaultByOwner returns the owner's vault or mirror.ErrNotFound.
func (db *DB) GetVaultByOwner(ctx context.Context, ownerKey string) (*mirror.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE owner_pubkey = $1`
	v, err := scanVault(db.QueryRow(ctx, query, ownerKey))
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return nil, fmt.Errorf("query vault for owner %s: %w", ownerKey, err)
	}
	return v, err
}

// ListVaults pages through vaults in key order.
func (db *DB) ListVaults(ctx context.Context, limit, offset int) ([]mirror.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults ORDER BY vault_pubkey LIMIT $1 OFFSET $2`

	rows, err := db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var out []mirror.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// CountVaults returns the number of mirrored vaults.
func (db *DB) CountVaults(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM vaults`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vaults: %w", err)
	}
	return n, nil
}

// MutateVault applies fn to the locked vault row and records rec in the same
// transaction. When rec.Signature is already recorded nothing is written and
// the current row is returned with applied=false. An error from fn rolls back
// the record insert as well.
func (db *DB) MutateVault(ctx context.Context, vaultKey string, rec *mirror.TransactionRecord, fn func(*mirror.Vault) error) (out *mirror.Vault, applied bool, err error) {
	err = db.InTx(ctx, func(ctx context.Context) error {
		v, err := db.lockVault(ctx, vaultKey)
		if err != nil {
			return err
		}

		inserted, err := db.InsertTransaction(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			out = v
			return nil
		}

		if err := fn(v); err != nil {
			return err
		}

		out, err = db.writeBalances(ctx, v)
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// MutatePair is MutateVault for two vaults. Rows are locked in key order so
// concurrent transfers in opposite directions cannot deadlock.
func (db *DB) MutatePair(ctx context.Context, fromKey, toKey string, rec *mirror.TransactionRecord, fn func(from, to *mirror.Vault) error) (from, to *mirror.Vault, applied bool, err error) {
	if fromKey == toKey {
		return nil, nil, false, fmt.Errorf("transfer from %s to itself", fromKey)
	}

	err = db.InTx(ctx, func(ctx context.Context) error {
		keys := []string{fromKey, toKey}
		sort.Strings(keys)

		locked := make(map[string]*mirror.Vault, 2)
		for _, k := range keys {
			v, err := db.lockVault(ctx, k)
			if err != nil {
				return err
			}
			locked[k] = v
		}
		from, to = locked[fromKey], locked[toKey]

		inserted, err := db.InsertTransaction(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		if err := fn(from, to); err != nil {
			return err
		}

		for _, k := range keys {
			if locked[k], err = db.writeBalances(ctx, locked[k]); err != nil {
				return err
			}
		}
		from, to = locked[fromKey], locked[toKey]
		applied = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return from, to, applied, nil
}

func (db *DB) lockVault(ctx context.Context, vaultKey string) (*mirror.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE vault_pubkey = $1 FOR UPDATE`
	v, err := scanVault(db.QueryRow(ctx, query, vaultKey))
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return nil, fmt.Errorf("vault %s: %w", vaultKey, err)
		}
		return nil, fmt.Errorf("lock vault %s: %w", vaultKey, err)
	}
	return v, nil
}

func (db *DB) writeBalances(ctx context.Context, v *mirror.Vault) (*mirror.Vault, error) {
	query := `
		UPDATE vaults SET
			total_balance = $2,
			locked_balance = $3,
			available_balance = $4,
			total_deposited = $5,
			total_withdrawn = $6,
			last_event_slot = GREATEST(last_event_slot, $7),
			version = version + 1,
			updated_at = NOW()
		WHERE vault_pubkey = $1
		RETURNING ` + vaultColumns

	out, err := scanVault(db.QueryRow(ctx, query,
		v.VaultKey, v.TotalBalance, v.LockedBalance, v.AvailableBalance, v.TotalDeposited, v.TotalWithdrawn,
		v.LastEventSlot,
	))
	if err != nil {
		return nil, fmt.Errorf("update vault %s: %w", v.VaultKey, err)
	}
	return out, nil
}
