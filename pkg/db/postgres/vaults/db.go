package vaults

import (
	"context"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the persistent store of the vault mirror.
type DB struct {
	postgres.Client
}

// New connects to PostgreSQL and ensures every table exists.
func New(ctx context.Context, logger *zap.Logger, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("component", poolConfig.Component),
	), poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB creates the tables and indexes if they do not exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"vaults", db.initVaults},
		{"transactions", db.initTransactions},
		{"balance_snapshots", db.initSnapshots},
		{"reconciliation_logs", db.initReconciliationLogs},
		{"alerts", db.initAlerts},
		{"audit_trail", db.initAuditTrail},
	}

	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.name))
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	return nil
}

// execAll runs DDL statements in order.
func (db *DB) execAll(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
