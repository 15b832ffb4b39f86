package vaults

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"go.uber.org/zap"
)

// testDB is nil unless VAULTMIRROR_TEST_POSTGRES_URL points at a disposable database.
var testDB *DB

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	url := os.Getenv("VAULTMIRROR_TEST_POSTGRES_URL")
	if url == "" {
		return m.Run()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := postgres.DefaultPoolConfig()
	cfg.URL = url
	cfg.MaxConns = 10
	cfg.Component = "vaults_test"

	db, err := New(ctx, zap.NewNop(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect test database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := db.execAll(ctx,
		`TRUNCATE vaults, transactions, balance_snapshots, reconciliation_logs, alerts, audit_trail RESTART IDENTITY`,
	); err != nil {
		fmt.Fprintf(os.Stderr, "truncate test database: %v\n", err)
		return 1
	}

	testDB = db
	return m.Run()
}

func skipIfNoDB(t *testing.T) *DB {
	t.Helper()
	if testDB == nil {
		t.Skip("VAULTMIRROR_TEST_POSTGRES_URL not set")
	}
	return testDB
}

// testKey builds a unique 44 character key so tests never share rows.
func testKey(t *testing.T, role string) string {
	k := strings.NewReplacer("/", "", "_", "").Replace(t.Name()) + role
	k += strings.Repeat("x", 44)
	return k[:44]
}
