package vaults

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

func newVault(t *testing.T, db *DB) *mirror.Vault {
	t.Helper()
	ctx := context.Background()
	v, err := db.InsertVault(ctx, &mirror.Vault{
		VaultKey:     testKey(t, "v"),
		OwnerKey:     testKey(t, "o"),
		TokenAccount: testKey(t, "t"),
	})
	require.NoError(t, err)
	return v
}

func deposit(amount uint64) func(*mirror.Vault) error {
	return func(v *mirror.Vault) error {
		v.TotalBalance += amount
		v.AvailableBalance += amount
		v.TotalDeposited += amount
		return nil
	}
}

func TestInsertVaultConflict(t *testing.T) {
	db := skipIfNoDB(t)
	ctx := context.Background()
	v := newVault(t, db)

	_, err := db.InsertVault(ctx, v)
	require.ErrorIs(t, err, mirror.ErrAlreadyExists)

	got, created, err := db.InsertVaultIfAbsent(ctx, v)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, v.VaultKey, got.VaultKey)
}

func TestMutateVaultIdempotent(t *testing.T) {
	db := skipIfNoDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	v := newVault(t, db)

	rec := func() *mirror.TransactionRecord {
		return &mirror.TransactionRecord{VaultKey: v.VaultKey, Signature: testKey(t, "sig"), Type: mirror.TxDeposit, Amount: 100}
	}

	out, applied, err := db.MutateVault(ctx, v.VaultKey, rec(), deposit(100))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(100), out.TotalBalance)
	assert.Equal(t, v.Version+1, out.Version)

	out, applied, err = db.MutateVault(ctx, v.VaultKey, rec(), deposit(100))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(100), out.TotalBalance)

	txs, err := db.ListTransactions(ctx, mirror.TxFilter{VaultKey: v.VaultKey, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMutateVaultRejectionRollsBack(t *testing.T) {
	db := skipIfNoDB(t)
	ctx := context.Background()
	v := newVault(t, db)

	rec := &mirror.TransactionRecord{VaultKey: v.VaultKey, Signature: testKey(t, "sig"), Type: mirror.TxWithdraw, Amount: 5}
	_, _, err := db.MutateVault(ctx, v.VaultKey, rec, func(*mirror.Vault) error { return errRejected })
	require.ErrorIs(t, err, errRejected)

	has, err := db.HasTransaction(ctx, rec.Signature)
	require.NoError(t, err)
	assert.False(t, has)

	after, err := db.GetVault(ctx, v.VaultKey)
	require.NoError(t, err)
	assert.Equal(t, v.Version, after.Version)
}

func TestMutateVaultMissing(t *testing.T) {
	db := skipIfNoDB(t)
	rec := &mirror.TransactionRecord{VaultKey: "missing", Signature: testKey(t, "sig"), Type: mirror.TxDeposit, Amount: 1}
	_, _, err := db.MutateVault(context.Background(), testKey(t, "none"), rec, deposit(1))
	require.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestMutateVaultConcurrentDeposits(t *testing.T) {
	db := skipIfNoDB(t)
	ctx := context.Background()
	v := newVault(t, db)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := testKey(t, "s") + string(rune('a'+i))
			rec := &mirror.TransactionRecord{VaultKey: v.VaultKey, Signature: sig, Type: mirror.TxDeposit, Amount: 10}
			_, _, err := db.MutateVault(ctx, v.VaultKey, rec, deposit(10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	after, err := db.GetVault(ctx, v.VaultKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(n*10), after.TotalBalance)
	assert.True(t, after.InvariantHolds())
}

func TestTvlStats(t *testing.T) {
	db := skipIfNoDB(t)
	ctx := context.Background()
	v := newVault(t, db)

	rec := &mirror.TransactionRecord{VaultKey: v.VaultKey, Signature: testKey(t, "sig"), Type: mirror.TxDeposit, Amount: 40}
	_, _, err := db.MutateVault(ctx, v.VaultKey, rec, deposit(40))
	require.NoError(t, err)

	stats, err := db.TvlStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalVaults, int64(1))
	assert.GreaterOrEqual(t, stats.TotalValueLocked, uint64(40))
}

func TestAlertLifecycle(t *testing.T) {
	db := skipIfNoDB(t)
	ctx := context.Background()
	vault := testKey(t, "v")

	a := &mirror.Alert{Type: mirror.AlertLowBalance, Severity: mirror.SeverityWarning, VaultKey: &vault, Message: "low"}
	created, err := db.CreateAlert(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &mirror.Alert{Type: mirror.AlertLowBalance, Severity: mirror.SeverityWarning, VaultKey: &vault, Message: "low again"}
	created, err = db.CreateAlert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created, "an open alert of the same type covers the vault")

	acked, err := db.AcknowledgeAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, mirror.AlertAcknowledged, acked.Status)

	_, err = db.AcknowledgeAlert(ctx, a.ID)
	require.ErrorIs(t, err, mirror.ErrInvalidTransition)

	resolved, err := db.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, resolved.ResolvedAt)

	created, err = db.CreateAlert(ctx, dup)
	require.NoError(t, err)
	assert.True(t, created, "resolving reopens the slot")

	_, err = db.ResolveAlert(ctx, 1<<40)
	require.ErrorIs(t, err, mirror.ErrNotFound)
}
