package monitor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	vaults []mirror.Vault
	err    error
}

func (s *fakeStore) ListVaults(_ context.Context, limit, offset int) ([]mirror.Vault, error) {
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.vaults) {
		return nil, nil
	}
	end := min(offset+limit, len(s.vaults))
	return s.vaults[offset:end], nil
}

type fakeRaiser struct{ raised []alerts.Alert }

func (f *fakeRaiser) Raise(_ context.Context, a alerts.Alert) (*mirror.Alert, error) {
	f.raised = append(f.raised, a)
	return &mirror.Alert{}, nil
}

type fakeTvl struct{ calls int }

func (f *fakeTvl) RefreshTVL(context.Context) (*mirror.TvlStats, error) {
	f.calls++
	return &mirror.TvlStats{}, nil
}

func key(fill byte) string { return base58.Encode(bytes.Repeat([]byte{fill}, 32)) }

func newMonitor(t *testing.T, store *fakeStore) (*Monitor, *fakeRaiser, *fakeTvl) {
	raiser, tvl := &fakeRaiser{}, &fakeTvl{}
	m := New(Config{Interval: time.Minute, PageSize: 2, LowBalanceRatio: 0.10, HighUtilization: 90}, store, raiser, tvl, zaptest.NewLogger(t))
	return m, raiser, tvl
}

func TestCheckRaisesPerPolicy(t *testing.T) {
	store := &fakeStore{vaults: []mirror.Vault{
		{VaultKey: key(1), TotalBalance: 1000, AvailableBalance: 500, LockedBalance: 500},
		{VaultKey: key(2), TotalBalance: 1000, AvailableBalance: 50, LockedBalance: 950},
		{VaultKey: key(3), TotalBalance: 1000, AvailableBalance: 600, LockedBalance: 500},
		{VaultKey: key(4)},
		{VaultKey: "short"},
	}}
	m, raiser, tvl := newMonitor(t, store)

	rep, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Vaults)
	assert.Equal(t, 1, rep.InvariantViolations)
	assert.Equal(t, 1, rep.LowBalance)
	assert.Equal(t, 1, rep.HighUtilization)
	assert.Equal(t, 1, tvl.calls)

	kinds := map[mirror.AlertType]alerts.Alert{}
	for _, a := range raiser.raised {
		kinds[a.Type] = a
	}
	require.Contains(t, kinds, mirror.AlertInvariantViolation)
	assert.Equal(t, mirror.SeverityCritical, kinds[mirror.AlertInvariantViolation].Severity)
	assert.Equal(t, key(3), kinds[mirror.AlertInvariantViolation].VaultKey)
	assert.Equal(t, key(2), kinds[mirror.AlertLowBalance].VaultKey)
	assert.Equal(t, mirror.SeverityWarning, kinds[mirror.AlertHighUtilization].Severity)
	assert.Len(t, raiser.raised, 3)
}

func TestEmptyVaultRaisesNothing(t *testing.T) {
	m, raiser, _ := newMonitor(t, &fakeStore{vaults: []mirror.Vault{{VaultKey: key(5)}}})
	_, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raiser.raised)
}

func TestCheckStoreFailure(t *testing.T) {
	m, _, tvl := newMonitor(t, &fakeStore{err: errors.New("db down")})
	_, err := m.Check(context.Background())
	require.Error(t, err)
	assert.Zero(t, tvl.calls)
}

func TestLowBalanceThreshold(t *testing.T) {
	ratio := decimal.NewFromFloat(0.1)
	assert.Equal(t, uint64(100), LowBalanceThreshold(1000, ratio))
	assert.Equal(t, uint64(0), LowBalanceThreshold(9, ratio))
	assert.Equal(t, uint64(922337203685477580), LowBalanceThreshold(mirror.MaxBalance, ratio))
}
