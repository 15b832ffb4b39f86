package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu     sync.Mutex
	alerts []mirror.Alert
	audit  []mirror.AuditEntry
	err    error
}

func (f *fakeStore) CreateAlert(_ context.Context, a *mirror.Alert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if a.VaultKey != nil {
		for _, open := range f.alerts {
			if open.Type == a.Type && open.VaultKey != nil && *open.VaultKey == *a.VaultKey && open.Status != mirror.AlertResolved {
				return false, nil
			}
		}
	}
	a.ID = int64(len(f.alerts) + 1)
	f.alerts = append(f.alerts, *a)
	return true, nil
}

func (f *fakeStore) CreateAuditEntry(_ context.Context, e *mirror.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, *e)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	vault  []notify.Event
	global []notify.Event
}

func (r *recorder) Broadcast(_ string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vault = append(r.vault, ev)
}

func (r *recorder) BroadcastAll(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, ev)
}

func TestRaiseDedupsVaultAlerts(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	r := NewRaiser(store, rec, zaptest.NewLogger(t))
	ctx := context.Background()

	in := Alert{Type: mirror.AlertLowBalance, Severity: mirror.SeverityWarning, VaultKey: "v1", Message: "low", Details: map[string]uint64{"available": 5}}

	a, err := r.Raise(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.JSONEq(t, `{"available":5}`, string(a.Details))

	again, err := r.Raise(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, again)

	other := in
	other.Type = mirror.AlertHighUtilization
	_, err = r.Raise(ctx, other)
	require.NoError(t, err)

	assert.Len(t, store.alerts, 2)
	assert.Len(t, store.audit, 2)
	assert.Len(t, rec.vault, 2)
}

func TestRaiseSystemAlertsAlwaysFire(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	r := NewRaiser(store, rec, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		a, err := r.Raise(context.Background(), Alert{Type: mirror.AlertReconciliationSummary, Severity: mirror.SeverityWarning, Message: "summary"})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Nil(t, a.VaultKey)
	}
	assert.Len(t, rec.global, 2)
}

func TestRaiseStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	r := NewRaiser(store, &recorder{}, zaptest.NewLogger(t))
	_, err := r.Raise(context.Background(), Alert{Type: mirror.AlertInvariantViolation, Severity: mirror.SeverityCritical, VaultKey: "v"})
	require.Error(t, err)
}

func TestRaiseConcurrentVaultAlertsStoreOne(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	r := NewRaiser(store, rec, zaptest.NewLogger(t))

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		raised int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Raise(context.Background(), Alert{Type: mirror.AlertVaultMissing, Severity: mirror.SeverityCritical, VaultKey: "v9", Message: "missing"})
			assert.NoError(t, err)
			if a != nil {
				mu.Lock()
				raised++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, raised)
	assert.Len(t, store.alerts, 1)
	assert.Len(t, rec.vault, 1)
}
