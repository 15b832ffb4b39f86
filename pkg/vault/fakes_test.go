package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/cache"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/mr-tron/base58"
	"go.uber.org/zap/zaptest"
)

func pubkey(fill byte) string {
	return base58.Encode(bytes.Repeat([]byte{fill}, 32))
}

func signature(n int) string {
	raw := make([]byte, 64)
	binary.BigEndian.PutUint64(raw[56:], uint64(n))
	raw[0] = 0x5a
	return base58.Encode(raw)
}

// memStore mirrors the transactional semantics of the postgres store in memory.
type memStore struct {
	mu      sync.Mutex
	vaults  map[string]mirror.Vault
	records map[string]mirror.TransactionRecord
	audit   []mirror.AuditEntry
	failGet error
}

func newMemStore() *memStore {
	return &memStore{
		vaults:  make(map[string]mirror.Vault),
		records: make(map[string]mirror.TransactionRecord),
	}
}

func (s *memStore) InsertVault(_ context.Context, v *mirror.Vault) (*mirror.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.VaultKey]; ok {
		return nil, fmt.Errorf("vault %s: %w", v.VaultKey, mirror.ErrAlreadyExists)
	}
	for _, existing := range s.vaults {
		if existing.OwnerKey == v.OwnerKey {
			return nil, fmt.Errorf("owner %s: %w", v.OwnerKey, mirror.ErrAlreadyExists)
		}
	}
	out := *v
	out.Version = 1
	out.CreatedAt = time.Now()
	out.UpdatedAt = out.CreatedAt
	s.vaults[v.VaultKey] = out
	return &out, nil
}

func (s *memStore) InsertVaultIfAbsent(ctx context.Context, v *mirror.Vault) (*mirror.Vault, bool, error) {
	s.mu.Lock()
	existing, ok := s.vaults[v.VaultKey]
	s.mu.Unlock()
	if ok {
		return &existing, false, nil
	}
	out, err := s.InsertVault(ctx, v)
	return out, err == nil, err
}

func (s *memStore) UpsertVault(_ context.Context, v *mirror.Vault) (*mirror.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *v
	if existing, ok := s.vaults[v.VaultKey]; ok {
		out.OwnerKey = existing.OwnerKey
		out.CreatedAt = existing.CreatedAt
		out.Version = existing.Version + 1
		out.LastEventSlot = existing.LastEventSlot
	} else {
		out.Version = 1
	}
	s.vaults[v.VaultKey] = out
	return &out, nil
}

func (s *memStore) GetVault(_ context.Context, key string) (*mirror.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	v, ok := s.vaults[key]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) GetVaultByOwner(_ context.Context, owner string) (*mirror.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vaults {
		if v.OwnerKey == owner {
			return &v, nil
		}
	}
	return nil, mirror.ErrNotFound
}

func (s *memStore) MutateVault(_ context.Context, key string, rec *mirror.TransactionRecord, fn func(*mirror.Vault) error) (*mirror.Vault, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[key]
	if !ok {
		return nil, false, fmt.Errorf("vault %s: %w", key, mirror.ErrNotFound)
	}
	if _, dup := s.records[rec.Signature]; dup {
		return &v, false, nil
	}
	work := v
	if err := fn(&work); err != nil {
		return nil, false, err
	}
	work.Version++
	s.vaults[key] = work
	s.records[rec.Signature] = *rec
	return &work, true, nil
}

func (s *memStore) MutatePair(_ context.Context, fromKey, toKey string, rec *mirror.TransactionRecord, fn func(from, to *mirror.Vault) error) (*mirror.Vault, *mirror.Vault, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{fromKey, toKey}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := s.vaults[k]; !ok {
			return nil, nil, false, fmt.Errorf("vault %s: %w", k, mirror.ErrNotFound)
		}
	}
	from, to := s.vaults[fromKey], s.vaults[toKey]
	if _, dup := s.records[rec.Signature]; dup {
		return &from, &to, false, nil
	}
	if err := fn(&from, &to); err != nil {
		return nil, nil, false, err
	}
	from.Version++
	to.Version++
	s.vaults[fromKey], s.vaults[toKey] = from, to
	s.records[rec.Signature] = *rec
	return &from, &to, true, nil
}

func (s *memStore) UpdateTransactionStatus(_ context.Context, sig string, status mirror.TxStatus, blockTime *int64, slot *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sig]
	if !ok {
		return mirror.ErrNotFound
	}
	rec.Status = status
	if blockTime != nil {
		rec.BlockTime = blockTime
	}
	if slot != nil {
		rec.Slot = slot
	}
	s.records[sig] = rec
	return nil
}

func (s *memStore) TvlStats(_ context.Context) (*mirror.TvlStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &mirror.TvlStats{ComputedAt: time.Now()}
	for _, v := range s.vaults {
		stats.TotalVaults++
		stats.TotalValueLocked += v.TotalBalance
		stats.TotalAvailable += v.AvailableBalance
		stats.TotalLocked += v.LockedBalance
		if v.TotalBalance > stats.MaxBalance {
			stats.MaxBalance = v.TotalBalance
		}
	}
	return stats, nil
}

func (s *memStore) CreateAuditEntry(_ context.Context, e *mirror.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *e)
	return nil
}

func (s *memStore) vault(key string) mirror.Vault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vaults[key]
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeGateway serves vault accounts from a map.
type fakeGateway struct {
	mu       sync.Mutex
	accounts map[string][]byte
	err      error
}

func (g *fakeGateway) setVault(key string, a ledger.VaultAccount, owner, token []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accounts == nil {
		g.accounts = make(map[string][]byte)
	}
	g.accounts[key] = encodeVaultAccount(a, owner, token)
}

func (g *fakeGateway) GetAccount(_ context.Context, key string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	data, ok := g.accounts[key]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return data, nil
}

func (g *fakeGateway) GetLatestBlockhash(context.Context) (string, error) { return "", nil }

func (g *fakeGateway) GetSignaturesForAddress(context.Context, string, int) ([]ledger.SignatureInfo, error) {
	return nil, nil
}

func (g *fakeGateway) GetTransaction(context.Context, string) (*ledger.Transaction, error) {
	return nil, ledger.ErrTransactionNotFound
}

func encodeVaultAccount(a ledger.VaultAccount, owner, token []byte) []byte {
	disc := sha256.Sum256([]byte("account:CollateralVault"))
	buf := append([]byte{}, disc[:8]...)
	buf = append(buf, owner...)
	buf = append(buf, token...)
	for _, n := range []uint64{a.TotalBalance, a.LockedBalance, a.AvailableBalance, a.TotalDeposited, a.TotalWithdrawn, uint64(a.CreatedAt)} {
		buf = binary.LittleEndian.AppendUint64(buf, n)
	}
	return append(buf, a.Bump)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	all    []notify.Event
}

func (r *recorder) Broadcast(_ string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) BroadcastAll(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeRaiser struct {
	mu     sync.Mutex
	raised []alerts.Alert
}

func (f *fakeRaiser) Raise(_ context.Context, a alerts.Alert) (*mirror.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, a)
	return &mirror.Alert{ID: int64(len(f.raised)), Type: a.Type, Severity: a.Severity}, nil
}

type harness struct {
	store   *memStore
	gateway *fakeGateway
	cache   *cache.BalanceCache
	notify  *recorder
	alerts  *fakeRaiser
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		gateway: &fakeGateway{},
		cache:   cache.New(cache.Config{TTL: time.Minute, TTI: time.Minute, TvlTTL: time.Minute}),
		notify:  &recorder{},
		alerts:  &fakeRaiser{},
	}
	h.manager = NewManager(h.store, h.gateway, h.cache, h.notify, h.alerts, zaptest.NewLogger(t))
	return h
}

func pubkeyBytes(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}
