package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/collateralvault/vaultmirror/app/server/types"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pubkey(fill byte) string {
	return utils.EncodePubkey(bytes.Repeat([]byte{fill}, utils.PubkeyLen))
}

func signature(fill byte) string {
	return utils.EncodePubkey(bytes.Repeat([]byte{fill}, utils.SignatureLen))
}

type processCall struct {
	Kind      mirror.TxType
	Vault     string
	Amount    uint64
	Signature string
}

type fakeService struct {
	mu    sync.Mutex
	calls []processCall
	err   error
	vault *mirror.Vault
	tvl   *mirror.TvlStats

	statusSig string
	status    mirror.TxStatus
}

func (f *fakeService) InitializeVault(_ context.Context, vaultKey, ownerKey, tokenAccount string) (*mirror.Vault, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mirror.Vault{VaultKey: vaultKey, OwnerKey: ownerKey, TokenAccount: tokenAccount}, nil
}

func (f *fakeService) GetVault(_ context.Context, vaultKey string) (*mirror.Vault, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vault, nil
}

func (f *fakeService) GetVaultByOwner(_ context.Context, ownerKey string) (*mirror.Vault, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vault, nil
}

func (f *fakeService) Process(_ context.Context, kind mirror.TxType, vaultKey string, amount uint64, sig string) (*mirror.Vault, error) {
	f.mu.Lock()
	f.calls = append(f.calls, processCall{Kind: kind, Vault: vaultKey, Amount: amount, Signature: sig})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.vault, nil
}

func (f *fakeService) ProcessTransfer(_ context.Context, fromKey, toKey string, amount uint64, sig string) (*mirror.Vault, *mirror.Vault, error) {
	f.mu.Lock()
	f.calls = append(f.calls, processCall{Kind: mirror.TxTransfer, Vault: fromKey + ">" + toKey, Amount: amount, Signature: sig})
	f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	return &mirror.Vault{VaultKey: fromKey}, &mirror.Vault{VaultKey: toKey}, nil
}

func (f *fakeService) SyncVaultFromChain(_ context.Context, vaultKey string) (*mirror.Vault, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mirror.Vault{VaultKey: vaultKey}, nil
}

func (f *fakeService) GetTVL(context.Context) (*mirror.TvlStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tvl, nil
}

func (f *fakeService) UpdateTransactionStatus(_ context.Context, sig string, status mirror.TxStatus, _ *int64, _ *uint64) error {
	if f.err != nil {
		return f.err
	}
	f.statusSig, f.status = sig, status
	return nil
}

type fakeStore struct {
	mu sync.Mutex

	pingErr error
	err     error

	lastLimit  int
	lastOffset int
	lastFilter mirror.TxFilter
	alertState mirror.AlertStatus
	audit      []mirror.AuditEntry
	tx         *mirror.TransactionRecord
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) ListVaults(_ context.Context, limit, offset int) ([]mirror.Vault, error) {
	s.lastLimit, s.lastOffset = limit, offset
	return nil, s.err
}

func (s *fakeStore) GetTransaction(_ context.Context, sig string) (*mirror.TransactionRecord, error) {
	if s.tx == nil || s.tx.Signature != sig {
		return nil, mirror.ErrNotFound
	}
	return s.tx, nil
}

func (s *fakeStore) ListTransactions(_ context.Context, f mirror.TxFilter) ([]mirror.TransactionRecord, error) {
	s.lastFilter = f
	return nil, s.err
}

func (s *fakeStore) ListAudit(_ context.Context, _ string, limit int) ([]mirror.AuditEntry, error) {
	s.lastLimit = limit
	return s.audit, s.err
}

func (s *fakeStore) CreateAuditEntry(_ context.Context, e *mirror.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *e)
	return nil
}

func (s *fakeStore) ListAlerts(_ context.Context, status mirror.AlertStatus, limit int) ([]mirror.Alert, error) {
	s.alertState, s.lastLimit = status, limit
	return nil, s.err
}

func (s *fakeStore) AcknowledgeAlert(_ context.Context, id int64) (*mirror.Alert, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mirror.Alert{ID: id, Status: mirror.AlertAcknowledged}, nil
}

func (s *fakeStore) ResolveAlert(_ context.Context, id int64) (*mirror.Alert, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mirror.Alert{ID: id, Status: mirror.AlertResolved}, nil
}

func (s *fakeStore) ListUnresolvedReconciliations(_ context.Context, limit int) ([]mirror.ReconciliationLog, error) {
	s.lastLimit = limit
	return nil, s.err
}

func (s *fakeStore) MarkInvestigating(_ context.Context, id int64) (*mirror.ReconciliationLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mirror.ReconciliationLog{ID: id, VaultKey: pubkey(1), Status: mirror.ReconInvestigating}, nil
}

func (s *fakeStore) ResolveReconciliation(_ context.Context, id int64, notes string) (*mirror.ReconciliationLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mirror.ReconciliationLog{ID: id, VaultKey: pubkey(1), Status: mirror.ReconResolved, Notes: &notes}, nil
}

func (s *fakeStore) LatestSnapshot(_ context.Context, vaultKey string) (*mirror.BalanceSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mirror.BalanceSnapshot{VaultKey: vaultKey, Type: mirror.SnapshotHourly}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Health(context.Context) error { return p.err }

type harness struct {
	svc    *fakeService
	store  *fakeStore
	app    *types.App
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		svc:   &fakeService{},
		store: &fakeStore{},
	}
	h.app = &types.App{
		Store:  h.store,
		Vaults: h.svc,
		Hub:    notify.NewHub(logger, 8),
		Logger: logger,
	}
	router, err := NewController(h.app).NewRouter()
	require.NoError(t, err)
	h.router = WithCORS(router)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "ops-console/1.0")
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}
