package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/cache"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"go.uber.org/zap"
)

// Store is the persistence the manager mutates through.
type Store interface {
	InsertVault(ctx context.Context, v *mirror.Vault) (*mirror.Vault, error)
	InsertVaultIfAbsent(ctx context.Context, v *mirror.Vault) (*mirror.Vault, bool, error)
	UpsertVault(ctx context.Context, v *mirror.Vault) (*mirror.Vault, error)
	GetVault(ctx context.Context, vaultKey string) (*mirror.Vault, error)
	GetVaultByOwner(ctx context.Context, ownerKey string) (*mirror.Vault, error)
	MutateVault(ctx context.Context, vaultKey string, rec *mirror.TransactionRecord, fn func(*mirror.Vault) error) (*mirror.Vault, bool, error)
	MutatePair(ctx context.Context, fromKey, toKey string, rec *mirror.TransactionRecord, fn func(from, to *mirror.Vault) error) (*mirror.Vault, *mirror.Vault, bool, error)
	UpdateTransactionStatus(ctx context.Context, signature string, status mirror.TxStatus, blockTime *int64, slot *uint64) error
	TvlStats(ctx context.Context) (*mirror.TvlStats, error)
	CreateAuditEntry(ctx context.Context, e *mirror.AuditEntry) error
}

// AlertRaiser escalates correctness failures.
type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) (*mirror.Alert, error)
}

// Manager applies balance changes to mirrored vaults, keeping the store,
// the cache and subscribers in step. Every change to one vault runs in a
// single store transaction holding the vault row lock, so concurrent
// mutations of the same vault are serialized.
type Manager struct {
	store   Store
	gateway ledger.Gateway
	cache   *cache.BalanceCache
	notify  notify.Broadcaster
	alerts  AlertRaiser
	logger  *zap.Logger
}

func NewManager(store Store, gateway ledger.Gateway, c *cache.BalanceCache, broadcaster notify.Broadcaster, raiser AlertRaiser, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		gateway: gateway,
		cache:   c,
		notify:  broadcaster,
		alerts:  raiser,
		logger:  logger.With(zap.String("component", "vault_manager")),
	}
}

// InitializeVault creates an empty vault. An existing vault key or owner yields ErrConflict.
func (m *Manager) InitializeVault(ctx context.Context, vaultKey, ownerKey, tokenAccount string) (*mirror.Vault, error) {
	for _, k := range []string{vaultKey, ownerKey, tokenAccount} {
		if err := utils.ValidatePubkey(k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	v, err := m.store.InsertVault(ctx, &mirror.Vault{
		VaultKey:     vaultKey,
		OwnerKey:     ownerKey,
		TokenAccount: tokenAccount,
	})
	if err != nil {
		return nil, classify(err)
	}

	m.cache.Set(*v)
	m.cache.InvalidateTvl()
	m.notify.Broadcast(v.VaultKey, notify.BalanceUpdate(*v))
	m.audit(ctx, auditRecord{event: "vault_initialized", vault: v.VaultKey, user: ownerKey, data: v})
	m.logger.Info("Vault initialized", zap.String("vault", vaultKey), zap.String("owner", ownerKey))
	return v, nil
}

// GetVault reads through the cache.
func (m *Manager) GetVault(ctx context.Context, vaultKey string) (*mirror.Vault, error) {
	if v, ok := m.cache.Get(vaultKey); ok {
		return &v, nil
	}
	v, err := m.store.GetVault(ctx, vaultKey)
	if err != nil {
		return nil, classify(err)
	}
	m.cache.Set(*v)
	return v, nil
}

// GetVaultByOwner reads through the cache's owner index.
func (m *Manager) GetVaultByOwner(ctx context.Context, ownerKey string) (*mirror.Vault, error) {
	if v, ok := m.cache.GetByOwner(ownerKey); ok {
		return &v, nil
	}
	v, err := m.store.GetVaultByOwner(ctx, ownerKey)
	if err != nil {
		return nil, classify(err)
	}
	m.cache.Set(*v)
	return v, nil
}

func (m *Manager) ProcessDeposit(ctx context.Context, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	return m.process(ctx, mirror.TxDeposit, vaultKey, amount, signature)
}

func (m *Manager) ProcessWithdraw(ctx context.Context, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	return m.process(ctx, mirror.TxWithdraw, vaultKey, amount, signature)
}

func (m *Manager) ProcessLock(ctx context.Context, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	return m.process(ctx, mirror.TxLock, vaultKey, amount, signature)
}

func (m *Manager) ProcessUnlock(ctx context.Context, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	return m.process(ctx, mirror.TxUnlock, vaultKey, amount, signature)
}

// Process dispatches on the transaction type.
func (m *Manager) Process(ctx context.Context, kind mirror.TxType, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	return m.process(ctx, kind, vaultKey, amount, signature)
}

func validateRequest(vaultKey string, amount uint64, signature string) error {
	if err := utils.ValidatePubkey(vaultKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if amount == 0 {
		return invalid("amount must be positive")
	}
	if amount > mirror.MaxBalance {
		return invalid("amount %d exceeds the largest storable balance", amount)
	}
	if err := utils.ValidateSignature(signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (m *Manager) process(ctx context.Context, kind mirror.TxType, vaultKey string, amount uint64, signature string) (*mirror.Vault, error) {
	fn, ok := mutationFor(kind, amount)
	if !ok {
		return nil, invalid("unsupported transaction type %q", kind)
	}
	if err := validateRequest(vaultKey, amount, signature); err != nil {
		return nil, err
	}

	rec := &mirror.TransactionRecord{
		VaultKey:  vaultKey,
		Signature: signature,
		Type:      kind,
		Amount:    amount,
		Status:    mirror.TxPending,
	}
	v, applied, err := m.store.MutateVault(ctx, vaultKey, rec, fn)
	if err != nil {
		return nil, m.rejected(ctx, kind, vaultKey, amount, signature, err)
	}
	if !applied {
		m.duplicate(kind, v, signature)
		return v, nil
	}

	m.committed(ctx, kind, v, amount, signature, "")
	return v, nil
}

// ProcessTransfer moves available funds between two mirrored vaults in one store transaction.
func (m *Manager) ProcessTransfer(ctx context.Context, fromKey, toKey string, amount uint64, signature string) (from, to *mirror.Vault, err error) {
	if err := validateRequest(fromKey, amount, signature); err != nil {
		return nil, nil, err
	}
	if err := utils.ValidatePubkey(toKey); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if fromKey == toKey {
		return nil, nil, invalid("transfer source and destination are the same vault")
	}

	rec := &mirror.TransactionRecord{
		VaultKey:  fromKey,
		Signature: signature,
		Type:      mirror.TxTransfer,
		Amount:    amount,
		FromVault: &fromKey,
		ToVault:   &toKey,
		Status:    mirror.TxPending,
	}
	from, to, applied, err := m.store.MutatePair(ctx, fromKey, toKey, rec, Transfer(amount))
	if err != nil {
		return nil, nil, m.rejected(ctx, mirror.TxTransfer, fromKey, amount, signature, err)
	}
	if !applied {
		m.duplicate(mirror.TxTransfer, from, signature)
		m.cache.Set(*to)
		return from, to, nil
	}

	m.committed(ctx, mirror.TxTransfer, from, amount, signature, toKey)
	m.committed(ctx, mirror.TxTransfer, to, amount, signature, fromKey)
	return from, to, nil
}

// rejected classifies a failed mutation, escalating arithmetic and invariant failures.
func (m *Manager) rejected(ctx context.Context, kind mirror.TxType, vaultKey string, amount uint64, signature string, err error) error {
	err = classify(err)
	fields := []zap.Field{
		zap.String("type", string(kind)),
		zap.String("vault", vaultKey),
		zap.Uint64("amount", amount),
		zap.String("signature", signature),
		zap.Error(err),
	}

	switch {
	case isCritical(err):
		metrics.Mutations.WithLabelValues(string(kind), "critical").Inc()
		m.logger.Error("Mutation failed a balance guard", fields...)
		m.escalate(ctx, vaultKey, err, map[string]any{
			"type":      kind,
			"amount":    amount,
			"signature": signature,
		})
	case errors.Is(err, ErrUpstreamUnavailable):
		metrics.Mutations.WithLabelValues(string(kind), "error").Inc()
		m.logger.Warn("Mutation failed", fields...)
	default:
		metrics.Mutations.WithLabelValues(string(kind), "rejected").Inc()
		m.logger.Debug("Mutation rejected", fields...)
	}
	return err
}

func (m *Manager) duplicate(kind mirror.TxType, v *mirror.Vault, signature string) {
	metrics.Mutations.WithLabelValues(string(kind), "duplicate").Inc()
	m.cache.Set(*v)
	m.logger.Debug("Signature already applied",
		zap.String("type", string(kind)),
		zap.String("vault", v.VaultKey),
		zap.String("signature", signature))
}

// committed runs the post-commit steps: cache, fan-out, audit, metrics.
func (m *Manager) committed(ctx context.Context, kind mirror.TxType, v *mirror.Vault, amount uint64, signature, counterparty string) {
	m.cache.Set(*v)
	m.cache.InvalidateTvl()

	if kind != mirror.TxTransfer {
		m.notify.Broadcast(v.VaultKey, notify.Movement(kind, *v, amount, signature))
	}
	m.notify.Broadcast(v.VaultKey, notify.BalanceUpdate(*v))

	data := map[string]any{
		"total_balance":     v.TotalBalance,
		"available_balance": v.AvailableBalance,
		"locked_balance":    v.LockedBalance,
	}
	if counterparty != "" {
		data["counterparty"] = counterparty
	}
	m.audit(ctx, auditRecord{
		event:     string(kind),
		vault:     v.VaultKey,
		user:      v.OwnerKey,
		amount:    &amount,
		signature: signature,
		data:      data,
	})

	metrics.Mutations.WithLabelValues(string(kind), "applied").Inc()
	m.logger.Info("Vault updated",
		zap.String("type", string(kind)),
		zap.String("vault", v.VaultKey),
		zap.Uint64("amount", amount),
		zap.Uint64("total", v.TotalBalance),
		zap.Uint64("available", v.AvailableBalance),
		zap.Uint64("locked", v.LockedBalance),
		zap.String("signature", signature))
}

// escalate raises a critical alert for a correctness failure.
func (m *Manager) escalate(ctx context.Context, vaultKey string, err error, details map[string]any) {
	alertType := mirror.AlertArithmeticOverflow
	if errors.Is(err, ErrInvariantViolation) {
		alertType = mirror.AlertInvariantViolation
	}
	details["error"] = err.Error()
	if _, aerr := m.alerts.Raise(ctx, alerts.Alert{
		Type:     alertType,
		Severity: mirror.SeverityCritical,
		VaultKey: vaultKey,
		Message:  fmt.Sprintf("Vault %s: %v", vaultKey, err),
		Details:  details,
	}); aerr != nil {
		m.logger.Error("Failed to raise alert", zap.String("vault", vaultKey), zap.Error(aerr))
	}
}

// SyncVaultFromChain replaces the mirror row with the decoded ledger vault account.
func (m *Manager) SyncVaultFromChain(ctx context.Context, vaultKey string) (*mirror.Vault, error) {
	if err := utils.ValidatePubkey(vaultKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	acct, err := ledger.FetchVault(ctx, m.gateway, vaultKey)
	if err != nil {
		return nil, classify(err)
	}
	v, err := m.syncAccount(ctx, vaultKey, acct)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, auditRecord{event: "vault_synced", vault: vaultKey, user: v.OwnerKey, data: v})
	return v, nil
}

func (m *Manager) syncAccount(ctx context.Context, vaultKey string, acct *ledger.VaultAccount) (*mirror.Vault, error) {
	next := &mirror.Vault{
		VaultKey:         vaultKey,
		OwnerKey:         acct.Owner,
		TokenAccount:     acct.TokenAccount,
		TotalBalance:     acct.TotalBalance,
		LockedBalance:    acct.LockedBalance,
		AvailableBalance: acct.AvailableBalance,
		TotalDeposited:   acct.TotalDeposited,
		TotalWithdrawn:   acct.TotalWithdrawn,
		CreatedAt:        time.Unix(acct.CreatedAt, 0).UTC(),
	}
	if !next.InvariantHolds() || next.TotalBalance > mirror.MaxBalance {
		err := &BalanceError{Kind: ErrInvariantViolation, Vault: vaultKey}
		m.logger.Error("Ledger vault account fails the balance invariant",
			zap.String("vault", vaultKey),
			zap.Uint64("total", acct.TotalBalance),
			zap.Uint64("available", acct.AvailableBalance),
			zap.Uint64("locked", acct.LockedBalance))
		m.escalate(ctx, vaultKey, err, map[string]any{"source": "ledger", "account": acct})
		return nil, err
	}

	v, err := m.store.UpsertVault(ctx, next)
	if err != nil {
		return nil, classify(err)
	}
	m.cache.Invalidate(vaultKey)
	m.cache.Set(*v)
	m.cache.InvalidateTvl()
	m.notify.Broadcast(vaultKey, notify.BalanceUpdate(*v))
	m.logger.Info("Vault synced from ledger",
		zap.String("vault", vaultKey),
		zap.Uint64("total", v.TotalBalance),
		zap.Uint64("available", v.AvailableBalance),
		zap.Uint64("locked", v.LockedBalance))
	return v, nil
}

// UpdateTransactionStatus stamps ledger confirmation data on a recorded signature.
func (m *Manager) UpdateTransactionStatus(ctx context.Context, signature string, status mirror.TxStatus, blockTime *int64, slot *uint64) error {
	if err := m.store.UpdateTransactionStatus(ctx, signature, status, blockTime, slot); err != nil {
		return classify(err)
	}
	return nil
}
