package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"go.uber.org/zap"
)

// EventMeta locates a ledger event. RecordKey is the idempotency key the
// event is recorded under; the transaction signature for the first event
// of a transaction.
type EventMeta struct {
	RecordKey string
	Signature string
	Slot      uint64
	BlockTime *int64
}

// ApplyLedgerEvent mirrors a confirmed ledger event. Balances are taken from
// the event's reported results rather than recomputed from the amount. It
// reports whether the event changed the mirror; a replayed event does not.
func (m *Manager) ApplyLedgerEvent(ctx context.Context, ev ledger.Event, meta EventMeta) (bool, error) {
	if meta.RecordKey == "" {
		meta.RecordKey = meta.Signature
	}

	switch e := ev.(type) {
	case ledger.VaultInitialized:
		return m.applyInitialized(ctx, e, meta)
	case ledger.Deposit:
		return m.applyBalances(ctx, mirror.TxDeposit, e.Vault, e.Amount, meta, func(v *mirror.Vault) error {
			return setMovement(v, e.Amount, e.NewTotalBalance, e.NewAvailableBalance, &v.TotalDeposited)
		})
	case ledger.Withdraw:
		return m.applyBalances(ctx, mirror.TxWithdraw, e.Vault, e.Amount, meta, func(v *mirror.Vault) error {
			return setMovement(v, e.Amount, e.NewTotalBalance, e.NewAvailableBalance, &v.TotalWithdrawn)
		})
	case ledger.Lock:
		return m.applyBalances(ctx, mirror.TxLock, e.Vault, e.Amount, meta, func(v *mirror.Vault) error {
			return setLocked(v, e.Amount, e.NewLockedBalance, e.NewAvailableBalance)
		})
	case ledger.Unlock:
		return m.applyBalances(ctx, mirror.TxUnlock, e.Vault, e.Amount, meta, func(v *mirror.Vault) error {
			return setLocked(v, e.Amount, e.NewLockedBalance, e.NewAvailableBalance)
		})
	case ledger.Transfer:
		return m.applyTransfer(ctx, e, meta)
	default:
		return false, invalid("unsupported ledger event %T", ev)
	}
}

// setMovement applies a deposit or withdrawal result: locked funds are
// whatever the new total holds beyond the new available balance.
func setMovement(v *mirror.Vault, amount, total, available uint64, counter *uint64) error {
	locked, ok := mirror.SubChecked(total, available)
	if !ok {
		return &BalanceError{Kind: ErrInvariantViolation, Vault: v.VaultKey, Amount: amount}
	}
	if total > mirror.MaxBalance {
		return overflow(v, amount)
	}
	next, ok := mirror.AddChecked(*counter, amount)
	if !ok {
		return overflow(v, amount)
	}
	*counter = next
	v.TotalBalance, v.AvailableBalance, v.LockedBalance = total, available, locked
	return nil
}

// setLocked applies a lock or unlock result; the total is the sum of both parts.
func setLocked(v *mirror.Vault, amount, locked, available uint64) error {
	total, ok := mirror.AddChecked(locked, available)
	if !ok {
		return overflow(v, amount)
	}
	v.TotalBalance, v.AvailableBalance, v.LockedBalance = total, available, locked
	return nil
}

func ledgerRecord(kind mirror.TxType, vaultKey string, amount uint64, meta EventMeta) *mirror.TransactionRecord {
	slot := meta.Slot
	return &mirror.TransactionRecord{
		VaultKey:  vaultKey,
		Signature: meta.RecordKey,
		Type:      kind,
		Amount:    amount,
		Status:    mirror.TxConfirmed,
		BlockTime: meta.BlockTime,
		Slot:      &slot,
	}
}

func (m *Manager) applyBalances(ctx context.Context, kind mirror.TxType, vaultKey string, amount uint64, meta EventMeta, fn Mutation) (bool, error) {
	var stale bool
	ordered := func(v *mirror.Vault) error {
		if meta.Slot < v.LastEventSlot {
			stale = true
			return nil
		}
		if err := fn(v); err != nil {
			return err
		}
		v.LastEventSlot = meta.Slot
		return nil
	}

	v, applied, err := m.store.MutateVault(ctx, vaultKey, ledgerRecord(kind, vaultKey, amount, meta), ordered)
	if errors.Is(err, mirror.ErrNotFound) {
		// The vault predates this process's view of the ledger; take the account
		// as it stands, which already includes this event, and only record it.
		m.logger.Info("Ledger event for unknown vault, syncing from ledger",
			zap.String("vault", vaultKey),
			zap.String("signature", meta.Signature))
		if _, serr := m.SyncVaultFromChain(ctx, vaultKey); serr != nil {
			return false, fmt.Errorf("sync unknown vault %s: %w", vaultKey, serr)
		}
		v, applied, err = m.store.MutateVault(ctx, vaultKey, ledgerRecord(kind, vaultKey, amount, meta), func(v *mirror.Vault) error {
			v.LastEventSlot = max(v.LastEventSlot, meta.Slot)
			return nil
		})
	}
	if err != nil {
		return false, m.rejected(ctx, kind, vaultKey, amount, meta.Signature, err)
	}
	if !applied {
		m.confirmExisting(ctx, meta)
		m.duplicate(kind, v, meta.RecordKey)
		return false, nil
	}
	if stale {
		m.resyncStale(ctx, kind, v, meta)
		return true, nil
	}

	m.committed(ctx, kind, v, amount, meta.Signature, "")
	return true, nil
}

// resyncStale handles an event older than the last one applied to the vault.
// Its reported balances are out of date, so the row is left as it was and the
// account is read back from the ledger to pick up the counters it moved.
func (m *Manager) resyncStale(ctx context.Context, kind mirror.TxType, v *mirror.Vault, meta EventMeta) {
	m.logger.Warn("Ledger event older than the vault's last applied event, resyncing",
		zap.String("vault", v.VaultKey),
		zap.String("type", string(kind)),
		zap.String("signature", meta.Signature),
		zap.Uint64("slot", meta.Slot),
		zap.Uint64("last_event_slot", v.LastEventSlot))
	m.cache.Set(*v)
	if _, err := m.SyncVaultFromChain(ctx, v.VaultKey); err != nil {
		m.logger.Warn("Failed to resync vault after out of order event",
			zap.String("vault", v.VaultKey),
			zap.Error(err))
	}
}

// applyTransfer carries no balances, so both accounts are read back from the ledger.
func (m *Manager) applyTransfer(ctx context.Context, e ledger.Transfer, meta EventMeta) (bool, error) {
	src, err := ledger.FetchVault(ctx, m.gateway, e.FromVault)
	if err != nil {
		return false, classify(err)
	}
	dst, err := ledger.FetchVault(ctx, m.gateway, e.ToVault)
	if err != nil {
		return false, classify(err)
	}

	rec := ledgerRecord(mirror.TxTransfer, e.FromVault, e.Amount, meta)
	rec.FromVault, rec.ToVault = &e.FromVault, &e.ToVault

	from, to, applied, err := m.store.MutatePair(ctx, e.FromVault, e.ToVault, rec, func(from, to *mirror.Vault) error {
		if err := copyAccount(from, src); err != nil {
			return err
		}
		if err := copyAccount(to, dst); err != nil {
			return err
		}
		from.LastEventSlot = max(from.LastEventSlot, meta.Slot)
		to.LastEventSlot = max(to.LastEventSlot, meta.Slot)
		return nil
	})
	if err != nil {
		return false, m.rejected(ctx, mirror.TxTransfer, e.FromVault, e.Amount, meta.Signature, err)
	}
	if !applied {
		m.confirmExisting(ctx, meta)
		m.duplicate(mirror.TxTransfer, from, meta.RecordKey)
		m.cache.Set(*to)
		return false, nil
	}

	m.committed(ctx, mirror.TxTransfer, from, e.Amount, meta.Signature, e.ToVault)
	m.committed(ctx, mirror.TxTransfer, to, e.Amount, meta.Signature, e.FromVault)
	return true, nil
}

func copyAccount(v *mirror.Vault, acct *ledger.VaultAccount) error {
	next := *v
	next.TotalBalance = acct.TotalBalance
	next.LockedBalance = acct.LockedBalance
	next.AvailableBalance = acct.AvailableBalance
	next.TotalDeposited = acct.TotalDeposited
	next.TotalWithdrawn = acct.TotalWithdrawn
	if next.TotalBalance > mirror.MaxBalance || next.TotalDeposited > mirror.MaxBalance || next.TotalWithdrawn > mirror.MaxBalance {
		return overflow(v, acct.TotalBalance)
	}
	return checked(v, next)
}

func (m *Manager) applyInitialized(ctx context.Context, e ledger.VaultInitialized, meta EventMeta) (bool, error) {
	v, created, err := m.store.InsertVaultIfAbsent(ctx, &mirror.Vault{
		VaultKey:     e.Vault,
		OwnerKey:     e.Owner,
		TokenAccount: e.TokenAccount,
	})
	if err != nil {
		return false, classify(err)
	}
	if !created {
		m.cache.Set(*v)
		return false, nil
	}

	m.cache.Set(*v)
	m.notify.Broadcast(v.VaultKey, notify.BalanceUpdate(*v))
	m.audit(ctx, auditRecord{
		event:     "vault_initialized",
		vault:     v.VaultKey,
		user:      e.Owner,
		signature: meta.Signature,
		data:      v,
	})
	m.logger.Info("Vault initialized on ledger",
		zap.String("vault", e.Vault),
		zap.String("owner", e.Owner),
		zap.String("signature", meta.Signature))

	if _, err := m.RefreshTVL(ctx); err != nil {
		m.logger.Warn("Failed to refresh TVL", zap.Error(err))
	}
	return true, nil
}

// confirmExisting marks a record written ahead of ledger confirmation as confirmed.
func (m *Manager) confirmExisting(ctx context.Context, meta EventMeta) {
	slot := meta.Slot
	if err := m.store.UpdateTransactionStatus(ctx, meta.RecordKey, mirror.TxConfirmed, meta.BlockTime, &slot); err != nil {
		m.logger.Warn("Failed to confirm transaction",
			zap.String("signature", meta.RecordKey),
			zap.Error(err))
	}
}
