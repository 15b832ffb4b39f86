package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"go.uber.org/zap"
)

// Store is the persistence a reconciliation cycle reads and appends to.
type Store interface {
	ListVaults(ctx context.Context, limit, offset int) ([]mirror.Vault, error)
	CreateSnapshot(ctx context.Context, s *mirror.BalanceSnapshot) error
	CreateReconciliationLog(ctx context.Context, l *mirror.ReconciliationLog) error
}

type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) (*mirror.Alert, error)
}

type Config struct {
	Interval time.Duration
	PageSize int
	Workers  int
}

// Summary is the outcome of one pass over every vault.
type Summary struct {
	Type       mirror.SnapshotType `json:"snapshot_type"`
	Checked    int                 `json:"total_vaults"`
	Mismatched int                 `json:"mismatches"`
	Missing    int                 `json:"missing_on_ledger"`
	Errors     int                 `json:"errors"`
	Duration   time.Duration       `json:"duration"`
}

// Reconciler compares each mirrored vault's total balance with the balance
// its token account holds on the ledger.
type Reconciler struct {
	cfg     Config
	store   Store
	gateway ledger.Gateway
	alerts  AlertRaiser
	logger  *zap.Logger
	pool    pond.Pool
}

func NewReconciler(cfg Config, store Store, gateway ledger.Gateway, raiser AlertRaiser, logger *zap.Logger) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		alerts:  raiser,
		logger:  logger.With(zap.String("component", "reconciler")),
		pool:    pond.NewPool(cfg.Workers, pond.WithQueueSize(cfg.PageSize)),
	}
}

// Run reconciles immediately and then on every interval until ctx is cancelled.
// A failed cycle is logged and the next tick proceeds.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Reconciler started", zap.Duration("interval", r.cfg.Interval), zap.Int("workers", r.cfg.Workers))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconciliation cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close waits for in-flight checks and releases the worker pool.
func (r *Reconciler) Close() {
	r.pool.StopAndWait()
}

// Reconcile runs one detection cycle: every vault gets a snapshot, every
// mismatch gets a reconciliation log and a critical alert.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum, err := r.sweep(ctx, mirror.SnapshotReconciliation, true)
	sum.Duration = time.Since(start)
	metrics.ReconcileDuration.Observe(sum.Duration.Seconds())
	if err != nil {
		return sum, err
	}
	metrics.ReconcileRuns.Inc()

	fields := []zap.Field{
		zap.Int("checked", sum.Checked),
		zap.Int("mismatched", sum.Mismatched),
		zap.Int("missing", sum.Missing),
		zap.Int("errors", sum.Errors),
		zap.Duration("duration", sum.Duration),
	}
	if sum.Mismatched == 0 && sum.Missing == 0 {
		r.logger.Info("Reconciliation complete", fields...)
		return sum, nil
	}

	r.logger.Warn("Reconciliation found mismatches", fields...)
	if _, err := r.alerts.Raise(ctx, alerts.Alert{
		Type:     mirror.AlertReconciliationSummary,
		Severity: mirror.SeverityWarning,
		Message: fmt.Sprintf("Reconciliation: %d of %d vaults mismatched, %d missing on ledger, %d errors",
			sum.Mismatched, sum.Checked, sum.Missing, sum.Errors),
		Details: sum,
	}); err != nil {
		r.logger.Error("Failed to raise summary alert", zap.Error(err))
	}
	return sum, nil
}

// Snapshot records the current mirror and ledger balances of every vault
// under the given type without raising mismatches.
func (r *Reconciler) Snapshot(ctx context.Context, typ mirror.SnapshotType) (Summary, error) {
	start := time.Now()
	sum, err := r.sweep(ctx, typ, false)
	sum.Duration = time.Since(start)
	if err != nil {
		return sum, err
	}
	r.logger.Info("Snapshots taken",
		zap.String("type", string(typ)),
		zap.Int("vaults", sum.Checked),
		zap.Int("errors", sum.Errors),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

type counters struct {
	checked, mismatched, missing, errors atomic.Int64
}

func (r *Reconciler) sweep(ctx context.Context, typ mirror.SnapshotType, detect bool) (Summary, error) {
	var c counters

	for offset := 0; ; offset += r.cfg.PageSize {
		page, err := r.store.ListVaults(ctx, r.cfg.PageSize, offset)
		if err != nil {
			return Summary{Type: typ}, fmt.Errorf("list vaults at offset %d: %w", offset, err)
		}

		group := r.pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for i := range page {
			v := page[i]
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				r.check(groupCtx, v, typ, detect, &c)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			r.logger.Warn("Reconciliation group encountered error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return Summary{Type: typ}, ctx.Err()
		}
		if len(page) < r.cfg.PageSize {
			break
		}
	}

	return Summary{
		Type:       typ,
		Checked:    int(c.checked.Load()),
		Mismatched: int(c.mismatched.Load()),
		Missing:    int(c.missing.Load()),
		Errors:     int(c.errors.Load()),
	}, nil
}

func (r *Reconciler) check(ctx context.Context, v mirror.Vault, typ mirror.SnapshotType, detect bool, c *counters) {
	log := r.logger.With(zap.String("vault", v.VaultKey), zap.String("token_account", v.TokenAccount))

	if err := utils.ValidatePubkey(v.TokenAccount); err != nil {
		c.errors.Add(1)
		log.Warn("Skipping vault with malformed token account", zap.Error(err))
		return
	}

	onChain, err := ledger.TokenBalance(ctx, r.gateway, v.TokenAccount)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.missing.Add(1)
		log.Error("Token account absent on ledger")
		if detect {
			r.raise(ctx, alerts.Alert{
				Type:     mirror.AlertVaultMissing,
				Severity: mirror.SeverityCritical,
				VaultKey: v.VaultKey,
				Message:  fmt.Sprintf("Token account %s of vault %s does not exist on the ledger", v.TokenAccount, v.VaultKey),
				Details:  map[string]any{"expected": v.TotalBalance, "token_account": v.TokenAccount},
			})
		}
		return
	}
	if err != nil {
		c.errors.Add(1)
		log.Warn("Failed to read ledger balance", zap.Error(err))
		return
	}

	c.checked.Add(1)
	diff := Discrepancy(onChain, v.TotalBalance)

	if err := r.store.CreateSnapshot(ctx, &mirror.BalanceSnapshot{
		VaultKey:         v.VaultKey,
		TotalBalance:     v.TotalBalance,
		LockedBalance:    v.LockedBalance,
		AvailableBalance: v.AvailableBalance,
		OnChainBalance:   onChain,
		Discrepancy:      diff,
		Type:             typ,
	}); err != nil {
		log.Warn("Failed to write snapshot", zap.Error(err))
	}

	if !detect || diff == 0 {
		return
	}

	c.mismatched.Add(1)
	metrics.ReconcileMismatches.Inc()
	log.Error("Balance mismatch",
		zap.Uint64("expected", v.TotalBalance),
		zap.Uint64("actual", onChain),
		zap.Int64("discrepancy", diff))

	if err := r.store.CreateReconciliationLog(ctx, &mirror.ReconciliationLog{
		VaultKey:        v.VaultKey,
		ExpectedBalance: v.TotalBalance,
		ActualBalance:   onChain,
		Discrepancy:     diff,
		Status:          mirror.ReconDetected,
	}); err != nil {
		log.Error("Failed to write reconciliation log", zap.Error(err))
	}

	r.raise(ctx, alerts.Alert{
		Type:     mirror.AlertBalanceDiscrepancy,
		Severity: mirror.SeverityCritical,
		VaultKey: v.VaultKey,
		Message:  fmt.Sprintf("Vault %s: mirror holds %d, ledger holds %d (discrepancy %d)", v.VaultKey, v.TotalBalance, onChain, diff),
		Details: map[string]any{
			"expected":    v.TotalBalance,
			"actual":      onChain,
			"discrepancy": diff,
		},
	})
}

func (r *Reconciler) raise(ctx context.Context, a alerts.Alert) {
	if _, err := r.alerts.Raise(ctx, a); err != nil {
		r.logger.Error("Failed to raise alert", zap.String("vault", a.VaultKey), zap.String("type", string(a.Type)), zap.Error(err))
	}
}

// Discrepancy is onChain - mirror, saturated to the int64 range.
func Discrepancy(onChain, mirrorTotal uint64) int64 {
	if onChain >= mirrorTotal {
		d := onChain - mirrorTotal
		if d > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(d)
	}
	d := mirrorTotal - onChain
	if d > math.MaxInt64 {
		return math.MinInt64
	}
	return -int64(d)
}
