package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Store interface {
	ListVaults(ctx context.Context, limit, offset int) ([]mirror.Vault, error)
}

type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) (*mirror.Alert, error)
}

// TvlRefresher recomputes the aggregate and publishes it.
type TvlRefresher interface {
	RefreshTVL(ctx context.Context) (*mirror.TvlStats, error)
}

type Config struct {
	Interval        time.Duration
	PageSize        int
	LowBalanceRatio float64 // of total balance
	HighUtilization float64 // percent
}

// Report counts what one cycle found.
type Report struct {
	Vaults              int
	InvariantViolations int
	LowBalance          int
	HighUtilization     int
}

// Monitor runs local structural checks over every vault. It never calls the ledger.
type Monitor struct {
	cfg     Config
	store   Store
	alerts  AlertRaiser
	tvl     TvlRefresher
	logger  *zap.Logger
	ratio   decimal.Decimal
	highUse decimal.Decimal
}

func New(cfg Config, store Store, raiser AlertRaiser, tvl TvlRefresher, logger *zap.Logger) *Monitor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		alerts:  raiser,
		tvl:     tvl,
		logger:  logger.With(zap.String("component", "monitor")),
		ratio:   decimal.NewFromFloat(cfg.LowBalanceRatio),
		highUse: decimal.NewFromFloat(cfg.HighUtilization),
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Vault monitor started", zap.Duration("interval", m.cfg.Interval))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Vault monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Monitor cycle failed", zap.Error(err))
			}
		}
	}
}

// Check runs one monitoring cycle and then refreshes TVL.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	var rep Report
	for offset := 0; ; offset += m.cfg.PageSize {
		page, err := m.store.ListVaults(ctx, m.cfg.PageSize, offset)
		if err != nil {
			return rep, fmt.Errorf("list vaults: %w", err)
		}
		for _, v := range page {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			m.checkVault(ctx, v, &rep)
		}
		if len(page) < m.cfg.PageSize {
			break
		}
	}

	if _, err := m.tvl.RefreshTVL(ctx); err != nil {
		m.logger.Warn("TVL refresh failed", zap.Error(err))
	}

	m.logger.Debug("Monitor cycle complete",
		zap.Int("vaults", rep.Vaults),
		zap.Int("invariant_violations", rep.InvariantViolations),
		zap.Int("low_balance", rep.LowBalance),
		zap.Int("high_utilization", rep.HighUtilization))
	return rep, nil
}

func (m *Monitor) checkVault(ctx context.Context, v mirror.Vault, rep *Report) {
	if err := utils.ValidatePubkey(v.VaultKey); err != nil {
		m.logger.Debug("Skipping vault with invalid key", zap.String("vault", v.VaultKey))
		return
	}
	rep.Vaults++

	if !v.InvariantHolds() {
		rep.InvariantViolations++
		m.logger.Error("Vault balance invariant violated",
			zap.String("vault", v.VaultKey),
			zap.Uint64("total", v.TotalBalance),
			zap.Uint64("available", v.AvailableBalance),
			zap.Uint64("locked", v.LockedBalance))
		m.raise(ctx, alerts.Alert{
			Type:     mirror.AlertInvariantViolation,
			Severity: mirror.SeverityCritical,
			VaultKey: v.VaultKey,
			Message: fmt.Sprintf("Vault %s: total %d != available %d + locked %d",
				v.VaultKey, v.TotalBalance, v.AvailableBalance, v.LockedBalance),
			Details: map[string]uint64{
				"total_balance":     v.TotalBalance,
				"available_balance": v.AvailableBalance,
				"locked_balance":    v.LockedBalance,
			},
		})
	}

	threshold := LowBalanceThreshold(v.TotalBalance, m.ratio)
	if threshold > 0 && v.AvailableBalance < threshold {
		rep.LowBalance++
		m.logger.Warn("Vault available balance is low",
			zap.String("vault", v.VaultKey),
			zap.Uint64("available", v.AvailableBalance),
			zap.Uint64("threshold", threshold))
		m.raise(ctx, alerts.Alert{
			Type:     mirror.AlertLowBalance,
			Severity: mirror.SeverityWarning,
			VaultKey: v.VaultKey,
			Message:  fmt.Sprintf("Vault %s available balance %d is below %d", v.VaultKey, v.AvailableBalance, threshold),
			Details:  map[string]uint64{"available_balance": v.AvailableBalance, "threshold": threshold},
		})
	}

	if use := v.Utilization(); use.GreaterThan(m.highUse) {
		rep.HighUtilization++
		m.logger.Warn("Vault utilization is high",
			zap.String("vault", v.VaultKey),
			zap.String("utilization", use.StringFixed(2)))
		m.raise(ctx, alerts.Alert{
			Type:     mirror.AlertHighUtilization,
			Severity: mirror.SeverityWarning,
			VaultKey: v.VaultKey,
			Message:  fmt.Sprintf("Vault utilization at %s%%", use.StringFixed(2)),
			Details:  map[string]string{"utilization": use.StringFixed(2)},
		})
	}
}

func (m *Monitor) raise(ctx context.Context, a alerts.Alert) {
	if _, err := m.alerts.Raise(ctx, a); err != nil {
		m.logger.Error("Failed to raise alert", zap.String("vault", a.VaultKey), zap.String("type", string(a.Type)), zap.Error(err))
	}
}

// LowBalanceThreshold is floor(total * ratio).
func LowBalanceThreshold(total uint64, ratio decimal.Decimal) uint64 {
	return decimal.NewFromUint64(total).Mul(ratio).Floor().BigInt().Uint64()
}
