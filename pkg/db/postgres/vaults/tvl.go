package vaults

import (
	"context"
	"fmt"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/shopspring/decimal"
)

// TvlStats aggregates balances across all vaults. Sums are computed as
// NUMERIC and returned as text so nothing is lost to float rounding.
func (db *DB) TvlStats(ctx context.Context) (*mirror.TvlStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(total_balance), 0)::TEXT,
			COALESCE(SUM(available_balance), 0)::TEXT,
			COALESCE(SUM(locked_balance), 0)::TEXT,
			COALESCE(AVG(total_balance), 0)::TEXT,
			COALESCE(MAX(total_balance), 0)
		FROM vaults`

	var (
		stats                         mirror.TvlStats
		total, available, locked, avg string
	)
	err := db.QueryRow(ctx, query).Scan(&stats.TotalVaults, &total, &available, &locked, &avg, &stats.MaxBalance)
	if err != nil {
		return nil, fmt.Errorf("query tvl: %w", err)
	}

	if stats.TotalValueLocked, err = parseSum(total); err != nil {
		return nil, err
	}
	if stats.TotalAvailable, err = parseSum(available); err != nil {
		return nil, err
	}
	if stats.TotalLocked, err = parseSum(locked); err != nil {
		return nil, err
	}
	if stats.AvgBalance, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse tvl average %q: %w", avg, err)
	}
	stats.AvgBalance = stats.AvgBalance.Round(2)
	stats.ComputedAt = time.Now().UTC()
	return &stats, nil
}

// parseSum converts a NUMERIC sum to uint64, saturating at the maximum.
func parseSum(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse tvl sum %q: %w", s, err)
	}
	if d.GreaterThan(decimal.NewFromUint64(^uint64(0))) {
		return ^uint64(0), nil
	}
	return d.BigInt().Uint64(), nil
}
