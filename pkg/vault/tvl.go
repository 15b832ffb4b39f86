package vault

import (
	"context"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"go.uber.org/zap"
)

// GetTVL serves the cached aggregate, recomputing it on a miss.
func (m *Manager) GetTVL(ctx context.Context) (*mirror.TvlStats, error) {
	if stats, ok := m.cache.GetTvl(); ok {
		return &stats, nil
	}
	return m.loadTVL(ctx)
}

// RefreshTVL recomputes the aggregate and pushes it to every subscriber.
func (m *Manager) RefreshTVL(ctx context.Context) (*mirror.TvlStats, error) {
	stats, err := m.loadTVL(ctx)
	if err != nil {
		return nil, err
	}
	m.notify.BroadcastAll(notify.TvlUpdate(*stats))
	return stats, nil
}

func (m *Manager) loadTVL(ctx context.Context) (*mirror.TvlStats, error) {
	stats, err := m.store.TvlStats(ctx)
	if err != nil {
		return nil, classify(err)
	}
	m.cache.SetTvl(*stats)

	metrics.VaultCount.Set(float64(stats.TotalVaults))
	metrics.VaultTVL.Set(float64(stats.TotalValueLocked))
	metrics.VaultLocked.Set(float64(stats.TotalLocked))

	m.logger.Debug("TVL recomputed",
		zap.Int64("vaults", stats.TotalVaults),
		zap.Uint64("tvl", stats.TotalValueLocked))
	return stats, nil
}
