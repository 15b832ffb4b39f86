package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/puzpuzpuz/xsync/v4"
)

// Config bounds how long entries may be served.
type Config struct {
	TTL        time.Duration // from insertion
	TTI        time.Duration // since last access
	TvlTTL     time.Duration
	MaxEntries int
}

type entry struct {
	vault      mirror.Vault
	insertedAt time.Time
	lastAccess atomic.Int64 // unix nanos
}

// BalanceCache is an expendable, time-bounded copy of vault rows and the TVL aggregate.
// It is safe for concurrent use.
type BalanceCache struct {
	cfg Config
	now func() time.Time

	vaults *xsync.Map[string, *entry]
	owners *xsync.Map[string, string] // owner -> vault key

	tvlMu sync.RWMutex
	tvl   *mirror.TvlStats
	tvlAt time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds an empty cache.
func New(cfg Config) *BalanceCache {
	return &BalanceCache{
		cfg:    cfg,
		now:    time.Now,
		vaults: xsync.NewMap[string, *entry](),
		owners: xsync.NewMap[string, string](),
	}
}

func (c *BalanceCache) expired(e *entry, now time.Time) bool {
	if c.cfg.TTL > 0 && now.Sub(e.insertedAt) >= c.cfg.TTL {
		return true
	}
	if c.cfg.TTI > 0 && now.Sub(time.Unix(0, e.lastAccess.Load())) >= c.cfg.TTI {
		return true
	}
	return false
}

// Get returns a copy of the cached vault if present and not expired.
func (c *BalanceCache) Get(vaultKey string) (mirror.Vault, bool) {
	now := c.now()
	e, ok := c.vaults.Load(vaultKey)
	if !ok {
		c.misses.Add(1)
		return mirror.Vault{}, false
	}
	if c.expired(e, now) {
		c.removeEntry(vaultKey, e)
		c.misses.Add(1)
		return mirror.Vault{}, false
	}
	e.lastAccess.Store(now.UnixNano())
	c.hits.Add(1)
	return e.vault, true
}

// GetByOwner resolves the owner index and returns the vault.
func (c *BalanceCache) GetByOwner(ownerKey string) (mirror.Vault, bool) {
	key, ok := c.owners.Load(ownerKey)
	if !ok {
		c.misses.Add(1)
		return mirror.Vault{}, false
	}
	v, ok := c.Get(key)
	if !ok || v.OwnerKey != ownerKey {
		c.owners.Compute(ownerKey, func(old string, loaded bool) (string, xsync.ComputeOp) {
			if loaded && old == key {
				return "", xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return mirror.Vault{}, false
	}
	return v, true
}

// Set stores v as a whole, unless the cache already holds a newer version.
// It reports whether the entry was written.
func (c *BalanceCache) Set(v mirror.Vault) bool {
	now := c.now()
	written := false

	c.vaults.Compute(v.VaultKey, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if loaded && old.vault.Version > v.Version && !c.expired(old, now) {
			return old, xsync.CancelOp
		}
		e := &entry{vault: v, insertedAt: now}
		e.lastAccess.Store(now.UnixNano())
		written = true
		return e, xsync.UpdateOp
	})

	if written {
		c.owners.Store(v.OwnerKey, v.VaultKey)
		if c.cfg.MaxEntries > 0 && c.vaults.Size() > c.cfg.MaxEntries {
			c.Sweep()
		}
	}
	return written
}

// Invalidate drops the vault entry so the next read goes to the store.
func (c *BalanceCache) Invalidate(vaultKey string) {
	if e, ok := c.vaults.LoadAndDelete(vaultKey); ok {
		c.dropOwner(e.vault.OwnerKey, vaultKey)
	}
}

func (c *BalanceCache) removeEntry(vaultKey string, e *entry) {
	c.vaults.Compute(vaultKey, func(cur *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if loaded && cur == e {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	c.dropOwner(e.vault.OwnerKey, vaultKey)
}

func (c *BalanceCache) dropOwner(ownerKey, vaultKey string) {
	c.owners.Compute(ownerKey, func(cur string, loaded bool) (string, xsync.ComputeOp) {
		if loaded && cur == vaultKey {
			return "", xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

// Sweep evicts expired entries. When the cache is still over MaxEntries the
// least recently accessed entries go next.
func (c *BalanceCache) Sweep() int {
	now := c.now()
	removed := 0

	c.vaults.Range(func(key string, e *entry) bool {
		if c.expired(e, now) {
			c.removeEntry(key, e)
			removed++
		}
		return true
	})

	if c.cfg.MaxEntries <= 0 {
		return removed
	}
	for c.vaults.Size() > c.cfg.MaxEntries {
		var (
			oldestKey string
			oldest    *entry
		)
		c.vaults.Range(func(key string, e *entry) bool {
			if oldest == nil || e.lastAccess.Load() < oldest.lastAccess.Load() {
				oldestKey, oldest = key, e
			}
			return true
		})
		if oldest == nil {
			break
		}
		c.removeEntry(oldestKey, oldest)
		removed++
	}
	return removed
}

// GetTvl returns the cached aggregate while it is fresh.
func (c *BalanceCache) GetTvl() (mirror.TvlStats, bool) {
	c.tvlMu.RLock()
	defer c.tvlMu.RUnlock()
	if c.tvl == nil || (c.cfg.TvlTTL > 0 && c.now().Sub(c.tvlAt) >= c.cfg.TvlTTL) {
		return mirror.TvlStats{}, false
	}
	return *c.tvl, true
}

// SetTvl replaces the cached aggregate.
func (c *BalanceCache) SetTvl(stats mirror.TvlStats) {
	c.tvlMu.Lock()
	defer c.tvlMu.Unlock()
	c.tvl = &stats
	c.tvlAt = c.now()
}

// InvalidateTvl forces the next GetTvl to miss.
func (c *BalanceCache) InvalidateTvl() {
	c.tvlMu.Lock()
	defer c.tvlMu.Unlock()
	c.tvl = nil
}

// Stats describes cache occupancy for health reporting.
type Stats struct {
	Vaults int    `json:"vault_entries"`
	Owners int    `json:"owner_entries"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	HasTvl bool   `json:"has_tvl"`
}

func (c *BalanceCache) Stats() Stats {
	_, hasTvl := c.GetTvl()
	return Stats{
		Vaults: c.vaults.Size(),
		Owners: c.owners.Size(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		HasTvl: hasTvl,
	}
}
