package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the service. Values come from defaults, then an
// optional YAML file named by VAULT_CONFIG_FILE, then environment variables.
type Config struct {
	Addr string `yaml:"addr"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Redis     RedisConfig     `yaml:"redis"`

	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type PostgresConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type LedgerConfig struct {
	RPCURLs   []string `yaml:"rpc_urls"`
	RPS       int      `yaml:"rps"`
	ProgramID string   `yaml:"program_id"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	TTI        time.Duration `yaml:"tti"`
	TvlTTL     time.Duration `yaml:"tvl_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type IngestConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	SeenRetention time.Duration `yaml:"seen_retention"`
	MaxFailures   int           `yaml:"max_failures"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

type ReconcileConfig struct {
	Interval   time.Duration `yaml:"interval"`
	PageSize   int           `yaml:"page_size"`
	Workers    int           `yaml:"workers"`
	HourlySpec string        `yaml:"hourly_spec"`
	DailySpec  string        `yaml:"daily_spec"`
}

type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	LowBalanceRatio float64       `yaml:"low_balance_ratio"`
	HighUtilization float64       `yaml:"high_utilization"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr: ":3000",
		Postgres: PostgresConfig{
			URL:            "postgres://localhost:5432/vaultmirror",
			MaxConns:       50,
			MinConns:       2,
			AcquireTimeout: 3 * time.Second,
		},
		Ledger: LedgerConfig{
			RPCURLs: []string{"https://api.devnet.solana.com"},
			RPS:     20,
		},
		Cache: CacheConfig{
			TTL:        300 * time.Second,
			TTI:        60 * time.Second,
			TvlTTL:     60 * time.Second,
			MaxEntries: 10000,
		},
		Ingest: IngestConfig{
			PollInterval:  time.Second,
			BatchSize:     50,
			SeenRetention: time.Hour,
			MaxFailures:   5,
			Cooldown:      30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:   time.Hour,
			PageSize:   1000,
			Workers:    8,
			HourlySpec: "0 0 * * * *",
			DailySpec:  "0 0 0 * * *",
		},
		Monitor: MonitorConfig{
			Interval:        60 * time.Second,
			LowBalanceRatio: 0.10,
			HighUtilization: 90,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		SubscriberBuffer: 256,
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("VAULT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = utils.Env("ADDR", c.Addr)

	c.Postgres.URL = utils.Env("POSTGRES_URL", c.Postgres.URL)
	c.Postgres.MaxConns = utils.EnvInt("POSTGRES_MAX_CONNS", c.Postgres.MaxConns)
	c.Postgres.MinConns = utils.EnvInt("POSTGRES_MIN_CONNS", c.Postgres.MinConns)
	c.Postgres.AcquireTimeout = utils.EnvDuration("POSTGRES_ACQUIRE_TIMEOUT", c.Postgres.AcquireTimeout)

	c.Ledger.RPCURLs = utils.Dedup(utils.EnvList("LEDGER_RPC_URL", c.Ledger.RPCURLs))
	c.Ledger.RPS = utils.EnvInt("LEDGER_RPS", c.Ledger.RPS)
	c.Ledger.ProgramID = utils.Env("PROGRAM_ID", c.Ledger.ProgramID)

	c.Cache.TTL = utils.EnvDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.TTI = utils.EnvDuration("CACHE_TTI", c.Cache.TTI)
	c.Cache.TvlTTL = utils.EnvDuration("CACHE_TVL_TTL", c.Cache.TvlTTL)
	c.Cache.MaxEntries = utils.EnvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)

	c.Ingest.PollInterval = utils.EnvDuration("INGEST_POLL_INTERVAL", c.Ingest.PollInterval)
	c.Ingest.BatchSize = utils.EnvInt("INGEST_BATCH_SIZE", c.Ingest.BatchSize)
	c.Ingest.SeenRetention = utils.EnvDuration("INGEST_SEEN_RETENTION", c.Ingest.SeenRetention)
	c.Ingest.MaxFailures = utils.EnvInt("INGEST_MAX_FAILURES", c.Ingest.MaxFailures)
	c.Ingest.Cooldown = utils.EnvDuration("INGEST_COOLDOWN", c.Ingest.Cooldown)

	c.Reconcile.Interval = utils.EnvDuration("RECONCILE_INTERVAL", c.Reconcile.Interval)
	c.Reconcile.PageSize = utils.EnvInt("RECONCILE_PAGE_SIZE", c.Reconcile.PageSize)
	c.Reconcile.Workers = utils.EnvInt("RECONCILE_WORKERS", c.Reconcile.Workers)
	c.Reconcile.HourlySpec = utils.Env("SNAPSHOT_HOURLY_SPEC", c.Reconcile.HourlySpec)
	c.Reconcile.DailySpec = utils.Env("SNAPSHOT_DAILY_SPEC", c.Reconcile.DailySpec)

	c.Monitor.Interval = utils.EnvDuration("MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.LowBalanceRatio = utils.EnvFloat("MONITOR_LOW_BALANCE_RATIO", c.Monitor.LowBalanceRatio)
	c.Monitor.HighUtilization = utils.EnvFloat("MONITOR_HIGH_UTILIZATION", c.Monitor.HighUtilization)

	c.Redis.Enabled = utils.EnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = utils.Env("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = utils.EnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = utils.Env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = int(utils.EnvInt64("REDIS_DB", int64(c.Redis.DB)))

	c.SubscriberBuffer = utils.EnvInt("SUBSCRIBER_BUFFER", c.SubscriberBuffer)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("POSTGRES_URL is required"))
	}
	if c.Postgres.MaxConns <= 0 || c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
		errs = append(errs, fmt.Errorf("invalid postgres pool bounds min=%d max=%d", c.Postgres.MinConns, c.Postgres.MaxConns))
	}
	if c.Ledger.ProgramID == "" {
		errs = append(errs, errors.New("PROGRAM_ID is required"))
	} else if err := utils.ValidatePubkey(c.Ledger.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("PROGRAM_ID: %w", err))
	}
	if len(c.Ledger.RPCURLs) == 0 {
		errs = append(errs, errors.New("LEDGER_RPC_URL is required"))
	}

	positive := map[string]time.Duration{
		"CACHE_TTL":             c.Cache.TTL,
		"CACHE_TTI":             c.Cache.TTI,
		"CACHE_TVL_TTL":         c.Cache.TvlTTL,
		"INGEST_POLL_INTERVAL":  c.Ingest.PollInterval,
		"INGEST_SEEN_RETENTION": c.Ingest.SeenRetention,
		"INGEST_COOLDOWN":       c.Ingest.Cooldown,
		"RECONCILE_INTERVAL":    c.Reconcile.Interval,
		"MONITOR_INTERVAL":      c.Monitor.Interval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Ingest.BatchSize <= 0 || c.Ingest.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_SIZE must be in [1,1000], got %d", c.Ingest.BatchSize))
	}
	if c.Reconcile.PageSize <= 0 || c.Reconcile.Workers <= 0 {
		errs = append(errs, errors.New("RECONCILE_PAGE_SIZE and RECONCILE_WORKERS must be positive"))
	}
	if c.Monitor.LowBalanceRatio <= 0 || c.Monitor.LowBalanceRatio > 1 {
		errs = append(errs, fmt.Errorf("MONITOR_LOW_BALANCE_RATIO must be in (0,1], got %v", c.Monitor.LowBalanceRatio))
	}
	if c.Monitor.HighUtilization <= 0 || c.Monitor.HighUtilization > 100 {
		errs = append(errs, fmt.Errorf("MONITOR_HIGH_UTILIZATION must be in (0,100], got %v", c.Monitor.HighUtilization))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("SUBSCRIBER_BUFFER must be positive"))
	}

	return errors.Join(errs...)
}

// Addr returns host:port for the redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
