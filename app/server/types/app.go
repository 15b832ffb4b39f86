package types

import (
	"context"
	"net/http"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/cache"
	"github.com/collateralvault/vaultmirror/pkg/config"
	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ingest"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/collateralvault/vaultmirror/pkg/reconcile"
	"github.com/collateralvault/vaultmirror/pkg/supervisor"
	"go.uber.org/zap"
)

// VaultService is the mutation and read contract the transport exposes.
type VaultService interface {
	InitializeVault(ctx context.Context, vaultKey, ownerKey, tokenAccount string) (*mirror.Vault, error)
	GetVault(ctx context.Context, vaultKey string) (*mirror.Vault, error)
	GetVaultByOwner(ctx context.Context, ownerKey string) (*mirror.Vault, error)
	Process(ctx context.Context, kind mirror.TxType, vaultKey string, amount uint64, signature string) (*mirror.Vault, error)
	ProcessTransfer(ctx context.Context, fromKey, toKey string, amount uint64, signature string) (*mirror.Vault, *mirror.Vault, error)
	SyncVaultFromChain(ctx context.Context, vaultKey string) (*mirror.Vault, error)
	GetTVL(ctx context.Context) (*mirror.TvlStats, error)
	UpdateTransactionStatus(ctx context.Context, signature string, status mirror.TxStatus, blockTime *int64, slot *uint64) error
}

// Store is the query side of the persistent store.
type Store interface {
	Ping(ctx context.Context) error
	ListVaults(ctx context.Context, limit, offset int) ([]mirror.Vault, error)
	GetTransaction(ctx context.Context, signature string) (*mirror.TransactionRecord, error)
	ListTransactions(ctx context.Context, f mirror.TxFilter) ([]mirror.TransactionRecord, error)
	ListAudit(ctx context.Context, vaultKey string, limit int) ([]mirror.AuditEntry, error)
	CreateAuditEntry(ctx context.Context, e *mirror.AuditEntry) error
	ListAlerts(ctx context.Context, status mirror.AlertStatus, limit int) ([]mirror.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) (*mirror.Alert, error)
	ResolveAlert(ctx context.Context, id int64) (*mirror.Alert, error)
	ListUnresolvedReconciliations(ctx context.Context, limit int) ([]mirror.ReconciliationLog, error)
	MarkInvestigating(ctx context.Context, id int64) (*mirror.ReconciliationLog, error)
	ResolveReconciliation(ctx context.Context, id int64, notes string) (*mirror.ReconciliationLog, error)
	LatestSnapshot(ctx context.Context, vaultKey string) (*mirror.BalanceSnapshot, error)
}

// Pinger is an optional dependency checked by readiness.
type Pinger interface {
	Health(ctx context.Context) error
}

// IngestStatus exposes the listener's state to health checks.
type IngestStatus interface {
	State() ingest.State
	SeenCount() int
}

type App struct {
	Config config.Config

	Store  Store
	Vaults VaultService
	Cache  *cache.BalanceCache
	Hub    *notify.Hub

	// Optional; nil when Redis is disabled.
	Redis  Pinger
	Ledger Pinger

	Ingest IngestStatus

	// Background work, nil in tests.
	Supervisor *supervisor.Supervisor
	Tasks      map[string]supervisor.Task
	Scheduler  *reconcile.Scheduler
	// Closers run in reverse order after the background work stops.
	Closers []func()

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start runs the background tasks and the HTTP server until ctx is done, then shuts down.
func (a *App) Start(ctx context.Context) {
	if a.Supervisor != nil {
		for name, task := range a.Tasks {
			a.Supervisor.Go(ctx, name, task)
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	a.Logger.Info("Server started", zap.String("addr", a.Server.Addr), zap.Int("tasks", len(a.Tasks)))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Supervisor != nil {
		a.Supervisor.Wait()
	}
	a.Hub.Close()

	for i := len(a.Closers) - 1; i >= 0; i-- {
		a.Closers[i]()
	}
	a.Logger.Info("Shutdown complete")
}
