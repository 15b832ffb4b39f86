package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/cache"
	"go.uber.org/zap"
)

type healthReport struct {
	Status      string       `json:"status"`
	Database    string       `json:"database"`
	Redis       string       `json:"redis,omitempty"`
	Ledger      string       `json:"ledger,omitempty"`
	Ingest      string       `json:"ingest,omitempty"`
	SeenSigs    int          `json:"seen_signatures"`
	Subscribers int          `json:"subscribers"`
	Dropped     uint64       `json:"dropped_subscribers"`
	Cache       *cache.Stats `json:"cache,omitempty"`
}

// HandleLiveness answers as long as the process serves HTTP.
func (c *Controller) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness reports whether the store (and Redis, when enabled) answer.
func (c *Controller) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := c.App.Store.Ping(ctx); err != nil {
		c.App.Logger.Warn("Readiness check failed", zap.String("dependency", "postgres"), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}
	if c.App.Redis != nil {
		if err := c.App.Redis.Health(ctx); err != nil {
			c.App.Logger.Warn("Readiness check failed", zap.String("dependency", "redis"), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealth returns a detailed status report. It answers 503 when the store is down.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Database: "ok"}
	code := http.StatusOK

	if err := c.App.Store.Ping(ctx); err != nil {
		rep.Status, rep.Database = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if c.App.Redis != nil {
		rep.Redis = "ok"
		if err := c.App.Redis.Health(ctx); err != nil {
			rep.Status, rep.Redis = "degraded", err.Error()
		}
	}
	if c.App.Ledger != nil {
		rep.Ledger = "ok"
		if err := c.App.Ledger.Health(ctx); err != nil {
			rep.Status, rep.Ledger = "degraded", err.Error()
		}
	}
	if c.App.Ingest != nil {
		rep.Ingest = c.App.Ingest.State().String()
		rep.SeenSigs = c.App.Ingest.SeenCount()
	}
	if c.App.Hub != nil {
		rep.Subscribers = c.App.Hub.Count()
		rep.Dropped = c.App.Hub.Dropped()
	}
	if c.App.Cache != nil {
		stats := c.App.Cache.Stats()
		rep.Cache = &stats
	}

	writeJSON(w, code, envelope{Success: code == http.StatusOK, Data: rep})
}
