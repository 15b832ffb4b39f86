package controller

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/collateralvault/vaultmirror/app/server/types"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/vault"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App: app,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPut+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this package.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(withRequestInfo, withMetrics)

	r.HandleFunc("/healthz", c.HandleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Vaults
	api.HandleFunc("/vault/initialize", c.HandleInitializeVault).Methods(http.MethodPost)
	api.HandleFunc("/vault/balance/{vault}", c.HandleGetVault).Methods(http.MethodGet)
	api.HandleFunc("/vault/owner/{owner}", c.HandleGetVaultByOwner).Methods(http.MethodGet)
	api.HandleFunc("/vault/deposit", c.HandleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/vault/withdraw", c.HandleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/vault/lock", c.HandleLock).Methods(http.MethodPost)
	api.HandleFunc("/vault/unlock", c.HandleUnlock).Methods(http.MethodPost)
	api.HandleFunc("/vault/transfer", c.HandleTransfer).Methods(http.MethodPost)
	api.HandleFunc("/vault/sync/{vault}", c.HandleSyncVault).Methods(http.MethodPost)
	api.HandleFunc("/vault/tvl", c.HandleTVL).Methods(http.MethodGet)
	api.HandleFunc("/vault/list", c.HandleListVaults).Methods(http.MethodGet)

	// Transactions and audit
	api.HandleFunc("/transactions/{vault}", c.HandleListTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transaction/{signature}", c.HandleGetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transaction/{signature}/status", c.HandleUpdateTransactionStatus).Methods(http.MethodPut)
	api.HandleFunc("/audit/{vault}", c.HandleListAudit).Methods(http.MethodGet)

	// Operator surfaces
	api.HandleFunc("/alerts", c.HandleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", c.HandleAcknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", c.HandleResolveAlert).Methods(http.MethodPost)
	api.HandleFunc("/reconciliations", c.HandleListReconciliations).Methods(http.MethodGet)
	api.HandleFunc("/reconciliations/{id}/investigate", c.HandleInvestigateReconciliation).Methods(http.MethodPost)
	api.HandleFunc("/reconciliations/{id}/resolve", c.HandleResolveReconciliation).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{vault}/latest", c.HandleLatestSnapshot).Methods(http.MethodGet)

	return r, nil
}

// withRequestInfo attaches the caller's address and user agent for the audit trail.
func withRequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := vault.RequestInfo{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
		next.ServeHTTP(w, r.WithContext(vault.WithRequestInfo(r.Context(), info)))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack keeps websocket upgrades working through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// withMetrics counts requests by route template and status code.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
