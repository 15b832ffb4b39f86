package server

import (
	"net/http"
	"time"

	"github.com/collateralvault/vaultmirror/app/server/controller"
	"github.com/collateralvault/vaultmirror/app/server/types"
	"go.uber.org/zap"
)

// NewServer builds the router and HTTP server on app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	app.Server = &http.Server{
		Addr:              app.Config.Addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", app.Config.Addr))

	return nil
}
