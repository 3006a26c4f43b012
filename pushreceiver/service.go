// --- File: pushreceiver/service.go ---
package pushreceiver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-receiver/internal/api"
	"github.com/tinywideclouds/go-push-receiver/internal/bridge"
	ipcws "github.com/tinywideclouds/go-push-receiver/internal/ipc/websocket"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
	"github.com/tinywideclouds/go-push-receiver/pushreceiver/config"
)

type Wrapper struct {
	*microservice.BaseServer
	bridge   *bridge.Bridge
	hub      *ipcws.Hub
	provider receiver.Provider
	logger   *slog.Logger

	// rootCtx scopes every listening session; Shutdown cancels it.
	rootCtx context.Context
	cancel  context.CancelFunc
}

// New assembles the background process: the event hub, the bridge behind it
// and the HTTP routes.
func New(
	cfg *config.Config,
	store receiver.Store,
	provider receiver.Provider,
	logger *slog.Logger,
) *Wrapper {
	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Event channel and bridge
	hub := ipcws.NewHub(ipcws.Config{
		AuthToken:      cfg.IPCAuthToken,
		AllowedOrigins: cfg.CorsConfig.AllowedOrigins,
	}, logger)
	b := bridge.New(store, provider, hub, bridge.Config{
		MaxPersistentIDs:    cfg.Bridge.MaxPersistentIDs,
		ResetOnStartFailure: cfg.Bridge.ResetOnStartFailure,
	}, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	dispatch := func(ev receiver.Event) { b.HandleEvent(rootCtx, ev) }
	hub.OnEvent(dispatch)

	// 3. API
	statusAPI := api.NewStatusAPI(b, dispatch, logger)

	// Register Routes
	mux := baseServer.Mux()

	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	authMiddleware := api.RequireToken(cfg.IPCAuthToken)

	mux.Handle("GET /ipc", hub)

	// OPTIONS
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /api/v1/status", corsMiddleware(authMiddleware(http.HandlerFunc(statusAPI.GetStatus))))
	mux.Handle("POST /api/v1/start", corsMiddleware(authMiddleware(http.HandlerFunc(statusAPI.StartService))))

	mux.Handle("GET /metrics", promhttp.Handler())

	return &Wrapper{
		BaseServer: baseServer,
		bridge:     b,
		hub:        hub,
		provider:   provider,
		logger:     logger,
		rootCtx:    rootCtx,
		cancel:     cancel,
	}
}

// Start blocks serving HTTP until Shutdown.
func (w *Wrapper) Start(_ context.Context) error {
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.cancel()
	w.bridge.Wait()

	var finalErr error
	if err := drain(ctx, w.provider); err != nil {
		w.logger.Error("Listening session shutdown failed.", "err", err)
		finalErr = err
	}
	w.hub.Close()

	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

// drain waits for the provider's listening sessions when it tracks them.
func drain(ctx context.Context, provider receiver.Provider) error {
	if d, ok := provider.(receiver.Drainer); ok {
		return d.Drain(ctx)
	}
	return nil
}
