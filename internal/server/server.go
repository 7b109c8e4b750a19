package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arenalive/relay/internal/auth"
	"github.com/arenalive/relay/internal/eventlog"
	"github.com/arenalive/relay/internal/hub"
	"github.com/arenalive/relay/internal/metrics"
	"github.com/arenalive/relay/internal/resilience"
	"github.com/arenalive/relay/internal/router"
	"github.com/arenalive/relay/internal/server/middleware"
	"github.com/arenalive/relay/pkg/config"
	"github.com/arenalive/relay/pkg/state"
	"github.com/arenalive/relay/pkg/state/statemanager"
	"github.com/arenalive/relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type App struct {
	logger       *slog.Logger
	config       *config.Config
	stateManager state.Manager
	store        eventlog.Store
	aggregator   *metrics.Aggregator
	orchestrator *resilience.Orchestrator
	hub          *hub.Hub
	eventRouter  *router.Router
	scheduler    *hub.Scheduler
	http         *http.Server
	wg           sync.WaitGroup

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	store, err := eventlog.NewRedisStore(eventlog.RedisConfig{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		TTL:      cfg.History.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("event log unavailable: %w", err)
	}
	return newApp(logger, rootCtx, cfg, store)
}

func newApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, store eventlog.Store) (*App, error) {
	stateManager := statemanager.NewInMemoryManager(logger)
	aggregator := metrics.NewAggregator()

	breakers := resilience.NewBreakerSet(logger, cfg.Recovery.BreakerThreshold, cfg.Recovery.BreakerCooldown)
	registry := resilience.NewRegistry()
	if err := resilience.RegisterDefaults(registry, resilience.Probes{
		PingStore: func(ctx context.Context) error {
			_, err := store.Range(ctx, "probe", 0, 1)
			return err
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to register recovery strategies: %w", err)
	}
	orchestrator := resilience.NewOrchestrator(logger, registry, breakers, aggregator)

	broadcaster := hub.New(logger, stateManager, store, aggregator, orchestrator)
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	eventRouter := router.New(logger, stateManager, broadcaster, verifier, store, cfg.History, cfg.Production())

	scheduler, err := hub.NewScheduler(logger, broadcaster, aggregator, cfg.Heartbeat.Interval)
	if err != nil {
		return nil, err
	}

	app := &App{
		logger:       logger,
		config:       cfg,
		stateManager: stateManager,
		store:        store,
		aggregator:   aggregator,
		orchestrator: orchestrator,
		hub:          broadcaster,
		eventRouter:  eventRouter,
		scheduler:    scheduler,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	cycler := func(ip string) {
		oldest, found := stateManager.FindOldestByIP(ip)
		if found {
			logger.Info("cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(
				logger,
				stateManager.CountByIP,
				cycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/healthz", app.handleHealth)
	mux.HandleFunc("/snapshot", app.handleSnapshot)
	mux.Handle("/metrics", promhttp.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) Run() error {
	a.scheduler.Start()
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		if serr := a.Shutdown(); serr != nil {
			a.logger.Error("shutdown after serve failure also failed", slog.Any("error", serr))
		}
		return err
	case <-a.ctx.Done():
		return a.Shutdown()
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip string
	if reqMeta != nil {
		ip = reqMeta.IP
	}
	connLogger := a.logger.With(slog.String("remoteAddr", ip))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		a.config.Transport,
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	if _, err := a.stateManager.Register(conn, ip); err != nil {
		connLogger.Error("failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.hub.Disconnect(id, err)
	})
	a.aggregator.SetConnectionCount(a.stateManager.Count())

	connLogger.Info("connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// handleHealth exposes breaker states and registered strategies alongside
// basic liveness data.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.orchestrator.Health()
	anyOpen := false
	for _, st := range health.Breakers {
		if st.Open {
			anyOpen = true
			break
		}
	}
	status := "ok"
	if anyOpen {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        status,
		"uptimeSeconds": int64(time.Since(a.hub.Started()).Seconds()),
		"connections":   a.stateManager.Count(),
		"recovery":      health,
	})
}

func (a *App) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.aggregator.Snapshot())
}

// Shutdown runs the graceful shutdown sequence: stop accepting, close every
// live connection, stop periodic work, release the event log handle.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}
	a.wg.Wait()

	a.scheduler.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close event log", slog.Any("error", err))
	}
	a.logger.Info("server shut down gracefully")
	return nil
}
