package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/bridge"
	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/internal/guard"
	"github.com/a-essam23/go-relay/internal/persist"
	"github.com/a-essam23/go-relay/internal/rooms"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statemanager"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Deps are the externally-constructed collaborators. Anything left nil gets a
// process-local fallback, so a bare App works single-node with no backing
// services.
type Deps struct {
	CacheBackend cache.Backend
	Channel      bridge.Channel
	Store        persist.MessageStore
	Sink         guard.EventSink
	Verifier     auth.Verifier
	Authz        rooms.Checker
}

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	cache        *cache.TieredCache
	guard        *guard.Guard
	bridge       *bridge.Bridge
	queue        *persist.Queue
	engine       *rooms.Engine
	eventRouter  *router.EventRouter
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, deps Deps) *App {
	if deps.CacheBackend == nil {
		deps.CacheBackend = cache.NewMemoryBackend()
	}
	if deps.Channel == nil {
		deps.Channel = bridge.NewInprocChannel()
	}
	if deps.Store == nil {
		deps.Store = persist.NewMemoryStore()
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	}

	stateManager := statemanager.NewInMemoryManager(logger)
	tieredCache := cache.NewTieredCache(logger, deps.CacheBackend, cache.Options{
		Tier1Capacity:     cfg.Cache.Tier1Capacity,
		Tier1MaxTTL:       cfg.Cache.Tier1MaxTTL,
		CompressThreshold: cfg.Cache.CompressThreshold,
	})
	abuseGuard := guard.New(logger, tieredCache, deps.Sink, guard.Config{EventBuffer: cfg.Guard.EventBuffer})
	clusterBridge := bridge.New(logger, deps.Channel, cfg.Bridge.TopicPrefix)
	queue := persist.NewQueue(logger, deps.Store, abuseGuard, persist.QueueConfig{
		Size:       cfg.Persist.QueueSize,
		MaxRetries: cfg.Persist.MaxRetries,
		RetryBase:  cfg.Persist.RetryBase,
	})

	authz := deps.Authz
	if authz == nil {
		authz = rooms.NewPermissionChecker(stateManager)
	}
	authz = rooms.NewCachedChecker(authz, tieredCache, cfg.Rooms.AuthzTTL)

	engine := rooms.NewEngine(logger, stateManager, clusterBridge, abuseGuard, tieredCache, queue, authz, rooms.Config{
		BatchThreshold: cfg.Rooms.BatchThreshold,
		ChunkSize:      cfg.Rooms.ChunkSize,
		ChunkPause:     cfg.Rooms.ChunkPause,
		EchoToSender:   cfg.Rooms.EchoToSender,
		MembershipTTL:  cfg.Rooms.MembershipTTL,
		SendLimit:      guard.Limit{Max: cfg.Guard.SendLimitMax, Window: cfg.Guard.SendLimitWindow},
		JoinLimit:      guard.Limit{Max: cfg.Guard.JoinLimitMax, Window: cfg.Guard.JoinLimitWindow},
	})

	eventRouter := router.NewEventRouter(logger, stateManager, engine, deps.Verifier, tieredCache, cfg.Server.ConnectionLimit)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		cache:        tieredCache,
		guard:        abuseGuard,
		bridge:       clusterBridge,
		queue:        queue,
		engine:       engine,
		eventRouter:  eventRouter,
		config:       cfg,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAdmissionLimiter(logger, stateManager.ConnectionCountByIP, abuseGuard, cfg.Server.ConnectionLimit.MaxPerIP),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	if err := a.engine.Start(); err != nil {
		return err
	}

	go a.reapLoop()

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// reapLoop periodically sweeps idle and never-authenticated connections. It
// shares the normal disconnect path, so rooms observe the same leave
// notifications either way.
func (a *App) reapLoop() {
	interval := a.config.Server.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if reaped := a.engine.ReapIdle(a.config.Server.IdleThreshold, a.config.Server.Auth.Timeout); reaped > 0 {
				a.logger.Info("Idle sweep complete", slog.Int("reaped", reaped))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout: a.config.Transport.ReadTimeout,
			SendBuffer:  a.config.Transport.SendBuffer,
		},
		nil,
		nil,
		a.logger,
	)
	// register new connection; authentication happens in-band afterwards.
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Cleaning up connection due to closure", slog.String("connID", id.String()))
		a.engine.HandleDisconnect(id)
	})

	connLogger.Info("Connection established, awaiting authentication")
	conn.Run()
	<-conn.Done()
}

// Shutdown is the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		// A drain timeout must not skip connection and backend teardown.
		a.logger.Warn("HTTP shutdown did not drain cleanly", slog.Any("error", err))
	}

	// close all active WebSocket connections, authenticated or not.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup, then drain
	// the write-behind queue and release the shared backends.
	a.wg.Wait()
	a.queue.Close()
	a.guard.Close()
	if err := a.bridge.Close(); err != nil {
		a.logger.Warn("Bridge close failed", slog.Any("error", err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("Cache close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
