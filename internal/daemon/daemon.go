// Package daemon boots and tears down the Paseo daemon: PID lock, registry,
// event bus, provider adapters, agent manager, and the WebSocket gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/agent/manager"
	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/config"
	"github.com/paseo-ai/paseo/internal/common/httpmw"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/common/tracing"
	"github.com/paseo-ai/paseo/internal/daemon/pidlock"
	"github.com/paseo-ai/paseo/internal/events/bus"
	gateway "github.com/paseo-ai/paseo/internal/gateway/websocket"
	"github.com/paseo-ai/paseo/internal/provider"
)

// ErrLockCollision wraps a PID lock collision so callers can map it to the
// dedicated exit code.
var ErrLockCollision = errors.New("listen address already locked")

// Daemon is a fully wired Paseo daemon instance.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	lock     *pidlock.Lock
	store    *registry.Store
	eventBus bus.EventBus
	manager  *manager.Manager
	gateway  *gateway.Gateway
	server   *http.Server
}

// New wires a daemon from configuration. The PID lock is taken here, before
// any listener opens; a collision returns an error wrapping ErrLockCollision
// and the pidlock.CollisionError.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	lock, err := pidlock.Acquire(cfg.Home, cfg.Listen)
	if err != nil {
		var collision *pidlock.CollisionError
		if errors.As(err, &collision) {
			return nil, fmt.Errorf("%w: %w", ErrLockCollision, collision)
		}
		return nil, err
	}

	tracing.Configure(cfg.Tracing)

	store, err := registry.Open(cfg.RegistryDir(), log)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open agent registry: %w", err)
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			store.Close()
			lock.Release()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	providers := provider.NewRegistry(
		provider.NewClaudeAdapter(log),
		provider.NewCodexAdapter(log),
		provider.NewOpenCodeAdapter(log),
	)

	mgr := manager.New(cfg.Agent, providers, store, eventBus, log)

	gw := gateway.NewGateway(mgr, gateway.AuthConfig{
		Token:        cfg.AuthToken,
		AllowedHosts: cfg.AllowedHosts,
	}, log)

	return &Daemon{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "daemon")),
		lock:     lock,
		store:    store,
		eventBus: eventBus,
		manager:  mgr,
		gateway:  gw,
	}, nil
}

// Manager exposes the agent manager, mainly for tests.
func (d *Daemon) Manager() *manager.Manager {
	return d.manager
}

// Run serves until the context is canceled, a shutdown is requested over the
// wire, or SIGINT/SIGTERM arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// shutdown_server_request and signals share the same path.
	d.gateway.Hub.SetShutdownFunc(cancel)

	if d.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(d.logger, "paseo"))
	router.Use(httpmw.OtelTracing("paseo"))

	d.gateway.SetupRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "paseo",
			"clients": d.gateway.Hub.ClientCount(),
		})
	})

	d.server = &http.Server{
		Addr:         d.cfg.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go d.gateway.Hub.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening",
			zap.String("listen", d.cfg.Listen),
			zap.String("home", d.cfg.Home))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-ctx.Done():
	case sig := <-quit:
		d.logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-serverErr:
		d.logger.Error("listener failed", zap.Error(err))
		runErr = err
		cancel()
	}

	d.shutdown()
	return runErr
}

// shutdown tears the daemon down in reverse boot order.
func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		d.cfg.Agent.DrainTimeoutDuration()+10*time.Second)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown error", zap.Error(err))
		}
	}

	if err := d.manager.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("agent manager shutdown error", zap.Error(err))
	}

	d.eventBus.Close()

	if err := d.store.Close(); err != nil {
		d.logger.Warn("registry close error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("tracing shutdown error", zap.Error(err))
	}

	if err := d.lock.Release(); err != nil {
		d.logger.Warn("pid lock release error", zap.Error(err))
	}

	d.logger.Info("daemon stopped")
}
