// Package app wires the engine components from a config and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harun/toolrun/internal/audit"
	"github.com/harun/toolrun/internal/config"
	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/adapters"
	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/builtins"
	"github.com/harun/toolrun/pkg/executor"
	"github.com/harun/toolrun/pkg/limiter"
	"github.com/harun/toolrun/pkg/manager"
	"github.com/harun/toolrun/pkg/recovery"
	"github.com/harun/toolrun/pkg/statestore"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

// Option customises New.
type Option func(*options)

type options struct {
	catalog    *tool.Catalog
	httpClient *http.Client
	dial       adapters.DialFunc
}

// WithCatalog uses c for builtin and native function lookup, so embedders can
// register their own native functions before the tools are built.
func WithCatalog(c *tool.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithHTTPClient sets the client used by REST tools.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMCPDialer replaces the MCP transport.
func WithMCPDialer(dial adapters.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// App holds every engine component built from one config.
type App struct {
	config   *config.Config
	metrics  *metrics.Metrics
	bridge   *bridge.Bridge
	store    *statestore.Store
	catalog  *tool.Catalog
	manager  *manager.Manager
	recovery *recovery.Manager
	limiter  *limiter.Limiter
	executor *executor.Executor
	audit    *audit.Logger

	shutdownTracing tracing.ShutdownFunc

	mu      sync.Mutex
	watcher *config.Watcher
	closed  bool
}

// New builds the engine. Tool descriptors that fail validation or building
// are logged and skipped; the rest are registered.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = tool.NewCatalog()
	}

	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		shutdown = func(context.Context) error { return nil }
	}

	a := &App{
		config:          cfg,
		catalog:         o.catalog,
		shutdownTracing: shutdown,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewMetrics()
	}

	a.audit, err = audit.New(cfg.Audit)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	if err := builtins.Register(a.catalog, builtins.Options{
		WorkspaceRoot: cfg.Workspace.Root,
		MaxReadBytes:  cfg.Workspace.MaxReadBytes,
	}); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to register builtins: %w", err)
	}

	a.bridge = bridge.New(bridge.Config{Workers: cfg.Engine.Workers}, a.metrics)
	a.store = statestore.New(statestore.Config{
		MaxHistory:    cfg.State.MaxHistory,
		SweepInterval: cfg.State.SweepInterval,
	}, a.metrics)

	factory := manager.NewFactory(a.catalog, a.bridge, o.httpClient, adapters.NewMCPPool(o.dial))
	a.manager, err = manager.New(factory, a.store, a.metrics)
	if err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to create tool manager: %w", err)
	}

	a.recovery = recovery.NewManager(recovery.Config{
		Policy:      cfg.Recovery.Policy,
		HistorySize: cfg.Recovery.HistorySize,
	}, a.metrics)
	a.limiter = limiter.New(cfg.Engine.MaxConcurrent, a.metrics)

	a.executor, err = executor.New(executor.Config{
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		MaxOutputSize:  cfg.Engine.MaxOutputSize,
		MaxParallel:    cfg.Engine.MaxParallel,
		BatchSize:      cfg.Engine.BatchSize,
		BatchTimeout:   cfg.Engine.BatchTimeout,
	}, executor.Deps{
		Tools:    a.manager,
		Bridge:   a.bridge,
		Limiter:  a.limiter,
		Recovery: a.recovery,
		Metrics:  a.metrics,
		Audit:    a.audit,
	})
	if err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	if err := a.manager.Initialize(ctx, cfg.Tools); err != nil {
		log.Warn().Err(err).Msg("Some tools were not registered")
	}

	if err := a.store.StartSweeper(); err != nil {
		a.release(ctx)
		return nil, err
	}

	log.Info().
		Int("tools", a.manager.Count()).
		Int("workers", cfg.Engine.Workers).
		Int("max_concurrent", cfg.Engine.MaxConcurrent).
		Msg("Engine initialized")

	return a, nil
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config { return a.config }

// Metrics returns nil when metrics are disabled.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Manager() *manager.Manager { return a.manager }

func (a *App) Executor() *executor.Executor { return a.executor }

func (a *App) Store() *statestore.Store { return a.store }

func (a *App) Catalog() *tool.Catalog { return a.catalog }

// Reload rebuilds the tool set from cfg. Engine, server and logging settings
// are fixed at startup and are not reapplied.
func (a *App) Reload(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return errors.New("app is closed")
	}
	err := a.manager.ReloadTools(ctx, cfg.Tools)
	a.audit.RecordReload(ctx, a.manager.Count(), err)
	return err
}

// Watch reloads the tools whenever the loader's file changes.
func (a *App) Watch(loader *config.Loader) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.New("app is closed")
	}
	if a.watcher != nil {
		return errors.New("config watcher is already running")
	}

	w, err := config.NewWatcher(loader, 0, func(cfg *config.Config) {
		if err := a.Reload(context.Background(), cfg); err != nil {
			log.Warn().Err(err).Msg("Tool reload finished with errors")
		}
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	a.watcher = w
	return nil
}

// Close stops every component. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Stop())
	}
	errs = append(errs, a.release(ctx))

	log.Info().Msg("Engine stopped")
	return errors.Join(errs...)
}

// drainTimeout bounds how long Close waits for in-flight sync tools when ctx
// carries no deadline.
const drainTimeout = 5 * time.Second

// release closes whatever New managed to build.
func (a *App) release(ctx context.Context) error {
	var errs []error
	if a.bridge != nil {
		grace := drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			grace = time.Until(deadline)
		}
		if !a.bridge.Drain(grace) {
			log.Warn().Dur("grace", grace).Msg("Closing with sync tools still running")
		}
	}
	if a.executor != nil {
		a.executor.Close()
	}
	if a.store != nil {
		a.store.StopSweeper()
	}
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	errs = append(errs, a.audit.Close())
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
