// Package scriptd embeds a pool of QuickJS isolates that run user scripts as
// HTTP route handlers and periodic tasks, with a database bridge, fetch and
// timers available to every script.
package scriptd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/dispatch"
	"github.com/cryguy/scriptd/internal/loader"
	"github.com/cryguy/scriptd/internal/metrics"
	"github.com/cryguy/scriptd/internal/quickjs"
	"github.com/cryguy/scriptd/internal/scheduler"
	"github.com/cryguy/scriptd/internal/storage"
)

// ReloadPath is where the reload endpoint is mounted when enabled.
const ReloadPath = "/_scriptd/reload"

// Options configures a Runtime. Only Config is required.
type Options struct {
	Config *Config
	Log    *zap.Logger

	// Storage replaces the engine named in Config.Storage. The caller keeps
	// ownership and closes it.
	Storage Storage

	Identity       IdentityFunc
	TracerProvider trace.TracerProvider
	Metrics        *metrics.Metrics
}

// Runtime wires the loader, storage, isolate pool, dispatcher and periodic
// scheduler together.
type Runtime struct {
	cfg        *Config
	log        *zap.Logger
	store      Storage
	ownsStore  bool
	pool       *quickjs.Pool
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics

	mu      sync.Mutex
	baseCtx context.Context
	closed  bool
}

// New opens storage, compiles the scripts and builds the first generation.
// A script that fails to compile or register returns a *ConfigurationError.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runtime{cfg: cfg, log: log, metrics: opts.Metrics, baseCtx: context.Background()}

	store := opts.Storage
	if store == nil {
		s, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		store, r.ownsStore = s, true
	}
	if opts.TracerProvider != nil {
		store = storage.WithTracing(store, opts.TracerProvider)
	}
	r.store = store

	pool, err := quickjs.New(loader.New(cfg.Scripts, log), quickjs.Options{
		Engine:  cfg.Engine,
		Storage: store,
		Log:     log,
		Metrics: opts.Metrics,
	})
	if err != nil {
		_ = r.closeStore()
		return nil, err
	}
	r.pool = pool

	r.dispatcher = dispatch.New(pool, dispatch.Options{
		Log:            log,
		Metrics:        opts.Metrics,
		TracerProvider: opts.TracerProvider,
		Identity:       opts.Identity,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Compression:    cfg.Server.Compression,
	})
	r.scheduler = scheduler.New(pool, r.dispatcher, log)
	return r, nil
}

// Start runs the periodic tasks of the live generation until ctx is done
// or the runtime is closed.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
	r.scheduler.Start(ctx)
}

// Dispatch runs req through the matching route.
func (r *Runtime) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	return r.dispatcher.Dispatch(ctx, req)
}

// Reload recompiles the scripts into a new generation. On failure the
// current generation keeps serving and the error is returned.
func (r *Runtime) Reload() error {
	if err := r.pool.Reload(); err != nil {
		return err
	}
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	r.scheduler.Restart(ctx)
	return nil
}

// Handler returns the HTTP front end: script routes at the root plus the
// metrics and reload endpoints when they are enabled.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	if r.cfg.Metrics.Enabled && r.metrics != nil {
		mux.Handle(r.cfg.Metrics.Path, r.metrics.Handler())
	}
	if r.cfg.Server.ReloadEndpoint {
		mux.Handle(ReloadPath, dispatch.ReloadHandler(r.Reload, r.pool.Generation, r.log))
	}
	mux.Handle("/", r.dispatcher)
	return mux
}

// Routes lists the routes of the live generation in registration order.
func (r *Runtime) Routes() []Route {
	return r.pool.Registry().Routes()
}

// Generation returns the live generation number.
func (r *Runtime) Generation() uint64 {
	return r.pool.Generation()
}

// Close stops the scheduler, disposes every isolate and closes storage
// opened by New.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.scheduler.Stop()
	return errors.Join(r.pool.Close(), r.closeStore())
}

func (r *Runtime) closeStore() error {
	if !r.ownsStore {
		return nil
	}
	return r.store.Close()
}

// Check compiles the scripts in cfg into a single throwaway isolate and
// returns its routes. Storage is not opened.
func Check(cfg *Config, log *zap.Logger) ([]Route, error) {
	engine := cfg.Engine
	engine.PoolSize = 1
	pool, err := quickjs.New(loader.New(cfg.Scripts, log), quickjs.Options{Engine: engine, Log: log})
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return pool.Registry().Routes(), nil
}
