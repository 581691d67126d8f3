package quickjs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/loader"
	"github.com/cryguy/scriptd/internal/metrics"
	"github.com/cryguy/scriptd/internal/routing"
	"github.com/cryguy/scriptd/internal/webapi"
)

// Options configures a Pool.
type Options struct {
	Engine  core.EngineConfig
	Storage core.Storage
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// FetchTransport replaces the transport used by script fetch calls.
	FetchTransport http.RoundTripper
}

// generation is one build of the pool: a compiled unit, the route table its
// isolates agreed on and the isolates themselves. Once retired it hands out
// no isolates and disposes the ones returned to it.
type generation struct {
	id       uint64
	unit     *loader.CompiledUnit
	registry *routing.Registry
	periodic []webapi.PeriodicRegistration

	idle    chan *Isolate
	retired chan struct{}

	mu   sync.Mutex
	done bool
	busy int
}

// checkout marks iso busy unless the generation was retired meanwhile.
func (g *generation) checkout(iso *Isolate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.busy++
	iso.setStatus(StatusBusy)
	return true
}

// retire stops the generation and disposes its idle isolates. Busy ones
// are disposed when released.
func (g *generation) retire() {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	close(g.retired)
	var idle []*Isolate
drain:
	for {
		select {
		case iso := <-g.idle:
			idle = append(idle, iso)
		default:
			break drain
		}
	}
	g.mu.Unlock()
	for _, iso := range idle {
		iso.dispose()
	}
}

// Pool is a fixed-size set of isolates. Every isolate of a generation holds
// the same scripts, so any idle isolate can serve any route.
type Pool struct {
	loader  *loader.Loader
	b       *builder
	size    int
	acquire time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	current *generation
	closed  bool
	closing chan struct{}

	reloadMu sync.Mutex
	nextGen  uint64
	wg       sync.WaitGroup

	newIsolate     func(gen uint64, unit *loader.CompiledUnit) (*Isolate, error)
	replaceBackoff time.Duration
}

// maxReplaceBackoff caps the wait between failed replacement attempts.
const maxReplaceBackoff = 10 * time.Second

// New loads the scripts and builds the first generation. A
// ConfigurationError means no generation became live.
func New(ld *loader.Loader, opts Options) (*Pool, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	size := opts.Engine.PoolSize
	if size <= 0 {
		size = 1
	}
	acquire := time.Duration(opts.Engine.AcquireTimeout) * time.Millisecond
	if acquire <= 0 {
		acquire = 5 * time.Second
	}
	fetch := webapi.FetchOptionsFromConfig(opts.Engine)
	fetch.Transport = opts.FetchTransport

	p := &Pool{
		loader:  ld,
		size:    size,
		acquire: acquire,
		log:     log.Named("pool"),
		metrics: opts.Metrics,
		closing: make(chan struct{}),
		b: &builder{
			engine:  opts.Engine,
			storage: opts.Storage,
			fetch:   fetch,
			log:     log.Named("script"),
		},
	}
	p.newIsolate = p.b.newIsolate
	p.replaceBackoff = 100 * time.Millisecond
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// build creates size isolates in parallel and checks they registered
// identical routes and periodic callbacks.
func (p *Pool) build(id uint64, unit *loader.CompiledUnit) (*generation, error) {
	isos := make([]*Isolate, p.size)
	var eg errgroup.Group
	for i := range isos {
		i := i
		eg.Go(func() error {
			iso, err := p.b.newIsolate(id, unit)
			if err != nil {
				return err
			}
			isos[i] = iso
			return nil
		})
	}
	disposeAll := func() {
		for _, iso := range isos {
			if iso != nil {
				iso.dispose()
			}
		}
	}
	if err := eg.Wait(); err != nil {
		disposeAll()
		return nil, err
	}

	ref := isos[0]
	for _, iso := range isos[1:] {
		if !iso.registry.Equal(ref.registry) || !samePeriodic(iso.periodic, ref.periodic) {
			disposeAll()
			return nil, &core.ConfigurationError{
				Phase: "register",
				Err:   fmt.Errorf("isolate %s registered a different route table than isolate %s", iso.ID, ref.ID),
			}
		}
	}

	g := &generation{
		id:       id,
		unit:     unit,
		registry: ref.registry,
		periodic: ref.periodic,
		idle:     make(chan *Isolate, p.size),
		retired:  make(chan struct{}),
	}
	for _, iso := range isos {
		iso.gen = g
		iso.setStatus(StatusIdle)
		g.idle <- iso
	}
	return g, nil
}

func samePeriodic(a, b []webapi.PeriodicRegistration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reload recompiles the scripts and swaps in a new generation. Requests
// already running finish on their old isolates, which are then disposed;
// every later Acquire gets a new one. On error the old generation keeps
// serving.
func (p *Pool) Reload() (err error) {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()
	defer func() { p.metrics.Reloaded(err) }()

	unit, err := p.loader.Load()
	if err != nil {
		return err
	}
	id := p.nextGen + 1
	g, err := p.build(id, unit)
	if err != nil {
		p.log.Error("generation build failed", zap.Uint64("generation", id), zap.Error(err))
		return err
	}
	p.nextGen = id

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		g.retire()
		return core.ErrPoolClosed
	}
	old := p.current
	p.current = g
	p.mu.Unlock()

	if old != nil {
		old.retire()
	}
	p.metrics.SetGeneration(id)
	p.reportGauges()
	p.log.Info("generation live",
		zap.Uint64("generation", id),
		zap.Int("isolates", p.size),
		zap.Int("routes", g.registry.Len()),
		zap.String("hash", unit.Hash[:12]))
	return nil
}

func (p *Pool) live() (*generation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, core.ErrPoolClosed
	}
	return p.current, nil
}

// Acquire returns an idle isolate of the live generation. It waits at most
// the configured acquire timeout and then fails with ErrCapacityExceeded.
func (p *Pool) Acquire(ctx context.Context) (*Isolate, error) {
	timer := time.NewTimer(p.acquire)
	defer timer.Stop()
	for {
		g, err := p.live()
		if err != nil {
			return nil, err
		}
		select {
		case iso := <-g.idle:
			if !g.checkout(iso) {
				iso.dispose()
				continue
			}
			p.reportGauges()
			return iso, nil
		case <-g.retired:
			// A reload swapped generations; wait on the new one.
		case <-timer.C:
			return nil, core.ErrCapacityExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closing:
			return nil, core.ErrPoolClosed
		}
	}
}

// Release returns iso after use. Isolates of a retired generation are
// disposed; poisoned ones are disposed and replaced in the background.
func (p *Pool) Release(iso *Isolate) {
	g := iso.gen
	g.mu.Lock()
	g.busy--
	switch {
	case g.done:
		g.mu.Unlock()
		iso.dispose()
	case iso.poisoned:
		g.mu.Unlock()
		p.log.Warn("replacing isolate", zap.String("isolate", iso.ID), zap.Uint64("generation", g.id))
		iso.dispose()
		p.replace(g)
	default:
		iso.setStatus(StatusIdle)
		g.idle <- iso
		g.mu.Unlock()
	}
	p.reportGauges()
}

// replace builds one isolate for g on a background goroutine. Failed
// attempts are retried with exponential backoff until one succeeds or the
// generation is retired.
func (p *Pool) replace(g *generation) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := p.replaceBackoff
		for {
			iso, err := p.newIsolate(g.id, g.unit)
			if err == nil && !iso.registry.Equal(g.registry) {
				iso.dispose()
				err = fmt.Errorf("replacement isolate registered different routes")
			}
			if err == nil {
				p.install(g, iso)
				return
			}

			p.metrics.ReplaceFailed()
			p.log.Error("isolate replacement failed",
				zap.Uint64("generation", g.id), zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-g.retired:
				return
			case <-p.closing:
				return
			}
			backoff = min(backoff*2, maxReplaceBackoff)
		}
	}()
}

// install hands a replacement isolate to g, or disposes it when g was
// retired while it was being built.
func (p *Pool) install(g *generation, iso *Isolate) {
	iso.gen = g
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		iso.dispose()
		return
	}
	iso.setStatus(StatusIdle)
	p.metrics.Replaced()
	g.idle <- iso
	g.mu.Unlock()
	p.reportGauges()
}

func (p *Pool) reportGauges() {
	if p.metrics == nil {
		return
	}
	idle, busy := p.Stats()
	p.metrics.SetIsolates(idle, busy)
}

// Stats returns the idle and busy isolate counts of the live generation.
func (p *Pool) Stats() (idle, busy int) {
	p.mu.RLock()
	g := p.current
	p.mu.RUnlock()
	if g == nil {
		return 0, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.idle), g.busy
}

// Registry returns the route table of the live generation.
func (p *Pool) Registry() *routing.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.registry
}

// Periodic returns the periodic callbacks of the live generation.
func (p *Pool) Periodic() []webapi.PeriodicRegistration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.periodic
}

// Generation returns the id of the live generation.
func (p *Pool) Generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.id
}

// Size returns the number of isolates per generation.
func (p *Pool) Size() int { return p.size }

// Close retires the live generation and waits for background
// replacements. Isolates still in use are disposed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	g := p.current
	p.mu.Unlock()

	if g != nil {
		g.retire()
	}
	p.wg.Wait()
	return nil
}
