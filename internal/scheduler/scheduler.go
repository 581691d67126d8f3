// Package scheduler drives the periodic callbacks scripts register with
// addPeriodicCallback. Each callback gets its own ticker; a run that is still
// in flight when the next tick fires causes that tick to be skipped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/webapi"
)

// Source exposes the periodic callbacks of the live generation.
type Source interface {
	Generation() uint64
	Periodic() []webapi.PeriodicRegistration
}

// Runner runs one periodic callback of generation gen.
type Runner interface {
	RunPeriodic(ctx context.Context, gen uint64, index int) error
}

// Scheduler runs the periodic callbacks of one generation at a time.
type Scheduler struct {
	src Source
	run Runner
	log *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	gen     uint64
	running bool
}

// New creates a stopped Scheduler.
func New(src Source, run Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{src: src, run: run, log: log.Named("scheduler")}
}

// Start launches a ticker per callback of the live generation. Calling
// Start on a running scheduler restarts it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	gen := s.src.Generation()
	tasks := s.src.Periodic()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.gen = gen
	s.running = true

	for i, t := range tasks {
		interval := time.Duration(t.IntervalMs) * time.Millisecond
		if interval < webapi.MinPeriodicInterval*time.Millisecond {
			interval = webapi.MinPeriodicInterval * time.Millisecond
		}
		s.wg.Add(1)
		go s.loop(ctx, gen, i, interval)
	}
	if len(tasks) > 0 {
		s.log.Info("periodic tasks started", zap.Uint64("generation", gen), zap.Int("tasks", len(tasks)))
	}
}

// Restart replaces the running tasks with those of the live generation.
// It is a no-op when the scheduler was never started or the generation
// has not changed.
func (s *Scheduler) Restart(ctx context.Context) {
	s.mu.Lock()
	same := !s.running || s.gen == s.src.Generation()
	s.mu.Unlock()
	if same {
		return
	}
	s.Start(ctx)
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.running = false
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, index int, interval time.Duration) {
	defer s.wg.Done()
	log := s.log.With(zap.Uint64("generation", gen), zap.Int("task", index))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// The ticker drops ticks while RunPeriodic blocks, so runs of one
		// task never overlap.
		start := time.Now()
		err := s.run.RunPeriodic(ctx, gen, index)
		switch {
		case err == nil:
			log.Debug("periodic task ran", zap.Duration("elapsed", time.Since(start)))
		case ctx.Err() != nil:
			return
		case errors.Is(err, core.ErrCapacityExceeded):
			log.Warn("periodic task skipped: no isolate available")
		case errors.Is(err, core.ErrPoolClosed):
			return
		default:
			log.Error("periodic task failed", zap.Error(err))
		}
	}
}
