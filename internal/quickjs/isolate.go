package quickjs

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
	"github.com/cryguy/scriptd/internal/loader"
	"github.com/cryguy/scriptd/internal/routing"
	"github.com/cryguy/scriptd/internal/webapi"
)

// Status is the lifecycle state of an isolate.
type Status int32

const (
	StatusIdle Status = iota
	StatusBusy
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusDisposed:
		return "disposed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// setupFunc installs one group of builtins into a fresh VM.
type setupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Isolate is one QuickJS VM holding its own copy of every compiled script.
// It is used by one goroutine at a time; the pool hands it out exclusively.
type Isolate struct {
	ID         string
	Generation uint64

	vm       *quickjs.VM
	rt       *jsRuntime
	loop     *eventloop.EventLoop
	registry *routing.Registry
	periodic []webapi.PeriodicRegistration

	engine core.EngineConfig
	log    *zap.Logger
	gen    *generation

	status   atomic.Int32
	poisoned bool
}

// builder creates isolates that share one set of builtin options.
type builder struct {
	engine  core.EngineConfig
	storage core.Storage
	fetch   webapi.FetchOptions
	log     *zap.Logger
}

func (b *builder) setupFuncs(regs *webapi.Registrations) []setupFunc {
	return []setupFunc{
		webapi.SetupEncoding,
		webapi.SetupAsync,
		webapi.SetupErrors,
		webapi.SetupTimers,
		webapi.ConsoleSetup(b.log),
		webapi.FetchSetup(b.fetch),
		webapi.DatabaseSetup(b.storage),
		webapi.RoutesSetup(regs),
	}
}

// newIsolate creates a VM, installs the builtins and evaluates every file
// of unit in order. Any failure is a ConfigurationError.
func (b *builder) newIsolate(gen uint64, unit *loader.CompiledUnit) (*Isolate, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if b.engine.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(b.engine.MemoryLimitMB) * 1024 * 1024)
	}

	rt, err := newRuntime(vm)
	if err != nil {
		vm.Close()
		return nil, err
	}

	iso := &Isolate{
		ID:         uuid.NewString(),
		Generation: gen,
		vm:         vm,
		rt:         rt,
		loop:       eventloop.New(),
		engine:     b.engine,
	}
	iso.log = b.log.With(zap.String("isolate", iso.ID[:8]), zap.Uint64("generation", gen))

	regs := webapi.NewRegistrations()
	for _, setup := range b.setupFuncs(regs) {
		if err := setup(rt, iso.loop); err != nil {
			vm.Close()
			return nil, fmt.Errorf("installing builtins: %w", err)
		}
	}

	for _, f := range unit.Files {
		evalErr := rt.Eval(f.Source)
		if evalErr == nil {
			rt.RunMicrotasks()
		}
		// A rejected registration also surfaces as an uncaught TypeError;
		// report the registration error rather than the script's throw.
		if err := regs.Err(); err != nil {
			vm.Close()
			return nil, &core.ConfigurationError{Phase: "register", File: f.Name, Err: err}
		}
		if evalErr != nil {
			vm.Close()
			return nil, &core.ConfigurationError{Phase: "compile", File: f.Name, Err: evalErr}
		}
	}

	registry, periodic, err := regs.Close()
	if err != nil {
		vm.Close()
		return nil, &core.ConfigurationError{Phase: "register", Err: err}
	}
	iso.registry = registry
	iso.periodic = periodic
	// Timers started at load time never fire.
	iso.loop.Reset()
	return iso, nil
}

// Registry returns the route table this isolate's scripts registered.
func (iso *Isolate) Registry() *routing.Registry { return iso.registry }

// Periodic returns the periodic callbacks this isolate's scripts registered.
func (iso *Isolate) Periodic() []webapi.PeriodicRegistration { return iso.periodic }

// Status returns the current lifecycle state.
func (iso *Isolate) Status() Status { return Status(iso.status.Load()) }

// Poisoned reports whether the isolate must not serve again.
func (iso *Isolate) Poisoned() bool { return iso.poisoned }

func (iso *Isolate) setStatus(s Status) { iso.status.Store(int32(s)) }

// dispose closes the VM. It must not run while the isolate is executing.
func (iso *Isolate) dispose() {
	if Status(iso.status.Swap(int32(StatusDisposed))) == StatusDisposed {
		return
	}
	iso.loop.Reset()
	iso.vm.Close()
}
