package webapi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
	"github.com/cryguy/scriptd/internal/routing"
)

// MinPeriodicInterval is the shortest interval addPeriodicCallback accepts.
// Shorter intervals are raised to it.
const MinPeriodicInterval = 100

// PeriodicRegistration is one addPeriodicCallback call.
type PeriodicRegistration struct {
	IntervalMs int
	Handler    int
}

// Registrations collects what an isolate's scripts register while they
// load. It only accepts registrations until Close.
type Registrations struct {
	mu       sync.Mutex
	open     bool
	routes   []routing.Registration
	periodic []PeriodicRegistration
	errs     []error
}

// NewRegistrations returns an open collector.
func NewRegistrations() *Registrations {
	return &Registrations{open: true}
}

func (r *Registrations) addRoute(reg routing.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return fmt.Errorf("addRoute: routes can only be registered while scripts load")
	}
	candidate := append(append([]routing.Registration(nil), r.routes...), reg)
	if _, err := routing.Build(candidate); err != nil {
		r.errs = append(r.errs, err)
		return err
	}
	r.routes = candidate
	return nil
}

func (r *Registrations) addPeriodic(p PeriodicRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return fmt.Errorf("addPeriodicCallback: callbacks can only be registered while scripts load")
	}
	if p.IntervalMs < MinPeriodicInterval {
		p.IntervalMs = MinPeriodicInterval
	}
	r.periodic = append(r.periodic, p)
	return nil
}

// Err returns the registration failures recorded so far.
func (r *Registrations) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// Close stops accepting registrations and builds the route table. Any
// registration that failed during load fails Close, even when the script
// caught the thrown error.
func (r *Registrations) Close() (*routing.Registry, []PeriodicRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	if len(r.errs) > 0 {
		return nil, nil, errors.Join(r.errs...)
	}
	reg, err := routing.Build(r.routes)
	if err != nil {
		return nil, nil, err
	}
	return reg, append([]PeriodicRegistration(nil), r.periodic...), nil
}

// routesJS holds the registration API and the request/response glue the
// executor drives through __invoke, __resultState and __renderResult.
const routesJS = `
(function() {
	var handlers = [];
	var periodic = [];

	function tag(kind) {
		return function(fn) {
			if (typeof fn !== 'function') throw new TypeError(kind + 'Handler: expected a function');
			var w = function(req) { return fn.call(this, req); };
			w.__responseKind = kind;
			return w;
		};
	}
	globalThis.textHandler = tag('text');
	globalThis.jsonHandler = tag('json');
	globalThis.htmlHandler = tag('html');

	globalThis.addRoute = function(method, path, handler, kind) {
		if (typeof handler !== 'function') throw new TypeError('addRoute: handler must be a function');
		var k = kind === undefined ? (handler.__responseKind || 'text') : String(kind);
		__registerRoute(String(method), String(path), k, handlers.length);
		handlers.push(handler);
	};

	globalThis.addPeriodicCallback = function(intervalMs, fn) {
		if (typeof fn !== 'function') throw new TypeError('addPeriodicCallback: callback must be a function');
		__registerPeriodic(Math.floor(Number(intervalMs) || 0), periodic.length);
		periodic.push(fn);
	};

	globalThis.response = function(body, init) {
		var o = init || {};
		return { __isScriptResponse: true, body: body, status: o.status, headers: o.headers || {} };
	};

	function makeRequest(meta, buf) {
		var body = buf ? new Uint8Array(buf) : new Uint8Array(0);
		return {
			method: meta.method,
			path: meta.path,
			uri: meta.uri,
			query: meta.query,
			queryParams: meta.queryParams,
			headers: meta.headers,
			params: meta.params,
			user: meta.user,
			body: body,
			text: function() { return new TextDecoder().decode(body); },
			json: function() { return JSON.parse(new TextDecoder().decode(body)); },
		};
	}

	globalThis.__invoke = function(isPeriodic, idx) {
		var fn = isPeriodic ? periodic[idx] : handlers[idx];
		var arg;
		if (!isPeriodic) {
			arg = makeRequest(JSON.parse(globalThis.__reqMeta), globalThis.__reqBody);
		}
		delete globalThis.__reqMeta;
		delete globalThis.__reqBody;
		globalThis.__result = { state: 'pending' };
		if (typeof fn !== 'function') {
			__result = { state: 'rejected', error: new Error('no handler at index ' + idx) };
			return;
		}
		new Promise(function(resolve) { resolve(fn(arg)); }).then(
			function(v) { __result = { state: 'fulfilled', value: v }; },
			function(e) { __result = { state: 'rejected', error: e }; });
	};

	globalThis.__resultState = function() {
		return globalThis.__result ? __result.state : 'pending';
	};

	function render(v, kind) {
		if (kind === 'json') {
			var s = JSON.stringify(v);
			return s === undefined ? 'null' : s;
		}
		return v === null || v === undefined ? '' : String(v);
	}

	globalThis.__renderResult = function(kind) {
		var v = __result.value;
		var out = { status: 0, headers: {}, mode: 'units' };
		if (v && typeof v === 'object' && v.__isScriptResponse) {
			if (v.status !== undefined) out.status = Number(v.status);
			for (var k in v.headers) {
				if (Object.prototype.hasOwnProperty.call(v.headers, k)) out.headers[k] = String(v.headers[k]);
			}
			v = v.body;
			if (v instanceof ArrayBuffer || ArrayBuffer.isView(v)) {
				out.mode = 'bytes';
				globalThis.__tmp_resp_body = __toBytes(v).slice().buffer;
				return JSON.stringify(out);
			}
		}
		globalThis.__tmp_resp_body = __unitsToBytes(render(v, kind));
		return JSON.stringify(out);
	};

	globalThis.__rejection = function() {
		return __describeError(__result.error);
	};
})();
`

// RoutesSetup returns a setup function that installs addRoute,
// addPeriodicCallback and the handler helpers, recording into regs.
func RoutesSetup(regs *Registrations) func(core.JSRuntime, *eventloop.EventLoop) error {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__registerRoute", func(method, pattern, kind string, idx int) (int, error) {
			if err := regs.addRoute(routing.Registration{
				Method:  method,
				Pattern: pattern,
				Kind:    kind,
				Handler: idx,
			}); err != nil {
				return 0, err
			}
			return idx, nil
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__registerPeriodic", func(intervalMs, idx int) (int, error) {
			if err := regs.addPeriodic(PeriodicRegistration{IntervalMs: intervalMs, Handler: idx}); err != nil {
				return 0, err
			}
			return idx, nil
		}); err != nil {
			return err
		}
		return rt.Eval(routesJS)
	}
}
