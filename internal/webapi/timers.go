package webapi

import (
	"time"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// timersJS keeps callbacks in __timerCallbacks; Go only schedules ids.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};

	function schedule(fn, delay, rest, repeat) {
		if (typeof fn !== 'function') return 0;
		var ms = Number(delay);
		if (!isFinite(ms) || ms < 0) ms = 0;
		var id = __timerRegister(Math.floor(ms), repeat);
		__timerCallbacks[id] = { fn: fn, args: rest, interval: repeat };
		return id;
	}

	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete __timerCallbacks[id];
	};
	globalThis.sleep = function(ms) {
		return new Promise(function(resolve) { setTimeout(resolve, ms); });
	};
})();
`

// SetupTimers registers the Go-scheduled setTimeout/setInterval family and
// sleep. Timers belong to the current invocation and are dropped by the
// event loop reset after it.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, repeat bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, repeat)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}
