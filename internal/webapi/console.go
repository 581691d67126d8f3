package webapi

import (
	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// ConsoleSetup returns a setup function that sends console output to log
// with source=script. Entries carry the route of the running invocation.
func ConsoleSetup(log *zap.Logger) func(core.JSRuntime, *eventloop.EventLoop) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("source", "script"))
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		return setupConsole(rt, log)
	}
}

func setupConsole(rt core.JSRuntime, log *zap.Logger) error {
	if err := rt.RegisterFunc("__console", func(reqIDStr, level, message string) {
		fields := []zap.Field{zap.String("message", message)}
		if state := core.GetRequestState(core.ParseReqID(reqIDStr)); state != nil {
			fields = append(fields, zap.String("route", state.Route))
		}
		switch level {
		case "error":
			log.Error("console", fields...)
		case "warn":
			log.Warn("console", fields...)
		case "debug":
			log.Debug("console", fields...)
		default:
			log.Info("console", fields...)
		}
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}

const consoleJS = `
(function() {
	function format(v) {
		if (typeof v === 'string') return v;
		if (v instanceof Error) return v.stack || (v.name + ': ' + v.message);
		if (typeof v === 'object' && v !== null) {
			try { return JSON.stringify(v); } catch (_) { return String(v); }
		}
		return String(v);
	}
	function emitter(level) {
		return function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) parts.push(format(arguments[i]));
			__console(String(globalThis.__requestID || ''), level, parts.join(' '));
		};
	}
	var counters = {};
	var con = {
		log: emitter('info'),
		info: emitter('info'),
		warn: emitter('warn'),
		error: emitter('error'),
		debug: emitter('debug'),
		trace: emitter('debug'),
	};
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	con.count = function(label) {
		var l = label === undefined ? 'default' : String(label);
		counters[l] = (counters[l] || 0) + 1;
		con.info(l + ': ' + counters[l]);
	};
	globalThis.console = con;
})();
`
