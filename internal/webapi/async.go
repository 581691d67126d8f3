package webapi

import (
	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// asyncJS keeps the resolvers for promises whose work runs on a Go
// goroutine. The event loop calls __settle with the payload the goroutine
// produced; the id prefix picks the decoder that turns it into a value.
const asyncJS = `
(function() {
	globalThis.__pending = {};
	globalThis.__decoders = {};

	globalThis.__deferred = function(id, decode) {
		return new Promise(function(resolve, reject) {
			__pending[id] = { resolve: resolve, reject: reject, decode: decode };
		});
	};

	globalThis.__settle = function(id, ok, payload) {
		var p = __pending[id];
		if (!p) return;
		delete __pending[id];
		var v;
		try {
			v = p.decode(ok, payload);
		} catch (e) {
			p.reject(e);
			return;
		}
		if (ok) p.resolve(v); else p.reject(v);
	};
})();
`

// SetupAsync installs the promise table the event loop settles into.
func SetupAsync(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(asyncJS)
}
