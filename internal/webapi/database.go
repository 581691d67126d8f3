package webapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// databaseJS exposes query and execute. Calls from one isolate are chained
// so that at most one is in flight; __dbReset drops the chain between
// invocations.
const databaseJS = `
(function() {
	var chain = Promise.resolve();
	function noop() {}

	function encodeParam(v, i) {
		if (v === null || v === undefined) return { t: 'null' };
		switch (typeof v) {
		case 'string':
			return { t: 'text', v: v };
		case 'boolean':
			return { t: 'integer', v: v ? '1' : '0' };
		case 'bigint':
			return { t: 'integer', v: v.toString() };
		case 'number':
			if (!isFinite(v)) throw new TypeError('parameter ' + i + ': non-finite number');
			if (Number.isSafeInteger(v)) return { t: 'integer', v: String(v) };
			return { t: 'real', v: v };
		}
		if (v instanceof ArrayBuffer || ArrayBuffer.isView(v)) return { t: 'blob', v: __bytesToB64(v) };
		throw new TypeError('parameter ' + i + ': unsupported type ' + Object.prototype.toString.call(v));
	}

	function decodeValue(w) {
		switch (w.t) {
		case 'null': return null;
		case 'integer':
			var n = Number(w.v);
			return Number.isSafeInteger(n) ? n : BigInt(w.v);
		case 'real': return w.v;
		case 'text': return w.v;
		case 'blob': return __b64ToBytes(w.v);
		}
		throw new TypeError('unknown value type ' + w.t);
	}

	function decodeResult(ok, payload) {
		var r = JSON.parse(payload);
		if (!ok) return new StorageError(r.kind, r.message);
		if (r.rows !== undefined) {
			return (r.rows || []).map(function(row) { return row.map(decodeValue); });
		}
		return r.changes;
	}

	function call(op, sql, params) {
		var encoded;
		try {
			if (typeof sql !== 'string') throw new TypeError(op + ': sql must be a string');
			if (params !== undefined && !Array.isArray(params)) throw new TypeError(op + ': params must be an array');
			encoded = JSON.stringify((params || []).map(encodeParam));
		} catch (e) {
			return Promise.reject(e);
		}
		var reqID = String(globalThis.__requestID || '');
		var p = chain.then(function() {
			return __deferred(__dbStart(reqID, op, sql, encoded), decodeResult);
		});
		chain = p.then(noop, noop);
		return p;
	}

	globalThis.query = function(sql, params) { return call('query', sql, params); };
	globalThis.execute = function(sql, params) { return call('execute', sql, params); };
	globalThis.db = Object.freeze({ query: globalThis.query, execute: globalThis.execute });

	globalThis.__dbReset = function() { chain = Promise.resolve(); };
})();
`

type dbFailure struct {
	Kind    core.StorageErrorKind `json:"kind"`
	Message string                `json:"message"`
}

type dbRows struct {
	Rows []core.Row `json:"rows"`
}

type dbChanges struct {
	Changes int64 `json:"changes"`
}

var dbSeq atomic.Uint64

// DatabaseSetup returns a setup function that bridges query and execute to
// store. The call runs on its own goroutine under the request context; the
// handler resumes when the event loop delivers the result.
func DatabaseSetup(store core.Storage) func(core.JSRuntime, *eventloop.EventLoop) error {
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__dbStart", func(reqIDStr, op, sql, paramsJSON string) (string, error) {
			if store == nil {
				return "", fmt.Errorf("%s: no storage is configured", op)
			}
			if op != "query" && op != "execute" {
				return "", fmt.Errorf("unknown database operation %q", op)
			}
			state := core.GetRequestState(core.ParseReqID(reqIDStr))
			if state == nil {
				return "", fmt.Errorf("%s: the database is only available while handling a request", op)
			}
			var params []core.Value
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				return "", fmt.Errorf("%s: parameters: %w", op, err)
			}
			if !el.AcquireDBSlot() {
				return "", fmt.Errorf("%s: another database call is pending", op)
			}

			id := fmt.Sprintf("d-%d", dbSeq.Add(1))
			epoch := el.BeginAsync()
			ctx := state.Ctx
			go func() {
				var (
					out any
					err error
				)
				if op == "query" {
					var rows []core.Row
					rows, err = store.Query(ctx, sql, params)
					out = dbRows{Rows: rows}
				} else {
					var n int64
					n, err = store.Execute(ctx, sql, params)
					out = dbChanges{Changes: n}
				}
				if err != nil {
					out = dbFailure{Kind: core.StorageKindOf(err), Message: storageMessage(err)}
				}
				payload, merr := json.Marshal(out)
				if merr != nil {
					err = merr
					payload, _ = json.Marshal(dbFailure{Kind: core.StorageIO, Message: merr.Error()})
				}
				el.Complete(epoch, eventloop.Completion{ID: id, OK: err == nil, Payload: string(payload), DB: true})
			}()
			return id, nil
		}); err != nil {
			return err
		}
		return rt.Eval(databaseJS)
	}
}

// storageMessage returns the engine's message without the kind prefix.
func storageMessage(err error) string {
	var se *core.StorageError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
