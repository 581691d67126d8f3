package quickjs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/textcodec"
)

// pollSlice bounds how long the await loop blocks in the event loop before
// it rechecks the caller's context.
const pollSlice = 50 * time.Millisecond

// Invocation is one call into an isolate: a route handler with its request,
// or a periodic callback when Request is nil.
type Invocation struct {
	Handler int
	Kind    core.ResponseKind
	Route   string
	Request *core.Request
}

// requestMeta is the JSON form of a request handed to scripts. The body
// travels separately as an ArrayBuffer.
type requestMeta struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	URI         string            `json:"uri"`
	Query       string            `json:"query"`
	QueryParams map[string]string `json:"queryParams"`
	Headers     map[string]string `json:"headers"`
	Params      map[string]string `json:"params"`
	User        *core.Identity    `json:"user"`
}

// rendered is what __renderResult reports about a fulfilled handler.
type rendered struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Mode    string            `json:"mode"`
}

// rejection is what __describeError reports about a thrown value.
type rejection struct {
	HTTPError bool   `json:"httpError"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Stack     string `json:"stack"`
	Name      string `json:"name"`
}

// cleanupJS drops per-invocation globals before the isolate is reused.
const cleanupJS = `
(function() {
	var names = ['__requestID', '__reqMeta', '__reqBody', '__result', '__tmp_resp_body'];
	for (var i = 0; i < names.length; i++) {
		try { delete globalThis[names[i]]; } catch (e) {}
	}
	globalThis.__timerCallbacks = {};
	globalThis.__pending = {};
	__dbReset();
})();
`

// Invoke runs inv to completion, suspending at database calls, fetches and
// timers until the handler settles or the execution timeout passes. A
// timeout or a Go panic poisons the isolate; the pool replaces it on
// release.
func (iso *Isolate) Invoke(ctx context.Context, inv Invocation) (resp *core.Response, err error) {
	timeout := time.Duration(iso.engine.ExecutionTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	// The watchdog and the deferred teardown agree under mu, so a late
	// watchdog never interrupts the isolate's next invocation.
	var (
		timedOut atomic.Bool
		mu       sync.Mutex
		finished bool
	)
	watchdog := time.AfterFunc(timeout, func() {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		timedOut.Store(true)
		iso.vm.Interrupt()
	})

	reqID := core.NewRequestState(ctx, inv.Route, iso.engine.MaxFetchRequests)
	defer func() {
		watchdog.Stop()
		mu.Lock()
		finished = true
		mu.Unlock()
		if p := recover(); p != nil {
			iso.poisoned = true
			resp = nil
			err = &core.InternalError{Message: fmt.Sprintf("isolate panic: %v", p)}
		}
		if timedOut.Load() {
			iso.poisoned = true
			if err != nil {
				resp, err = nil, core.ErrTimeout
			}
		}
		core.ClearRequestState(reqID)
		if !iso.poisoned {
			if cerr := iso.rt.Eval(cleanupJS); cerr != nil {
				iso.log.Warn("isolate cleanup failed", zap.Error(cerr))
				iso.poisoned = true
			}
		}
		iso.loop.Reset()
	}()

	if err := iso.rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10)); err != nil {
		return nil, &core.InternalError{Message: "setting request id", Err: err}
	}
	if inv.Request != nil {
		if err := iso.setRequest(inv.Request); err != nil {
			return nil, &core.InternalError{Message: "building script request", Err: err}
		}
	}

	if err := iso.rt.Eval(fmt.Sprintf("__invoke(%t, %d)", inv.Request == nil, inv.Handler)); err != nil {
		return nil, &core.InternalError{Message: "invoking handler", Err: err}
	}

	state, err := iso.await(ctx, deadline, &timedOut)
	if err != nil {
		return nil, err
	}

	switch state {
	case "fulfilled":
		if inv.Request == nil {
			return &core.Response{Status: http.StatusOK, Header: http.Header{}}, nil
		}
		return iso.render(inv.Kind)
	case "rejected":
		return nil, iso.rejection()
	}
	return nil, &core.InternalError{Message: "unknown handler state " + strconv.Quote(state)}
}

// await pumps microtasks and the event loop until the handler's promise
// settles. A handler that is still pending with nothing left to wait for
// can never finish and fails at once.
func (iso *Isolate) await(ctx context.Context, deadline time.Time, timedOut *atomic.Bool) (string, error) {
	for {
		iso.rt.RunMicrotasks()
		state, err := iso.rt.EvalString("__resultState()")
		if err != nil {
			return "", &core.InternalError{Message: "reading handler state", Err: err}
		}
		if state != "pending" {
			return state, nil
		}
		if timedOut.Load() || !time.Now().Before(deadline) {
			return "", core.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !iso.loop.HasPending() {
			return "", &core.InternalError{Message: "handler awaits a promise that can never settle"}
		}
		wake := time.Now().Add(pollSlice)
		if deadline.Before(wake) {
			wake = deadline
		}
		iso.loop.RunOnce(iso.rt, wake)
		// A completion delivered during RunOnce may already carry the
		// cancellation; report the caller's context, not the script's view.
		if timedOut.Load() {
			return "", core.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

func (iso *Isolate) setRequest(req *core.Request) error {
	meta := requestMeta{
		Method:      req.Method,
		Path:        req.Path,
		URI:         req.URI,
		Query:       req.RawQuery,
		QueryParams: map[string]string{},
		Headers:     make(map[string]string, len(req.Header)),
		Params:      req.Params,
		User:        req.User,
	}
	if meta.Params == nil {
		meta.Params = map[string]string{}
	}
	if q, err := url.ParseQuery(req.RawQuery); err == nil {
		for k, vs := range q {
			if len(vs) > 0 {
				meta.QueryParams[k] = vs[0]
			}
		}
	}
	for k, vs := range req.Header {
		meta.Headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := iso.rt.SetGlobal("__reqMeta", string(b)); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		return iso.rt.WriteBinaryToJS("__reqBody", req.Body)
	}
	return nil
}

func (iso *Isolate) render(kind core.ResponseKind) (*core.Response, error) {
	out, err := iso.rt.EvalString(fmt.Sprintf("__renderResult(%s)", core.JsEscape(string(kind))))
	if err != nil {
		return nil, &core.InternalError{Message: "rendering handler result", Err: err}
	}
	var r rendered
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, &core.InternalError{Message: "decoding rendered result", Err: err}
	}
	raw, err := iso.rt.ReadBinaryFromJS("__tmp_resp_body")
	if err != nil {
		return nil, &core.InternalError{Message: "reading response body", Err: err}
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return nil, &core.InternalError{Message: fmt.Sprintf("handler returned invalid status %d", status)}
	}

	body := raw
	if r.Mode != "bytes" {
		body = textcodec.Encode(textcodec.BytesToUnits(raw))
	}
	if body == nil {
		body = []byte{}
	}

	header := http.Header{}
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", kind.ContentType())
	}
	return &core.Response{Status: status, Header: header, Body: body}, nil
}

func (iso *Isolate) rejection() error {
	out, err := iso.rt.EvalString("__rejection()")
	if err != nil {
		return &core.InternalError{Message: "describing handler error", Err: err}
	}
	var r rejection
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return &core.InternalError{Message: "decoding handler error", Err: err}
	}
	if r.HTTPError && r.Status >= 100 && r.Status <= 599 {
		return &core.HandlerError{Status: r.Status, Message: r.Message}
	}
	msg := r.Message
	if r.Name != "" {
		msg = r.Name + ": " + msg
	}
	if r.HTTPError {
		msg = fmt.Sprintf("HttpError with invalid status %d: %s", r.Status, r.Message)
	}
	return &core.InternalError{Message: msg, Stack: r.Stack}
}
