// Package dispatch maps HTTP requests onto script routes. It matches the
// live route table, runs the handler in a pooled isolate and turns the
// outcome into a response: handler errors verbatim, everything else as a
// fixed status with a generic body.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/metrics"
	"github.com/cryguy/scriptd/internal/quickjs"
)

// minCompressBytes is the smallest body worth compressing.
const minCompressBytes = 256

// Outcome labels used in logs and metrics.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeHandlerError = "handler_error"
	OutcomeInternal     = "internal_error"
	OutcomeCapacity     = "capacity"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
	OutcomeTooLarge     = "too_large"
)

// Options configures a Dispatcher.
type Options struct {
	Log            *zap.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	Identity       core.IdentityFunc
	MaxBodyBytes   int64
	Compression    bool
}

// Dispatcher serves HTTP requests from a pool.
type Dispatcher struct {
	pool     *quickjs.Pool
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	identity core.IdentityFunc
	maxBody  int64
	compress bool
}

// New creates a Dispatcher over pool.
func New(pool *quickjs.Pool, opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Dispatcher{
		pool:     pool,
		log:      log.Named("dispatch"),
		metrics:  opts.Metrics,
		tracer:   tp.Tracer("github.com/cryguy/scriptd/internal/dispatch"),
		identity: opts.Identity,
		maxBody:  opts.MaxBodyBytes,
		compress: opts.Compression,
	}
}

// Dispatch runs req through its route and returns the handler's response.
// Errors are ErrNoRoute, ErrCapacityExceeded, ErrTimeout, ErrPoolClosed,
// *HandlerError, *InternalError or the context's error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *core.Request) (*core.Response, error) {
	_, resp, err := d.dispatch(ctx, req)
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *core.Request) (string, *core.Response, error) {
	// Match first so unknown paths never wait for an isolate.
	if _, _, ok := d.pool.Registry().Match(req.Method, req.Path); !ok {
		return "", nil, core.ErrNoRoute
	}

	iso, err := d.pool.Acquire(ctx)
	if err != nil {
		return "", nil, err
	}
	defer d.pool.Release(iso)

	// A reload may have swapped the table since the first match.
	route, params, ok := iso.Registry().Match(req.Method, req.Path)
	if !ok {
		return "", nil, core.ErrNoRoute
	}
	req.Params = params
	label := route.Method + " " + route.Pattern.String()

	resp, err := iso.Invoke(ctx, quickjs.Invocation{
		Handler: route.Handler,
		Kind:    route.Kind,
		Route:   label,
		Request: req,
	})
	return label, resp, err
}

// RunPeriodic invokes the periodic callback at index in an isolate of the
// live generation. It is skipped when that generation is not gen.
func (d *Dispatcher) RunPeriodic(ctx context.Context, gen uint64, index int) error {
	iso, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Release(iso)
	if iso.Generation != gen || index >= len(iso.Periodic()) {
		return nil
	}
	_, err = iso.Invoke(ctx, quickjs.Invocation{
		Handler: iso.Periodic()[index].Handler,
		Route:   "periodic#" + strconv.Itoa(index),
	})
	return err
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := d.tracer.Start(r.Context(), "dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
	defer span.End()

	label, outcome := "unmatched", OutcomeOK
	defer func() {
		d.metrics.Dispatched(label, outcome, time.Since(start))
	}()

	body, err := d.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			outcome = OutcomeTooLarge
			writeText(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			outcome = OutcomeCanceled
			writeText(w, http.StatusBadRequest, "reading request body failed")
		}
		span.SetAttributes(attribute.String("dispatch.outcome", outcome))
		return
	}

	req := &core.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		URI:      r.URL.RequestURI(),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}
	if d.identity != nil {
		req.User = d.identity(r)
	}

	matched, resp, err := d.dispatch(ctx, req)
	if matched != "" {
		label = matched
		span.SetAttributes(attribute.String("http.route", matched))
	}

	var status int
	if err != nil {
		outcome, status = d.writeFailure(w, r, label, err)
	} else {
		status = resp.Status
		d.writeResponse(w, r, resp)
	}

	span.SetAttributes(
		attribute.String("dispatch.outcome", outcome),
		attribute.Int("http.status_code", status),
	)
	if status >= 500 {
		span.SetStatus(codes.Error, outcome)
	}
}

func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	src := io.Reader(r.Body)
	if d.maxBody > 0 {
		src = http.MaxBytesReader(w, r.Body, d.maxBody)
	}
	return io.ReadAll(src)
}

// writeFailure maps a dispatch error to its response and returns the
// outcome label and status written.
func (d *Dispatcher) writeFailure(w http.ResponseWriter, r *http.Request, route string, err error) (string, int) {
	var (
		he *core.HandlerError
		ie *core.InternalError
	)
	log := d.log.With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("route", route),
	)

	switch {
	case errors.Is(err, core.ErrNoRoute):
		writeText(w, http.StatusNotFound, "not found")
		return OutcomeNotFound, http.StatusNotFound

	case errors.As(err, &he):
		writeText(w, he.Status, he.Message)
		return OutcomeHandlerError, he.Status

	case errors.Is(err, core.ErrCapacityExceeded), errors.Is(err, core.ErrPoolClosed):
		log.Warn("no isolate available", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeText(w, http.StatusServiceUnavailable, "service unavailable")
		return OutcomeCapacity, http.StatusServiceUnavailable

	case errors.Is(err, core.ErrTimeout):
		log.Error("handler timed out; isolate replaced")
		writeText(w, http.StatusGatewayTimeout, "gateway timeout")
		return OutcomeTimeout, http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug("request abandoned", zap.Error(err))
		writeText(w, http.StatusServiceUnavailable, "request canceled")
		return OutcomeCanceled, http.StatusServiceUnavailable

	case errors.As(err, &ie):
		log.Error("script error", zap.String("error", ie.Message), zap.String("stack", ie.Stack), zap.NamedError("cause", ie.Err))
	default:
		log.Error("dispatch failed", zap.Error(err))
	}
	writeText(w, http.StatusInternalServerError, "internal server error")
	return OutcomeInternal, http.StatusInternalServerError
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, r *http.Request, resp *core.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	if d.compress && len(resp.Body) >= minCompressBytes && h.Get("Content-Encoding") == "" {
		h.Del("Content-Length")
		cw := brotli.HTTPCompressor(w, r)
		w.WriteHeader(resp.Status)
		if _, err := cw.Write(resp.Body); err != nil {
			d.log.Debug("writing response", zap.Error(err))
		}
		if err := cw.Close(); err != nil {
			d.log.Debug("closing compressor", zap.Error(err))
		}
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// ReloadHandler serves the reload endpoint. Only POST is accepted; a failed
// reload answers 500 with the configuration error.
func ReloadHandler(reload func() error, generation func() uint64, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeText(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := reload(); err != nil {
			log.Error("reload failed", zap.Error(err))
			writeText(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeText(w, http.StatusOK, fmt.Sprintf("reloaded: generation %d\n", generation()))
	})
}
