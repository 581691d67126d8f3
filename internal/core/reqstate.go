package core

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
)

// RequestState holds per-request mutable state: the request context, the
// fetch budget and in-flight fetch cancellations. The isolate sets it before
// calling into JS and clears it after.
type RequestState struct {
	Ctx        context.Context
	cancel     context.CancelFunc
	Route      string
	FetchCount int
	MaxFetches int

	mu           sync.Mutex
	fetchCancels map[string]context.CancelFunc
	nextFetchID  int64
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState creates a request state bound to a child of ctx and
// returns its unique ID.
func NewRequestState(ctx context.Context, route string, maxFetches int) uint64 {
	id := requestCounter.Add(1)
	cctx, cancel := context.WithCancel(ctx)
	requestStates.Store(id, &RequestState{
		Ctx:        cctx,
		cancel:     cancel,
		Route:      route,
		MaxFetches: maxFetches,
	})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID, cancels
// in-flight fetches and cancels its context. Storage calls
// still running observe the cancelled context.
func ClearRequestState(id uint64) *RequestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	state := v.(*RequestState)

	state.mu.Lock()
	cancels := state.fetchCancels
	state.fetchCancels = nil
	state.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	state.cancel()
	return state
}

// RegisterFetchCancel stores a cancel function for an in-flight fetch and
// returns its fetch ID.
func RegisterFetchCancel(reqID uint64, cancel context.CancelFunc) string {
	state := GetRequestState(reqID)
	if state == nil {
		return ""
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.nextFetchID++
	id := strconv.FormatInt(state.nextFetchID, 10)
	if state.fetchCancels == nil {
		state.fetchCancels = make(map[string]context.CancelFunc)
	}
	state.fetchCancels[id] = cancel
	return id
}

// RemoveFetchCancel removes and returns the cancel function for a fetch.
func RemoveFetchCancel(reqID uint64, fetchID string) context.CancelFunc {
	state := GetRequestState(reqID)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	cancel := state.fetchCancels[fetchID]
	delete(state.fetchCancels, fetchID)
	return cancel
}

// ParseReqID parses a request ID string to uint64. Unknown input yields 0.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// JsEscape quotes a string for embedding in JavaScript source. JSON string
// syntax is a subset of JS string syntax.
func JsEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
