package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/scriptd/internal/core"
)

// Completion is the pre-serialized outcome of an asynchronous operation
// (a database call or a fetch). The goroutine doing the work builds the
// payload so the event loop only passes strings to JS.
type Completion struct {
	ID      string
	OK      bool
	Payload string
	// DB marks a database call; delivering it frees the isolate's database
	// slot.
	DB bool
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop drives one isolate's asynchronous work: Go-backed timers and
// the completion queue for calls running on other goroutines. Completions
// are delivered to JS in the order they finished. All methods except
// Complete must be called on the isolate's goroutine.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int

	epoch   uint64
	pending int
	queue   []Completion
	notify  chan struct{}
	dbBusy  bool
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		notify: make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// AcquireDBSlot claims the isolate's single database slot. It reports false
// when a database call is already in flight.
func (el *EventLoop) AcquireDBSlot() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.dbBusy {
		return false
	}
	el.dbBusy = true
	return true
}

// DBBusy reports whether a database call is in flight.
func (el *EventLoop) DBBusy() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.dbBusy
}

// BeginAsync records an operation that will finish on another goroutine
// and returns the epoch to hand to Complete.
func (el *EventLoop) BeginAsync() uint64 {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pending++
	return el.epoch
}

// Complete queues c for delivery. It is safe to call from any goroutine.
// Completions from an epoch that ended with Reset are dropped.
func (el *EventLoop) Complete(epoch uint64, c Completion) {
	el.mu.Lock()
	if epoch != el.epoch {
		el.mu.Unlock()
		return
	}
	el.queue = append(el.queue, c)
	el.mu.Unlock()

	select {
	case el.notify <- struct{}{}:
	default:
	}
}

// deliverQueued hands every queued completion to JS in arrival order.
func (el *EventLoop) deliverQueued(rt core.JSRuntime) bool {
	el.mu.Lock()
	q := el.queue
	el.queue = nil
	el.mu.Unlock()

	for _, c := range q {
		el.mu.Lock()
		el.pending--
		if c.DB {
			el.dbBusy = false
		}
		el.mu.Unlock()

		js := fmt.Sprintf("globalThis.__settle(%s, %t, %s)",
			core.JsEscape(c.ID), c.OK, core.JsEscape(c.Payload))
		_ = rt.Eval(js)
		rt.RunMicrotasks()
	}
	return len(q) > 0
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

func (el *EventLoop) nextTimer() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// RunOnce delivers queued completions or fires the next due timer, waiting
// for one of them until deadline. It reports whether any JS ran.
func (el *EventLoop) RunOnce(rt core.JSRuntime, deadline time.Time) bool {
	if el.deliverQueued(rt) {
		return true
	}

	el.mu.Lock()
	next := el.nextTimer()
	waiting := el.pending > 0
	el.mu.Unlock()

	if next == nil && !waiting {
		return false
	}

	wake := deadline
	if next != nil && next.deadline.Before(wake) {
		wake = next.deadline
	}
	if d := time.Until(wake); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-el.notify:
			t.Stop()
			return el.deliverQueued(rt)
		case <-t.C:
		}
	}

	if el.deliverQueued(rt) {
		return true
	}
	if next == nil || time.Now().Before(next.deadline) {
		return false
	}

	el.mu.Lock()
	if next.cleared {
		el.mu.Unlock()
		return false
	}
	timerID := next.id
	if next.interval > 0 {
		next.deadline = time.Now().Add(next.interval)
	} else {
		delete(el.timers, next.id)
	}
	el.mu.Unlock()

	el.fireTimer(rt, timerID)
	rt.RunMicrotasks()
	return true
}

// Drain runs the loop until nothing is pending or the deadline passes.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) {
	for el.HasPending() && time.Now().Before(deadline) {
		el.RunOnce(rt, deadline)
	}
}

// HasPending returns true if there are active timers or unfinished async
// operations.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || el.pending > 0 || len(el.queue) > 0
}

// Reset clears all timers, drops undelivered completions and frees the
// database slot. Operations begun before Reset can no longer deliver.
// Called when an isolate is returned to the pool.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.epoch++
	el.pending = 0
	el.queue = nil
	el.dbBusy = false
	select {
	case <-el.notify:
	default:
	}
}
