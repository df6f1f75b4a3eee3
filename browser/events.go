package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies a page event.
type EventKind string

const (
	EventConsole   EventKind = "console"
	EventException EventKind = "exception"
	EventHTTPError EventKind = "http_error"
)

// Event is an observation from the page forwarded to the caller's logger.
type Event struct {
	Kind   EventKind
	Text   string
	URL    string
	Status int
	Time   time.Time
}

const eventBuffer = 64

// eventSink delivers events without ever blocking the browser's event loop.
// Events that do not fit in the buffer are counted and dropped.
type eventSink struct {
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func newEventSink(size int) *eventSink {
	return &eventSink{ch: make(chan Event, size)}
}

func (s *eventSink) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *eventSink) events() <-chan Event { return s.ch }

// requestTracker counts in-flight requests to decide when the network is idle.
type requestTracker struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	last     time.Time
	now      func() time.Time
}

func newRequestTracker() *requestTracker {
	return &requestTracker{inflight: make(map[string]struct{}), now: time.Now, last: time.Now()}
}

func (t *requestTracker) started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.last = t.now()
}

func (t *requestTracker) finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; ok {
		delete(t.inflight, id)
		t.last = t.now()
	}
}

// idleFor reports whether nothing has been in flight for at least d.
func (t *requestTracker) idleFor(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.last) >= d
}

// wait blocks until the network has been idle for d. The quiet period is measured
// from the last request activity, so repeated short waits see the same history.
func (t *requestTracker) wait(ctx context.Context, d time.Duration) error {
	step := d / 4
	if step < 10*time.Millisecond {
		step = 10 * time.Millisecond
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for !t.idleFor(d) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
