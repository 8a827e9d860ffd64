package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the last N events in memory. Nothing streams during the
// run; DumpRing renders the buffer when the caller decides the run is worth
// a post-mortem.
type RingTracer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	head     int  // next write position
	full     bool // has wrapped around
	level    Level
}

// NewRingTracer creates a RingTracer with the given capacity.
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = 4096
	}

	return &RingTracer{
		events:   make([]Event, capacity),
		capacity: capacity,
		level:    level,
	}
}

// Emit adds an event to the ring. LevelError buffers at method granularity
// even though it streams nothing.
func (t *RingTracer) Emit(ev *Event) {
	if !capture(t.level).ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}
	if ev.Seq == 0 {
		ev.Seq = NextSeq()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[t.head] = *ev
	t.head = (t.head + 1) % t.capacity

	if t.head == 0 {
		t.full = true
	}
}

// Snapshot returns a copy of the stored events in chronological order.
func (t *RingTracer) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		result := make([]Event, t.head)
		copy(result, t.events[:t.head])
		return result
	}

	result := make([]Event, t.capacity)
	copy(result, t.events[t.head:])
	copy(result[t.capacity-t.head:], t.events[:t.head])
	return result
}

// Dump writes the buffered events to w in the given format.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	for _, ev := range t.Snapshot() {
		if _, err := w.Write(FormatEvent(&ev, format)); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; everything is in memory.
func (t *RingTracer) Flush() error {
	return nil
}

// Close is a no-op.
func (t *RingTracer) Close() error {
	return nil
}

// Level returns the configured tracing level.
func (t *RingTracer) Level() Level {
	return t.level
}

// Enabled reports whether tracing is active.
func (t *RingTracer) Enabled() bool {
	return t.level > LevelOff
}

// DumpRing finds a ring inside t (directly or behind a MultiTracer) and
// writes its contents to w. It reports whether a ring was found, so callers
// know whether anything was dumped.
func DumpRing(t Tracer, w io.Writer, format Format) bool {
	switch rt := t.(type) {
	case *RingTracer:
		_ = rt.Dump(w, format)
		return true
	case *MultiTracer:
		for _, sub := range rt.Tracers() {
			if DumpRing(sub, w, format) {
				return true
			}
		}
	}
	return false
}
