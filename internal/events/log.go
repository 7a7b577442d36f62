package events

import (
	"sync"
	"time"
)

// Entry is one publish recorded by the bus.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives every entry appended to the log, e.g. a persistent audit trail.
type Sink interface {
	Append(e Entry) error
}

// ring keeps the last len(buf) entries, or all of them when unbounded.
type ring struct {
	mu        sync.Mutex
	buf       []Entry
	next      int
	seq       uint64
	unbounded bool
}

func newRing(n int) *ring {
	if n <= 0 {
		return &ring{unbounded: true}
	}
	return &ring{buf: make([]Entry, 0, n)}
}

func (r *ring) add(event string, ts time.Time) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := Entry{Seq: r.seq, Event: event, Timestamp: ts}
	if r.unbounded || len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, e)
		return e
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	return e
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *ring) total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
