package logger

import "sync"

// maxRecent is the number of events kept in memory for Recent().
const maxRecent = 1000

type ring struct {
	mu   sync.Mutex
	buf  []Event
	pos  int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(e Event) {
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return out
}

func (r *ring) reset() {
	r.mu.Lock()
	r.buf = make([]Event, len(r.buf))
	r.pos = 0
	r.full = false
	r.mu.Unlock()
}
