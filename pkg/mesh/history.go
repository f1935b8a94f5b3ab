package mesh

import "sync"

// ring retains the last N events for inspection. Full history for
// audit-flagged events lives in the audit log.
type ring struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// recent returns up to n matching events in publication order, newest last.
func (r *ring) recent(n int, filter func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}

	ordered := make([]Event, 0, r.count)
	start := r.next - r.count
	for i := 0; i < r.count; i++ {
		idx := (start + i + len(r.buf)) % len(r.buf)
		ev := r.buf[idx]
		if filter == nil || filter(ev) {
			ordered = append(ordered, ev)
		}
	}
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
