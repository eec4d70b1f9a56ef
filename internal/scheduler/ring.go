package scheduler

const defaultLogSize = 100

// ring keeps the most recent run logs. Not safe for concurrent use.
type ring struct {
	entries []RunLog
	next    int
	full    bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = defaultLogSize
	}
	return &ring{entries: make([]RunLog, size)}
}

func (r *ring) push(e RunLog) {
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// snapshot returns a copy, newest first
func (r *ring) snapshot() []RunLog {
	n := r.len()
	out := make([]RunLog, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
