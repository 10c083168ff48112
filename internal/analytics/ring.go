package analytics

// sampleRing keeps the most recent cap samples, overwriting the oldest.
type sampleRing struct {
	buf  []float64
	next int
	full bool
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]float64, 0, capacity)}
}

func (r *sampleRing) add(v float64) {
	if !r.full {
		r.buf = append(r.buf, v)
		if len(r.buf) == cap(r.buf) {
			r.full = true
		}
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *sampleRing) len() int {
	return len(r.buf)
}

// snapshot returns a copy in insertion order.
func (r *sampleRing) snapshot() []float64 {
	out := make([]float64, 0, len(r.buf))
	if !r.full {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
