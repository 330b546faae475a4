package session

// stderrRing buffers recent agent stderr. Both the chunk count and the total
// byte size are bounded so a noisy agent cannot exhaust memory; old chunks
// fall off the front.
type stderrRing struct {
	chunks   []string
	total    int
	maxCount int
	maxBytes int
}

func newStderrRing(maxCount, maxBytes int) *stderrRing {
	return &stderrRing{maxCount: maxCount, maxBytes: maxBytes}
}

func (r *stderrRing) Append(chunk string) {
	if chunk == "" {
		return
	}
	if len(chunk) > r.maxBytes {
		chunk = chunk[len(chunk)-r.maxBytes:]
	}
	r.chunks = append(r.chunks, chunk)
	r.total += len(chunk)
	for (len(r.chunks) > r.maxCount || r.total > r.maxBytes) && len(r.chunks) > 0 {
		r.total -= len(r.chunks[0])
		r.chunks = r.chunks[1:]
	}
}

// Tail returns up to n trailing characters of the buffered stderr.
func (r *stderrRing) Tail(n int) string {
	var buf []byte
	for _, c := range r.chunks {
		buf = append(buf, c...)
	}
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return string(buf)
}
