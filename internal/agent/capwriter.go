package agent

import "bytes"

// capWriter buffers output up to a byte cap. Bytes past the cap are
// counted as truncation, never silently dropped without a flag.
type capWriter struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func newCapWriter(capBytes int) *capWriter {
	return &capWriter{cap: capBytes}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.cap <= 0 {
		return w.buf.Write(p)
	}
	room := w.cap - w.buf.Len()
	if room <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		w.truncated = true
		w.buf.Write(p[:room])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *capWriter) String() string   { return w.buf.String() }
func (w *capWriter) Truncated() bool  { return w.truncated }
