package execution

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const maxLineBytes = 64 << 10

// lineWriter splits a byte stream into lines for onLine and keeps a tail of
// everything written. Overlong lines are emitted in maxLineBytes pieces.
type lineWriter struct {
	onLine  func(string)
	pending []byte
	tail    *tailBuffer
}

func newLineWriter(onLine func(string), tailBytes int) *lineWriter {
	return &lineWriter{onLine: onLine, tail: newTailBuffer(tailBytes)}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	_, _ = w.tail.Write(p)
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		switch {
		case i >= 0 && i <= maxLineBytes:
			w.emit(w.pending[:i])
			w.pending = w.pending[i+1:]
		case len(w.pending) >= maxLineBytes:
			w.emit(w.pending[:maxLineBytes])
			w.pending = w.pending[maxLineBytes:]
		default:
			if len(w.pending) == 0 {
				w.pending = nil
			}
			return len(p), nil
		}
	}
}

// Flush emits a final unterminated line.
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.onLine != nil {
		w.onLine(strings.TrimRight(string(line), "\r"))
	}
}

// tailBuffer retains the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultTailBytes
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > 2*t.limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.limit:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if len(t.buf) > t.limit {
		return string(t.buf[len(t.buf)-t.limit:])
	}
	return string(t.buf)
}

// lastBytes returns at most n trailing bytes of s without splitting a rune.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
