package idea

import "bytes"

// reportBufferSize holds several report lines; a single report is under 16 bytes
const reportBufferSize = 512

// reportBuffer is a bounded append/consume queue of bytes read from the
// controller.  len(buf) never exceeds cap(buf).
type reportBuffer struct {
	buf []byte
}

func newReportBuffer(capacity int) *reportBuffer {
	return &reportBuffer{buf: make([]byte, 0, capacity)}
}

// Len returns the number of bytes held
func (b *reportBuffer) Len() int {
	return len(b.buf)
}

// Full returns true if no more bytes can be appended
func (b *reportBuffer) Full() bool {
	return len(b.buf) == cap(b.buf)
}

// Append copies as much of p as fits and returns the number of bytes taken
func (b *reportBuffer) Append(p []byte) int {
	n := cap(b.buf) - len(b.buf)
	if n > len(p) {
		n = len(p)
	}
	b.buf = append(b.buf, p[:n]...)
	return n
}

// NextLine removes and returns the oldest complete line, terminator included.
// ok is false if no terminator is held.
func (b *reportBuffer) NextLine(term byte) (line []byte, ok bool) {
	idx := bytes.IndexByte(b.buf, term)
	if idx < 0 {
		return nil, false
	}
	line = make([]byte, idx+1)
	copy(line, b.buf[:idx+1])
	rest := copy(b.buf, b.buf[idx+1:])
	b.buf = b.buf[:rest]
	return line, true
}

// Reset discards everything held
func (b *reportBuffer) Reset() {
	b.buf = b.buf[:0]
}
