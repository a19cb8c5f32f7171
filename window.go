package espboot

import "time"

// WindowSize is the capacity of the receive buffer.
const WindowSize = 1024

// Window is the receive buffer shared between the Receiver and an Analyzer.
// Bytes in buf[cursor:offset] have been read from the port but not yet
// consumed; 0 <= cursor <= offset <= WindowSize always holds.
type Window struct {
	buf    [WindowSize]byte
	offset int
	cursor int

	// Stamp is the time of the last byte arrival at the moment of a match.
	Stamp time.Time
	// Result is the outcome of the last Receiver run.
	Result RecvResult
}

// Pending returns the unconsumed bytes.
func (w *Window) Pending() []byte {
	return w.buf[w.cursor:w.offset]
}

// Empty reports whether all received bytes have been consumed.
func (w *Window) Empty() bool {
	return w.cursor == w.offset
}

// Advance marks n pending bytes as consumed.
func (w *Window) Advance(n int) {
	w.cursor += n
	if w.cursor > w.offset {
		w.cursor = w.offset
	}
}

// Compact rewinds an empty window to the start of the buffer.
func (w *Window) Compact() {
	if w.Empty() {
		w.offset, w.cursor = 0, 0
	}
}

// Free returns the unused tail of the buffer for the next read.
func (w *Window) Free() []byte {
	return w.buf[w.offset:]
}

// Commit appends n freshly read bytes (written into Free) to the window.
func (w *Window) Commit(n int) {
	w.offset += n
	if w.offset > WindowSize {
		w.offset = WindowSize
	}
}

// Offset returns the end of valid bytes.
func (w *Window) Offset() int { return w.offset }

// Cursor returns the number of bytes consumed.
func (w *Window) Cursor() int { return w.cursor }

// Reset discards everything in the window.
func (w *Window) Reset() {
	w.offset, w.cursor = 0, 0
	w.Result = RecvEmpty
	w.Stamp = time.Time{}
}
