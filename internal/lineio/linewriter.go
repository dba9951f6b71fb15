package lineio

import (
	"io"
	"sync"
)

// LineWriter is a single-producer, single-consumer output queue: callers
// Post CleanLines which a background goroutine writes to w terminated by
// CR+LF, matching spec.md 4.2's writer ("consumes the output queue, appends
// CR+LF, emits a SEND event for each line actually written").
//
// OnWrite, if set before Start, is invoked synchronously from the writer
// goroutine after each successful write (used by the connection manager to
// journal a SEND event in the same order lines leave the socket).
type LineWriter struct {
	w       io.Writer
	queue   chan CleanLine
	done    chan struct{}
	errc    chan error
	OnWrite func(CleanLine)

	closeOnce sync.Once
}

// NewLineWriter creates a writer with the given output queue depth.
// Backpressure per spec.md 4.2 is acceptable: Post blocks once the queue is
// full.
func NewLineWriter(w io.Writer, queueSize int) *LineWriter {
	return &LineWriter{
		w:     w,
		queue: make(chan CleanLine, queueSize),
		done:  make(chan struct{}),
		errc:  make(chan error, 1),
	}
}

// Start launches the background writer goroutine. Must be called once.
func (lw *LineWriter) Start() {
	go lw.run()
}

func (lw *LineWriter) run() {
	crlf := []byte{'\r', '\n'}
	for {
		select {
		case line, ok := <-lw.queue:
			if !ok {
				return
			}
			if _, err := lw.w.Write(line.Bytes()); err != nil {
				lw.reportErr(err)
				return
			}
			if _, err := lw.w.Write(crlf); err != nil {
				lw.reportErr(err)
				return
			}
			if lw.OnWrite != nil {
				lw.OnWrite(line)
			}
		case <-lw.done:
			return
		}
	}
}

func (lw *LineWriter) reportErr(err error) {
	select {
	case lw.errc <- err:
	default:
	}
}

// Post enqueues a line for writing. Returns false if the writer has been
// terminated.
func (lw *LineWriter) Post(line CleanLine) bool {
	select {
	case <-lw.done:
		return false
	default:
	}
	select {
	case lw.queue <- line:
		return true
	case <-lw.done:
		return false
	}
}

// Err returns a channel that receives at most one write error.
func (lw *LineWriter) Err() <-chan error {
	return lw.errc
}

// Terminate stops the writer goroutine. Safe to call more than once.
func (lw *LineWriter) Terminate() {
	lw.closeOnce.Do(func() {
		close(lw.done)
	})
}
