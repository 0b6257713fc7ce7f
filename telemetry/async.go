package telemetry

import (
	"io"
	"sync"
	"sync/atomic"
)

// AsyncWriter hands log lines to a background goroutine. Write never blocks:
// when the buffer is full the line is dropped and counted.
type AsyncWriter struct {
	out     io.Writer
	lines   chan []byte
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewAsyncWriter(out io.Writer, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 1
	}
	w := &AsyncWriter{
		out:   out,
		lines: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for line := range w.lines {
		// A failing sink must not stop later lines from being attempted.
		_, _ = w.out.Write(line)
	}
}

func (w *AsyncWriter) Write(p []byte) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}

	line := append([]byte(nil), p...)
	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped reports how many lines were discarded.
func (w *AsyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close flushes buffered lines and stops the writer.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.lines)
	w.mu.Unlock()

	<-w.done
	return nil
}
