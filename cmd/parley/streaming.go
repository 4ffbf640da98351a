package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	// StreamInstant writes every fragment as it arrives.
	StreamInstant StreamMode = "instant"
	// StreamSmooth batches fragments and flushes on a short interval.
	StreamSmooth StreamMode = "smooth"
	// StreamQuiet withholds output until Flush.
	StreamQuiet StreamMode = "quiet"
)

func ParseStreamMode(name string) StreamMode {
	switch StreamMode(strings.ToLower(strings.TrimSpace(name))) {
	case StreamSmooth:
		return StreamSmooth
	case StreamQuiet:
		return StreamQuiet
	default:
		return StreamInstant
	}
}

// StreamWriter renders generation fragments to the terminal. Smooth mode
// trades latency for fewer, larger writes so slow terminals do not stall
// the decode loop.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer

	mu            sync.Mutex
	batch         strings.Builder
	accumulated   strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
}

func NewStreamWriter(mode StreamMode, out io.Writer) *StreamWriter {
	w := &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(out, 4096),
		flushInterval: 50 * time.Millisecond,
		lastFlush:     time.Now(),
	}
	if mode == StreamSmooth {
		go w.backgroundFlusher()
	}
	return w
}

// Write handles a single fragment from the engine.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulated.WriteString(fragment)
	switch w.mode {
	case StreamInstant:
		_, _ = w.buffer.WriteString(fragment)
		_ = w.buffer.Flush()
	case StreamSmooth:
		w.batch.WriteString(fragment)
		if time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	case StreamQuiet:
	}
}

// Flush drains buffered content and returns the full turn text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case StreamQuiet:
		_, _ = fmt.Fprint(w.buffer, w.accumulated.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	text := w.accumulated.String()
	w.accumulated.Reset()
	return text
}

// flushBatch writes the pending batch. Caller holds the lock.
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	_, _ = w.buffer.WriteString(w.batch.String())
	_ = w.buffer.Flush()
	w.batch.Reset()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) backgroundFlusher() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for range ticker.C {
		w.mu.Lock()
		if time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
		w.mu.Unlock()
	}
}
