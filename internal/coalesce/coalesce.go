// Package coalesce turns bursts of write requests into at most one write per window.
//
// The first Request after a write opens a window; when the window ends the
// write function runs once and persists whatever state is current at that
// moment. Flush writes immediately. A failed write leaves the writer dirty so
// the next Request or Flush tries again.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = time.Second

// WriteFunc persists the current state.
type WriteFunc func(ctx context.Context) error

// Writer coalesces write requests. It is safe for concurrent use.
type Writer struct {
	write  WriteFunc
	window time.Duration
	log    zerolog.Logger

	// writeMu serializes calls to write.
	writeMu sync.Mutex

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	dirty  bool
	closed bool
	writes int
	fails  int
}

// Option configures a Writer.
type Option func(*Writer)

// WithWindow sets the coalescing window.
func WithWindow(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithLogger sets the logger used for failed background writes.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) {
		w.log = l
	}
}

// New returns a Writer that calls write.
func New(write WriteFunc, opts ...Option) *Writer {
	w := &Writer{
		write:  write,
		window: DefaultWindow,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Request marks the state dirty and schedules a write at the end of the
// current window, opening one if none is open. After Close it only marks dirty.
func (w *Writer) Request() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty = true
	if w.closed || w.timer != nil {
		return
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.window, func() { w.fire(gen) })
}

// Flush cancels the pending window and writes now if anything is dirty.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.gen++
	}
	w.mu.Unlock()

	return w.run(ctx)
}

// Close flushes and stops scheduling further background writes.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

// Pending reports whether there are unwritten changes.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Stats returns the number of successful and failed writes so far.
func (w *Writer) Stats() (writes, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.fails
}

func (w *Writer) fire(gen uint64) {
	w.mu.Lock()
	if w.gen != gen {
		// Superseded by a Flush and a newer window.
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	if err := w.run(context.Background()); err != nil {
		w.log.Error().Err(err).Msg("coalesced write failed")
	}
}

func (w *Writer) run(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	w.dirty = false
	w.mu.Unlock()

	err := w.write(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.dirty = true
		w.fails++
		return err
	}
	w.writes++
	return nil
}
