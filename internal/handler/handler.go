// Package handler bridges the engine's callbacks for one transfer to the
// goroutines awaiting its response. The producer side (Header, Write, Read,
// Complete) is only called by the agent worker; the consumer side is Wait
// and the Body.
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/errs"
)

// ChunkBuffer is the number of body chunks buffered before the transfer is
// paused.
const ChunkBuffer = 8

// ErrBodyClosed is returned by reads after the body was closed.
var ErrBodyClosed = errors.New("read on closed response body")

// Option configures a Handler.
type Option func(*Handler)

// WithCancel sets the function that stops the transfer. It must not block.
func WithCancel(fn func()) Option {
	return func(h *Handler) { h.cancelFn = fn }
}

// WithUnpauseWrite sets the function that resumes a paused response body.
func WithUnpauseWrite(fn func()) Option {
	return func(h *Handler) { h.unpauseWrite = fn }
}

// WithUnpauseRead sets the function that resumes a starved request body.
func WithUnpauseRead(fn func()) Option {
	return func(h *Handler) { h.unpauseRead = fn }
}

// WithOnRelease registers fn to run once when the handler is released.
func WithOnRelease(fn func()) Option {
	return func(h *Handler) { h.onRelease = fn }
}

// WithLogger sets the logger for handler diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithFollowRedirects reports whether the engine may follow redirects. When
// it cannot, a 3xx block is final and publishes on its blank line.
func WithFollowRedirects(follow bool) Option {
	return func(h *Handler) { h.followRedirects = follow }
}

// WithBytes makes b the request body. It is read directly by the engine.
func WithBytes(b []byte) Option {
	return func(h *Handler) { h.upload = &memorySource{data: b} }
}

// WithStream makes r the request body. A producer goroutine feeds it to
// the engine once the upload starts.
func WithStream(r io.Reader) Option {
	return func(h *Handler) { h.upload = newStreamSource(r, h) }
}

// Handler is the per-transfer callback sink.
type Handler struct {
	logger       *slog.Logger
	cancelFn     func()
	unpauseWrite func()
	unpauseRead  func()
	onRelease    func()

	followRedirects bool

	// Worker only.
	block     *headBlock
	published bool

	ready  chan struct{}
	head   *Head
	failed error

	chunks    chan []byte
	closeOnce sync.Once

	upload source

	aborted   chan struct{}
	abortOnce sync.Once

	mu          sync.Mutex
	writePaused bool
	err         error
	abortErr    error
	closed      bool

	releaseOnce sync.Once
	released    atomic.Bool
}

var _ engine.Handler = (*Handler)(nil)

// New returns an idle Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger:       slog.Default(),
		cancelFn:     func() {},
		unpauseWrite: func() {},
		unpauseRead:  func() {},
		onRelease:    func() {},

		followRedirects: true,

		ready:   make(chan struct{}),
		aborted: make(chan struct{}),
		chunks:  make(chan []byte, ChunkBuffer),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// =============================================================================
// Producer side: called by the agent worker only.

// Header records one status or header line.
func (h *Handler) Header(line []byte) error {
	if h.published {
		return nil
	}

	if bytes.HasPrefix(line, []byte("HTTP/")) {
		block, err := parseStatusLine(line)
		if err != nil {
			return err
		}
		h.block = block
		return nil
	}

	if h.block == nil {
		return fmt.Errorf("header line before status line: %q", bytes.TrimSpace(line))
	}

	if len(bytes.TrimSpace(line)) == 0 {
		h.block.done = true
		if !h.block.provisional(h.followRedirects) {
			h.publish()
		}
		return nil
	}

	h.block.add(line)

	return nil
}

// Write queues a copy of p for the body reader, or pauses when the buffer
// is full.
func (h *Handler) Write(p []byte) error {
	if !h.published {
		if h.block == nil {
			return errors.New("body received before headers")
		}
		h.publish()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.abortErr != nil {
		return errs.ErrCancelled
	}

	select {
	case h.chunks <- bytes.Clone(p):
		return nil
	default:
		h.writePaused = true
		return engine.ErrPause
	}
}

// Read supplies request body bytes to the engine.
func (h *Handler) Read(p []byte) (int, error) {
	if h.upload == nil {
		return 0, io.EOF
	}
	return h.upload.read(p)
}

// Replayable reports whether the request body is held in memory and can be
// restarted with Rewind.
func (h *Handler) Replayable() bool {
	_, ok := h.upload.(*memorySource)
	return ok
}

// Rewind restarts an in-memory request body from its first byte.
func (h *Handler) Rewind() error {
	m, ok := h.upload.(*memorySource)
	if !ok {
		return engine.ErrNotRewindable
	}
	m.off = 0
	return nil
}

// Complete ends the transfer with err, nil meaning success. It is called
// exactly once by the worker.
func (h *Handler) Complete(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	err = h.err
	h.mu.Unlock()

	if !h.published {
		switch {
		case err != nil:
			h.fail(err)
		case h.block == nil:
			h.fail(errs.Transport("complete", errors.New("transfer ended without a response")))
		default:
			h.publish()
		}
	}

	h.closeOnce.Do(func() { close(h.chunks) })

	if h.upload != nil {
		h.upload.stop()
	}

	if err != nil {
		h.logger.Debug("transfer completed", "error", err)
	}
}

func (h *Handler) publish() {
	h.published = true
	h.head = h.block.head()
	close(h.ready)
}

func (h *Handler) fail(err error) {
	h.published = true
	h.failed = err
	close(h.ready)
	h.release()
}

// =============================================================================
// Consumer side.

// Ready is closed once headers or a failure are available.
func (h *Handler) Ready() <-chan struct{} {
	return h.ready
}

// Result returns the published head or the failure. It must only be called
// after Ready is closed.
func (h *Handler) Result() (*Head, error) {
	return h.head, h.failed
}

// Wait blocks until headers or a failure are available, or ctx is done.
func (h *Handler) Wait(ctx context.Context) (*Head, error) {
	select {
	case <-h.ready:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort fails the transfer with err from the consumer side and stops it.
// Body reads from then on return err, even if chunks are still buffered.
func (h *Handler) Abort(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	if err != nil && h.abortErr == nil {
		h.abortErr = err
	}
	h.mu.Unlock()

	if err != nil {
		h.abortOnce.Do(func() { close(h.aborted) })
	}
	h.cancelFn()
}

// abortCause returns the error given to the first Abort, or nil.
func (h *Handler) abortCause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortErr
}

// Released reports whether the handler has been released.
func (h *Handler) Released() bool {
	return h.released.Load()
}

func (h *Handler) release() {
	h.releaseOnce.Do(func() {
		h.released.Store(true)
		h.onRelease()
	})
}

// terminal returns the error a drained body reports.
func (h *Handler) terminal() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return h.err
	}
	return io.EOF
}

// received runs after every chunk taken from the buffer.
func (h *Handler) received() {
	h.mu.Lock()
	resume := h.writePaused
	h.writePaused = false
	h.mu.Unlock()

	if resume {
		h.unpauseWrite()
	}
}

// close marks the body closed and reports whether it was already.
func (h *Handler) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	was := h.closed
	h.closed = true
	return was
}
