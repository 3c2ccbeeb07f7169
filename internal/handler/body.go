package handler

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/adamwoolhether/agenthttp/internal/errs"
)

// Body is the read-once response body stream.
type Body struct {
	h *Handler

	mu  sync.Mutex
	cur []byte
	end error

	drained atomic.Bool
}

var _ io.ReadCloser = (*Body)(nil)

// Body returns the response body stream. Call it at most once.
func (h *Handler) Body() *Body {
	return &Body{h: h}
}

// Read yields chunks in engine order, then io.EOF on every later call, or
// the error that ended the transfer. Once the transfer is aborted nothing
// further is yielded, buffered or not.
func (b *Body) Read(p []byte) (int, error) {
	if b.h.isClosed() {
		return 0, ErrBodyClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.end != nil {
		return 0, b.end
	}

	for {
		if err := b.h.abortCause(); err != nil {
			b.cur = nil
			b.end = err
			return 0, err
		}
		if len(b.cur) > 0 {
			break
		}

		select {
		case chunk, ok := <-b.h.chunks:
			if !ok {
				b.end = b.h.terminal()
				b.drained.Store(true)
				b.h.release()
				if b.h.isClosed() {
					return 0, ErrBodyClosed
				}
				return 0, b.end
			}
			b.h.received()
			b.cur = chunk
		case <-b.h.aborted:
		}
	}

	n := copy(p, b.cur)
	b.cur = b.cur[n:]

	return n, nil
}

// Close releases the body. Closing before the end of the stream cancels
// the transfer. It does not wait for a concurrent Read.
func (b *Body) Close() error {
	if b.h.close() {
		return nil
	}

	if !b.drained.Load() {
		b.h.Abort(fmt.Errorf("%w: body closed before EOF", errs.ErrCancelled))
	}
	b.h.release()

	return nil
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
