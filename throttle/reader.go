package throttle

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single read so the bucket never has to grant more
// than one second of tokens at once.
const maxChunk = 32 << 10

// reader is an io.Reader capped at a fixed number of bytes per second.
type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewReader wraps r so reads proceed at no more than bytesPerSec. A
// non-positive rate returns r unchanged. Waiting stops when ctx is done.
func NewReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	burst := int(min(bytesPerSec, maxChunk))

	return &reader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}

	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, fmt.Errorf("%w: %w", ErrWaitingFailed, werr)
		}
	}

	return n, err
}
