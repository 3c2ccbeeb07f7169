package download

import (
	"context"
	"net/http"
	"slices"
)

// Result tracks one async download.
type Result struct {
	adder  Adder
	done   chan struct{}
	err    error
	cancel context.CancelFunc
	queue  *Queue
}

// Add starts another download in the same queue. WithBatch cannot be
// used here.
func (r *Result) Add(req *http.Request, expCode int, destPath string, optFns ...Option) (*Result, error) {
	if r.adder == nil {
		return nil, &Error{Err: ErrConflictingOptions, Detail: "result was started without an adder"}
	}

	return r.adder(req, expCode, destPath, slices.Concat([]Option{WithQueue(r.queue)}, optFns)...)
}

// Done is closed when this download finishes.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err waits for this download and returns its error.
func (r *Result) Err() error {
	<-r.done
	return r.err
}

// Wait waits for every download in the queue and returns their errors
// joined.
func (r *Result) Wait() error {
	return r.queue.Wait()
}

// Cancel stops this download.
func (r *Result) Cancel() {
	r.cancel()
}
