package download

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

// WorkFunc is one unit of async work.
type WorkFunc func(ctx context.Context) error

// Adder starts another download in the same queue. It matches
// client.Client.DownloadAsync.
type Adder func(*http.Request, int, string, ...Option) (*Result, error)

// Queue runs a batch of downloads concurrently.
type Queue struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	sem      chan struct{}
	shutdown atomic.Bool
	errs     []error
}

// NewQueue returns a Queue running at most maxConcurrent downloads at a
// time. A non-positive limit means no limit.
func NewQueue(maxConcurrent int) *Queue {
	q := &Queue{}
	if maxConcurrent > 0 {
		q.sem = make(chan struct{}, maxConcurrent)
	}
	return q
}

// Wait blocks until every download in the queue finished and returns
// their errors joined.
func (q *Queue) Wait() error {
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	return errors.Join(q.errs...)
}

// Shutdown stops work that has not started yet.
func (q *Queue) Shutdown() {
	q.shutdown.Store(true)
}

// Start runs fn in the queue and returns a Result tracking it.
func (q *Queue) Start(ctx context.Context, fn WorkFunc, adder Adder) *Result {
	ctx, cancel := context.WithCancel(ctx)
	r := &Result{
		adder:  adder,
		done:   make(chan struct{}),
		cancel: cancel,
		queue:  q,
	}

	q.wg.Go(func() {
		defer func() {
			cancel()
			close(r.done)
		}()

		if q.sem != nil {
			select {
			case q.sem <- struct{}{}:
				defer func() { <-q.sem }()
			case <-ctx.Done():
				r.err = ctx.Err()
				q.recordErr(r.err)
				return
			}
		}

		if q.shutdown.Load() {
			r.err = ErrGroupShutdown
			q.recordErr(r.err)
			return
		}

		if r.err = fn(ctx); r.err != nil {
			q.recordErr(r.err)
		}
	})

	return r
}

func (q *Queue) recordErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errs = append(q.errs, err)
}
