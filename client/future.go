package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/adamwoolhether/agenthttp/internal/agent"
	"github.com/adamwoolhether/agenthttp/internal/errs"
	"github.com/adamwoolhether/agenthttp/internal/handler"
)

// State is the lifecycle stage of a [ResponseFuture].
type State int32

const (
	StateUnsubmitted State = iota
	StateSubmitted
	StateHeadersReady
	StateBodyInUse
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnsubmitted:
		return "unsubmitted"
	case StateSubmitted:
		return "submitted"
	case StateHeadersReady:
		return "headers-ready"
	case StateBodyInUse:
		return "body-in-use"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s State) terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// ResponseFuture is a request that runs on the first call to Await. It is
// safe for concurrent use.
//
// A future, or the body of its response, that becomes unreachable without
// Cancel or Body.Close cancels its transfer.
type ResponseFuture struct {
	c   *Client
	req *http.Request

	begun     atomic.Bool
	submitted chan struct{}

	settleOnce sync.Once
	settled    chan struct{}

	mu    sync.Mutex
	state State
	h     *handler.Handler
	resp  *http.Response
	err   error
	stop  func() bool
}

type outcome struct {
	resp  *http.Response
	err   error
	state State
}

func newFuture(c *Client, req *http.Request) *ResponseFuture {
	return &ResponseFuture{
		c:         c,
		req:       req,
		submitted: make(chan struct{}),
		settled:   make(chan struct{}),
	}
}

// failedFuture returns a future that resolves to err without submitting.
func failedFuture(c *Client, err error) *ResponseFuture {
	f := newFuture(c, nil)
	f.begun.Store(true)
	close(f.submitted)
	f.settle(func() outcome { return outcome{err: err, state: StateFailed} })
	return f
}

// Request returns the request after the client's request middleware ran.
func (f *ResponseFuture) Request() *http.Request {
	return f.req
}

// State reports the future's current state.
func (f *ResponseFuture) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Await submits the request on the first call and waits until the response
// headers arrive, the transfer fails, or ctx is done. Every call returns the
// same result. A ctx that ends first cancels the transfer.
//
// The caller must close the response body.
func (f *ResponseFuture) Await(ctx context.Context) (*http.Response, error) {
	if f.begun.CompareAndSwap(false, true) {
		f.submit(ctx)
		close(f.submitted)
	}

	select {
	case <-f.submitted:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-f.settled:
		return f.result()
	default:
	}

	select {
	case <-f.h.Ready():
		f.resolve()
	case <-f.settled:
	case <-ctx.Done():
		f.cancel(ctx.Err())
	}

	return f.result()
}

// Cancel abandons the request. A body being read fails with an error
// matching ErrCancelled. Cancel on a finished future does nothing.
func (f *ResponseFuture) Cancel() {
	f.cancel(errs.ErrCancelled)
}

func (f *ResponseFuture) cancel(cause error) {
	f.settle(func() outcome { return outcome{err: cause, state: StateCancelled} })

	if f.begun.CompareAndSwap(false, true) {
		close(f.submitted)
	}

	f.mu.Lock()
	h := f.h
	if !f.state.terminal() {
		f.state = StateCancelled
	}
	f.mu.Unlock()

	if h != nil {
		h.Abort(cause)
	}
}

func (f *ResponseFuture) result() (*http.Response, error) {
	<-f.settled

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// settle fixes Await's result once. Errors pass through the error filters.
func (f *ResponseFuture) settle(fn func() outcome) {
	f.settleOnce.Do(func() {
		o := fn()
		if o.err != nil {
			o.err = f.filterError(o.err)
		}

		f.mu.Lock()
		f.resp, f.err = o.resp, o.err
		if !f.state.terminal() {
			f.state = o.state
		}
		f.mu.Unlock()

		close(f.settled)
	})
}

func (f *ResponseFuture) filterError(err error) error {
	if f.c == nil || f.req == nil {
		return err
	}
	for _, mw := range slices.Backward(f.c.middleware) {
		if ef, ok := mw.(ErrorFilter); ok {
			err = ef.FilterError(f.req, err)
		}
	}
	return err
}

func (f *ResponseFuture) submit(ctx context.Context) {
	h, token, err := f.c.submit(ctx, f.req)
	if err != nil {
		f.settle(func() outcome { return outcome{err: err, state: stateFor(err)} })
		return
	}

	reqCtx := f.req.Context()
	stop := context.AfterFunc(reqCtx, func() {
		h.Abort(context.Cause(reqCtx))
	})

	f.mu.Lock()
	f.h = h
	f.stop = stop
	if f.state == StateUnsubmitted {
		f.state = StateSubmitted
	}
	f.mu.Unlock()

	runtime.AddCleanup(f, dropTransfer, dropped{agent: f.c.agent, token: token, logger: f.c.logger})

	// Cancelled while submitting.
	select {
	case <-f.settled:
		h.Abort(errs.ErrCancelled)
	default:
	}
}

// resolve turns published headers into the response.
func (f *ResponseFuture) resolve() {
	f.settle(func() outcome {
		head, err := f.h.Result()
		if err != nil {
			return outcome{err: err, state: stateFor(err)}
		}

		resp := &http.Response{
			Status:        head.Status,
			StatusCode:    head.StatusCode,
			Proto:         head.Proto,
			ProtoMajor:    head.ProtoMajor,
			ProtoMinor:    head.ProtoMinor,
			Header:        head.Header,
			ContentLength: contentLength(f.req.Method, head),
			Body:          &responseBody{f: f, body: f.h.Body()},
			Request:       f.req,
		}

		for _, mw := range slices.Backward(f.c.middleware) {
			resp = mw.FilterResponse(resp)
		}

		return outcome{resp: resp, state: StateHeadersReady}
	})
}

func contentLength(method string, head *handler.Head) int64 {
	if method == http.MethodHead {
		return -1
	}
	n, err := strconv.ParseInt(head.Header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func stateFor(err error) State {
	if errors.Is(err, errs.ErrCancelled) || errors.Is(err, context.Canceled) {
		return StateCancelled
	}
	return StateFailed
}

// =============================================================================

// dropped carries what the cleanup needs without keeping the future alive.
type dropped struct {
	agent  agent.Handle
	token  uint64
	logger *slog.Logger
}

func dropTransfer(d dropped) {
	d.logger.Debug("cancelling dropped transfer", "token", d.token)
	d.agent.Cancel(d.token)
}

// responseBody tracks the future's state as the body is consumed.
type responseBody struct {
	f    *ResponseFuture
	body *handler.Body
}

func (b *responseBody) Read(p []byte) (int, error) {
	b.f.transition(StateHeadersReady, StateBodyInUse)

	n, err := b.body.Read(p)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		b.f.end(StateComplete)
	case errors.Is(err, handler.ErrBodyClosed):
	default:
		b.f.end(stateFor(err))
	}

	return n, err
}

func (b *responseBody) Close() error {
	err := b.body.Close()
	b.f.end(StateCancelled)
	return err
}

func (f *ResponseFuture) transition(from, to State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == from {
		f.state = to
	}
}

// end moves a live body to a terminal state and detaches the request
// context.
func (f *ResponseFuture) end(s State) {
	f.mu.Lock()
	if !f.state.terminal() {
		f.state = s
	}
	stop := f.stop
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
}
