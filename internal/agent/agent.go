// Package agent runs the single worker that owns a transport engine and
// drives every transfer submitted to it.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/errs"
)

// DefaultMaxWait caps how long the worker sleeps in the engine.
const DefaultMaxWait = time.Second

var tokens atomic.Uint64

// NextToken returns a process-wide unique transfer token. Tokens are never
// reused, so a late cancel is always a no-op.
func NextToken() uint64 {
	return tokens.Add(1)
}

// Sink receives a transfer's engine callbacks and its final outcome.
type Sink interface {
	engine.Handler
	Complete(err error)
}

// Submission is one transfer handed to the agent.
type Submission struct {
	Token    uint64
	Transfer *engine.Transfer
	Sink     Sink
}

type options struct {
	logger   *slog.Logger
	observer Observer
	maxWait  time.Duration
}

// Option configures an Agent.
type Option func(*options) error

// WithLogger sets the agent's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithObserver receives lifecycle events from the worker.
func WithObserver(obs Observer) Option {
	return func(o *options) error {
		if obs == nil {
			return errors.New("observer cannot be nil")
		}
		o.observer = obs
		return nil
	}
}

// WithMaxWait caps how long one engine wait may block.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("max wait must be positive, got %s", d)
		}
		o.maxWait = d
		return nil
	}
}

// Agent owns an engine.Multi and the goroutine driving it.
type Agent struct {
	multi    engine.Multi
	logger   *slog.Logger
	observer Observer
	maxWait  time.Duration

	queue queue

	active atomic.Int64
	done   chan struct{}

	closeOnce sync.Once
}

// New starts an agent driving multi and returns a handle to it.
func New(multi engine.Multi, opts ...Option) (Handle, error) {
	if multi == nil {
		return Handle{}, errs.Configuration("agent", errors.New("engine cannot be nil"))
	}

	o := options{
		logger:   slog.Default(),
		observer: nopObserver{},
		maxWait:  DefaultMaxWait,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Handle{}, errs.Configuration("agent", err)
		}
	}

	a := &Agent{
		multi:    multi,
		logger:   o.logger,
		observer: o.observer,
		maxWait:  o.maxWait,
		done:     make(chan struct{}),
	}

	go a.run()

	a.logger.Info("agent started", "max_wait", a.maxWait)

	return Handle{a: a}, nil
}

// =============================================================================

// Handle is a cheap, copyable reference to a running Agent.
type Handle struct {
	a *Agent
}

// Submit hands s to the worker. Options are checked by the engine before
// anything is queued. Submit never waits for the worker.
func (h Handle) Submit(s Submission) error {
	a := h.a
	if a == nil {
		return errs.Unreachable("submit", nil)
	}
	if s.Transfer == nil || s.Sink == nil {
		return errs.Configuration("submit", errors.New("submission needs a transfer and a sink"))
	}
	if a.queue.isClosed() {
		return errs.Unreachable("submit", nil)
	}

	s.Transfer.Handler = &safeSink{sink: s.Sink, token: s.Token, logger: a.logger}
	if err := a.multi.Prepare(s.Transfer); err != nil {
		return errs.Configuration("submit", err)
	}

	if !a.queue.push(message{kind: msgSubmit, token: s.Token, submission: s}) {
		return errs.Unreachable("submit", nil)
	}
	a.observer.Submitted()
	a.multi.Wakeup()

	return nil
}

// Cancel stops the transfer for token. Unknown or finished tokens are
// ignored.
func (h Handle) Cancel(token uint64) {
	h.send(message{kind: msgCancel, token: token})
}

// UnpauseWrite resumes a response body paused for lack of buffer space.
func (h Handle) UnpauseWrite(token uint64) {
	h.send(message{kind: msgUnpauseWrite, token: token})
}

// UnpauseRead resumes a request body paused for lack of data.
func (h Handle) UnpauseRead(token uint64) {
	h.send(message{kind: msgUnpauseRead, token: token})
}

// Active reports the number of transfers registered with the engine.
func (h Handle) Active() int {
	if h.a == nil {
		return 0
	}
	return int(h.a.active.Load())
}

// Done is closed once the worker has exited.
func (h Handle) Done() <-chan struct{} {
	if h.a == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.a.done
}

// Close fails every in-flight transfer, closes the engine and waits for
// the worker to exit. It is safe to call more than once.
func (h Handle) Close() error {
	a := h.a
	if a == nil {
		return nil
	}

	a.closeOnce.Do(func() {
		if a.queue.push(message{kind: msgClose}) {
			a.multi.Wakeup()
		}
	})
	<-a.done

	return nil
}

func (h Handle) send(m message) {
	if h.a == nil {
		return
	}
	if h.a.queue.push(m) {
		h.a.multi.Wakeup()
	}
}
