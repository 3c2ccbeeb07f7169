package agent

import (
	"errors"
	"time"

	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/errs"
)

// activeTransfer is a submission registered with the engine. Only the
// worker touches it.
type activeTransfer struct {
	id      engine.ID
	token   uint64
	sink    Sink
	started time.Time
}

// worker holds the state private to the agent goroutine.
type worker struct {
	*Agent

	byToken map[uint64]*activeTransfer
	byID    map[engine.ID]*activeTransfer
}

func (a *Agent) run() {
	w := &worker{
		Agent:   a,
		byToken: make(map[uint64]*activeTransfer),
		byID:    make(map[engine.ID]*activeTransfer),
	}
	defer close(a.done)

	for {
		if w.apply(a.queue.drain()) {
			w.shutdown(nil)
			return
		}

		if _, err := a.multi.Perform(); err != nil {
			w.shutdown(err)
			return
		}
		w.reap()

		timeout := a.multi.Timeout()
		if timeout < 0 || timeout > a.maxWait {
			timeout = a.maxWait
		}
		if err := a.multi.Wait(timeout); err != nil {
			w.shutdown(err)
			return
		}
	}
}

// apply handles drained messages in order and reports whether the agent
// was asked to stop.
func (w *worker) apply(msgs []message) bool {
	if len(msgs) == 0 {
		return false
	}

	// A submission cancelled within the same batch never reaches the engine.
	var cancelled map[uint64]bool
	for _, m := range msgs {
		if m.kind == msgCancel {
			if cancelled == nil {
				cancelled = make(map[uint64]bool)
			}
			cancelled[m.token] = true
		}
	}

	stop := false
	for _, m := range msgs {
		switch m.kind {
		case msgSubmit:
			if stop {
				w.complete(m.submission.Transfer.Handler, errs.Unreachable("submit", nil))
				continue
			}
			if cancelled[m.token] {
				w.complete(m.submission.Transfer.Handler, errs.ErrCancelled)
				w.observer.Finished(Outcome{Cancelled: true, Active: len(w.byToken)})
				continue
			}
			w.register(m.submission)

		case msgCancel:
			w.cancel(m.token)

		case msgUnpauseWrite:
			w.unpause(m.token, engine.DirWrite)

		case msgUnpauseRead:
			w.unpause(m.token, engine.DirRead)

		case msgClose:
			stop = true
		}
	}

	return stop
}

func (w *worker) register(s Submission) {
	id, err := w.multi.Add(s.Transfer)
	if err != nil {
		w.logger.Warn("transfer rejected by engine", "token", s.Token, "error", err)
		w.complete(s.Transfer.Handler, errs.Transport("add", err))
		w.observer.Finished(Outcome{Err: err, Active: len(w.byToken)})
		return
	}

	at := &activeTransfer{
		id:      id,
		token:   s.Token,
		sink:    s.Transfer.Handler.(Sink),
		started: time.Now(),
	}
	w.byToken[s.Token] = at
	w.byID[id] = at
	w.active.Store(int64(len(w.byToken)))

	w.logger.Debug("transfer registered", "token", s.Token, "id", id, "method", s.Transfer.Method, "url", s.Transfer.URL.Redacted())
	w.observer.Started(len(w.byToken))
}

func (w *worker) cancel(token uint64) {
	at, ok := w.byToken[token]
	if !ok {
		return
	}

	w.forget(at)
	if err := w.multi.Remove(at.id); err != nil {
		w.logger.Warn("removing cancelled transfer", "token", token, "error", err)
	}
	at.sink.Complete(errs.ErrCancelled)

	w.logger.Debug("transfer cancelled", "token", token)
	w.observer.Finished(Outcome{Cancelled: true, Duration: time.Since(at.started), Active: len(w.byToken)})
}

func (w *worker) unpause(token uint64, d engine.Direction) {
	at, ok := w.byToken[token]
	if !ok {
		return
	}
	if err := w.multi.Unpause(at.id, d); err != nil {
		w.logger.Warn("unpausing transfer", "token", token, "direction", d, "error", err)
	}
}

// reap delivers the outcome of every transfer the engine finished.
func (w *worker) reap() {
	for _, msg := range w.multi.Messages() {
		at, ok := w.byID[msg.ID]
		if !ok {
			continue
		}

		w.forget(at)
		if err := w.multi.Remove(msg.ID); err != nil {
			w.logger.Warn("removing finished transfer", "token", at.token, "error", err)
		}

		err := msg.Err
		if err != nil {
			err = errs.Transport("perform", err)
		}
		at.sink.Complete(err)

		w.logger.Debug("transfer finished", "token", at.token, "error", err, "total", msg.Timing.Total)
		w.observer.Finished(Outcome{
			Err:       err,
			Cancelled: errors.Is(err, errs.ErrCancelled),
			Duration:  time.Since(at.started),
			Timing:    msg.Timing,
			Active:    len(w.byToken),
		})
	}
}

// shutdown fails everything still pending and closes the engine. A nil
// cause means an orderly Close.
func (w *worker) shutdown(cause error) {
	if cause != nil {
		w.logger.Error("agent worker failed", "error", cause)
	}

	fail := errs.Unreachable("agent", cause)

	for _, m := range w.queue.close() {
		if m.kind == msgSubmit {
			w.complete(m.submission.Transfer.Handler, fail)
		}
	}

	for _, at := range w.byToken {
		w.forget(at)
		_ = w.multi.Remove(at.id)
		at.sink.Complete(fail)
		w.observer.Finished(Outcome{Err: fail, Duration: time.Since(at.started), Active: len(w.byToken)})
	}

	if err := w.multi.Close(); err != nil {
		w.logger.Warn("closing engine", "error", err)
	}

	w.logger.Info("agent stopped")
}

func (w *worker) forget(at *activeTransfer) {
	delete(w.byToken, at.token)
	delete(w.byID, at.id)
	w.active.Store(int64(len(w.byToken)))
}

func (w *worker) complete(h engine.Handler, err error) {
	if s, ok := h.(Sink); ok {
		s.Complete(err)
	}
}
