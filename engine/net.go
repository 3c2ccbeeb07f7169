package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultChunkSize is the largest body chunk handed to Handler.Write.
const DefaultChunkSize = 16 << 10

// prepared is the engine state Prepare resolves for a Transfer.
type prepared struct {
	transport *http.Transport
}

// NetOption configures a NetMulti.
type NetOption func(*netOptions)

type netOptions struct {
	logger    *slog.Logger
	chunkSize int
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *slog.Logger) NetOption {
	return func(o *netOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithChunkSize sets the size of body chunks delivered to handlers.
func WithChunkSize(n int) NetOption {
	return func(o *netOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// NetMulti is a Multi backed by net/http. Each transfer runs inside the
// engine, but every event it produces is queued and only dispatched to its
// Handler from Perform, so handlers observe a single goroutine.
type NetMulti struct {
	logger     *slog.Logger
	chunkSize  int
	transports *transports

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notify chan struct{}

	mu      sync.Mutex
	pending []event
	closed  bool

	// Owned by the goroutine calling Perform.
	nextID    ID
	transfers map[ID]*transfer
	ready     []event
	messages  []Message
}

var _ Multi = (*NetMulti)(nil)

// NewNetMulti returns an idle NetMulti.
func NewNetMulti(opts ...NetOption) *NetMulti {
	o := netOptions{
		logger:    slog.Default(),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &NetMulti{
		logger:     o.logger,
		chunkSize:  o.chunkSize,
		transports: newTransports(o.logger),
		ctx:        ctx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
		transfers:  make(map[ID]*transfer),
	}
}

// Prepare validates t and resolves its transport.
func (m *NetMulti) Prepare(t *Transfer) error {
	if t == nil {
		return errors.New("nil transfer")
	}
	if t.Handler == nil {
		return errors.New("transfer has no handler")
	}
	if t.URL == nil {
		return errors.New("transfer has no URL")
	}
	switch t.URL.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", t.URL.Scheme)
	}
	if t.URL.Host == "" {
		return errors.New("URL has no host")
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}

	tr, err := m.transports.get(t.Options)
	if err != nil {
		return err
	}
	t.prepared = &prepared{transport: tr}

	return nil
}

// Add registers t and starts it.
func (m *NetMulti) Add(t *Transfer) (ID, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	if t.prepared == nil {
		if err := m.Prepare(t); err != nil {
			return 0, err
		}
	}

	m.nextID++
	tr := newTransfer(m, m.nextID, t)
	m.transfers[tr.id] = tr

	m.logger.Debug("transfer added", "id", tr.id, "method", t.Method, "url", t.URL.Redacted())

	m.wg.Go(tr.run)

	return tr.id, nil
}

// Remove stops id without reporting a Message. Unknown ids are ignored.
func (m *NetMulti) Remove(id ID) error {
	tr, ok := m.transfers[id]
	if !ok {
		return nil
	}

	m.finish(tr)
	m.logger.Debug("transfer removed", "id", id)

	return nil
}

// Unpause redelivers the event held for d, if any.
func (m *NetMulti) Unpause(id ID, d Direction) error {
	tr, ok := m.transfers[id]
	if !ok {
		return nil
	}

	var held *event
	switch d {
	case DirWrite:
		held, tr.heldWrite = tr.heldWrite, nil
	case DirRead:
		held, tr.heldRead = tr.heldRead, nil
	default:
		return fmt.Errorf("unknown direction %d", d)
	}

	if held != nil {
		m.ready = append(m.ready, *held)
	}

	return nil
}

// Perform dispatches every queued event.
func (m *NetMulti) Perform() (int, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}

	ready := m.ready
	m.ready = nil
	for _, ev := range ready {
		m.dispatch(ev)
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range pending {
		m.dispatch(ev)
	}

	return len(m.transfers), nil
}

// Timeout is zero while events are waiting and negative otherwise.
func (m *NetMulti) Timeout() time.Duration {
	if m.hasEvents() {
		return 0
	}
	return -1
}

// Wait blocks until an event arrives, Wakeup is called or timeout passes.
// A negative timeout waits without limit.
func (m *NetMulti) Wait(timeout time.Duration) error {
	if m.isClosed() {
		return ErrClosed
	}
	if m.hasEvents() {
		return nil
	}

	if timeout < 0 {
		<-m.notify
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.notify:
	case <-timer.C:
	}

	return nil
}

// Wakeup interrupts Wait.
func (m *NetMulti) Wakeup() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Messages returns the transfers finished since the last call.
func (m *NetMulti) Messages() []Message {
	msgs := m.messages
	m.messages = nil
	return msgs
}

// Close aborts all transfers and waits for them to unwind.
func (m *NetMulti) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pending = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.transports.closeIdle()

	clear(m.transfers)
	m.ready = nil

	m.logger.Debug("engine closed")

	return nil
}

// =============================================================================

func (m *NetMulti) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *NetMulti) hasEvents() bool {
	if len(m.ready) > 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// enqueue is called from transfer goroutines.
func (m *NetMulti) enqueue(ev event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, ev)
	m.mu.Unlock()

	m.Wakeup()
}

func (m *NetMulti) dispatch(ev event) {
	tr := ev.tr
	if tr.finished {
		return
	}

	h := tr.spec.Handler

	switch ev.kind {
	case eventHeader:
		if err := h.Header(ev.data); err != nil {
			m.abort(tr, fmt.Errorf("header callback: %w", err))
		}

	case eventWrite:
		err := h.Write(ev.data)
		switch {
		case err == nil:
			ev.ack <- nil
		case errors.Is(err, ErrPause):
			tr.heldWrite = &ev
		default:
			m.abort(tr, fmt.Errorf("write callback: %w", err))
		}

	case eventRead:
		n, err := h.Read(ev.data)
		if errors.Is(err, ErrPause) {
			tr.heldRead = &ev
			return
		}
		ev.pulled <- pull{n: n, err: err}

	case eventRewind:
		rw, ok := h.(Rewinder)
		if !ok {
			ev.ack <- ErrNotRewindable
			return
		}
		ev.ack <- rw.Rewind()

	case eventDone:
		m.messages = append(m.messages, Message{ID: tr.id, Err: ev.err, Timing: ev.timing})
		m.finish(tr)
		m.logger.Debug("transfer finished", "id", tr.id, "error", ev.err, "total", ev.timing.Total)
	}
}

// abort fails tr with err, reporting it as a Message.
func (m *NetMulti) abort(tr *transfer, err error) {
	m.messages = append(m.messages, Message{ID: tr.id, Err: err, Timing: tr.timer.snapshot()})
	m.finish(tr)
	m.logger.Debug("transfer aborted", "id", tr.id, "error", err)
}

func (m *NetMulti) finish(tr *transfer) {
	tr.finished = true
	tr.heldWrite = nil
	tr.heldRead = nil
	tr.cancel()
	delete(m.transfers, tr.id)
}
