// Package enginetest provides a scripted engine.Multi for tests that need
// deterministic transfer behaviour without a network.
package enginetest

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/adamwoolhether/agenthttp/engine"
)

// Step is one scripted action of a transfer. Exactly one field is used.
type Step struct {
	Lines []string      // header lines, each without CRLF; "" ends a block
	Body  []byte        // response body chunk
	Echo  bool          // write the uploaded request body as a chunk
	Err   error         // finish with this error
	Sleep time.Duration // hold the transfer for this long
}

// Script is the full life of a transfer. A script that runs out of steps
// finishes successfully.
type Script []Step

// OK returns a script answering 200 with the given body.
func OK(body string) Script {
	return Script{
		{Lines: []string{"HTTP/1.1 200 OK", "Content-Length: " + strconv.Itoa(len(body)), ""}},
		{Body: []byte(body)},
	}
}

// Responder picks the script for a transfer.
type Responder func(t *engine.Transfer) Script

// Multi is a fake engine.Multi. It runs scripts one step per transfer per
// Perform call and honours pauses.
type Multi struct {
	respond Responder

	// PrepareErr, if set, fails Prepare.
	PrepareErr func(t *engine.Transfer) error
	// PerformErr, if set, is returned by Perform once it is non-nil.
	PerformErr func() error

	wake chan struct{}

	mu      sync.Mutex
	added   int
	removed int
	closed  bool
	active  map[engine.ID]*transfer

	nextID   engine.ID
	messages []engine.Message
}

var _ engine.Multi = (*Multi)(nil)

type transfer struct {
	id       engine.ID
	spec     *engine.Transfer
	script   Script
	uploaded []byte
	uploadOK bool

	writePaused bool
	readPaused  bool
	sleepUntil  time.Time
}

// New returns a fake engine answering with respond.
func New(respond Responder) *Multi {
	return &Multi{
		respond: respond,
		wake:    make(chan struct{}, 1),
		active:  make(map[engine.ID]*transfer),
	}
}

func (m *Multi) Prepare(t *engine.Transfer) error {
	if t.Handler == nil {
		return errors.New("transfer has no handler")
	}
	if m.PrepareErr != nil {
		return m.PrepareErr(t)
	}
	return nil
}

func (m *Multi) Add(t *engine.Transfer) (engine.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, engine.ErrClosed
	}

	m.nextID++
	m.added++
	m.active[m.nextID] = &transfer{
		id:       m.nextID,
		spec:     t,
		script:   m.respond(t),
		uploadOK: !t.Upload,
	}

	return m.nextID, nil
}

func (m *Multi) Remove(id engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; ok {
		delete(m.active, id)
		m.removed++
	}
	return nil
}

func (m *Multi) Unpause(id engine.ID, d engine.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[id]
	if !ok {
		return nil
	}
	switch d {
	case engine.DirWrite:
		t.writePaused = false
	case engine.DirRead:
		t.readPaused = false
	}
	return nil
}

func (m *Multi) Perform() (int, error) {
	if m.PerformErr != nil {
		if err := m.PerformErr(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	transfers := make([]*transfer, 0, len(m.active))
	for _, t := range m.active {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()

	// Handlers run without the lock held, as they may call back in.
	for _, t := range transfers {
		if err := m.step(t); err != nil || len(t.script) == 0 && t.uploadOK {
			m.finish(t, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), nil
}

func (m *Multi) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next time.Duration = -1
	for _, t := range m.active {
		switch {
		case !t.sleepUntil.IsZero():
			d := max(time.Until(t.sleepUntil), 0)
			if next < 0 || d < next {
				next = d
			}
		case !t.writePaused && !t.readPaused:
			return 0
		}
	}
	return next
}

func (m *Multi) Wait(timeout time.Duration) error {
	if timeout == 0 {
		return nil
	}
	if timeout < 0 {
		<-m.wake
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.wake:
	case <-timer.C:
	}
	return nil
}

func (m *Multi) Wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multi) Messages() []engine.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages
	m.messages = nil
	return msgs
}

func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	clear(m.active)
	return nil
}

// Added reports how many transfers were registered.
func (m *Multi) Added() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.added
}

// Removed reports how many live transfers were removed.
func (m *Multi) Removed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

// Closed reports whether Close was called.
func (m *Multi) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// =============================================================================

func (m *Multi) live(t *transfer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[t.id]
	return ok
}

func (m *Multi) paused(t *transfer, d engine.Direction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d == engine.DirWrite {
		return t.writePaused
	}
	return t.readPaused
}

func (m *Multi) setPaused(t *transfer, d engine.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d == engine.DirWrite {
		t.writePaused = true
	} else {
		t.readPaused = true
	}
}

// step advances t by one action.
func (m *Multi) step(t *transfer) error {
	if !m.live(t) {
		return nil
	}

	if !t.uploadOK {
		if m.paused(t, engine.DirRead) {
			return nil
		}
		buf := make([]byte, 4)
		n, err := t.spec.Handler.Read(buf)
		t.uploaded = append(t.uploaded, buf[:n]...)
		switch {
		case errors.Is(err, engine.ErrPause):
			m.setPaused(t, engine.DirRead)
		case errors.Is(err, io.EOF):
			t.uploadOK = true
		case err != nil:
			return err
		}
		return nil
	}

	if len(t.script) == 0 || m.paused(t, engine.DirWrite) {
		return nil
	}

	s := t.script[0]
	switch {
	case s.Sleep > 0:
		if t.sleepUntil.IsZero() {
			t.sleepUntil = time.Now().Add(s.Sleep)
		}
		if time.Now().Before(t.sleepUntil) {
			return nil
		}
		t.sleepUntil = time.Time{}

	case s.Lines != nil:
		for _, l := range s.Lines {
			if err := t.spec.Handler.Header([]byte(l + "\r\n")); err != nil {
				return err
			}
		}

	case s.Body != nil || s.Echo:
		body := s.Body
		if s.Echo {
			body = t.uploaded
		}
		err := t.spec.Handler.Write(body)
		if errors.Is(err, engine.ErrPause) {
			m.setPaused(t, engine.DirWrite)
			return nil
		}
		if err != nil {
			return err
		}

	case s.Err != nil:
		return s.Err
	}

	t.script = t.script[1:]
	return nil
}

func (m *Multi) finish(t *transfer, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[t.id]; !ok {
		return
	}
	delete(m.active, t.id)
	m.messages = append(m.messages, engine.Message{ID: t.id, Err: err})
}
