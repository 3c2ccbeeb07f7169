package engine

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrPause is returned by a Handler to pause its transfer in one direction.
	ErrPause = errors.New("engine: pause transfer")
	// ErrClosed is returned once the Multi has been closed.
	ErrClosed = errors.New("engine: multi closed")
	// ErrNotRewindable is returned by Rewind when the body cannot restart.
	ErrNotRewindable = errors.New("engine: request body cannot be rewound")
)

// ID identifies a transfer registered with a Multi.
type ID uint64

// Direction selects the half of a transfer to pause or resume.
type Direction int

const (
	// DirWrite is the response body flowing to Handler.Write.
	DirWrite Direction = iota + 1
	// DirRead is the request body pulled through Handler.Read.
	DirRead
)

func (d Direction) String() string {
	switch d {
	case DirWrite:
		return "write"
	case DirRead:
		return "read"
	default:
		return "unknown"
	}
}

// Handler receives the events of one transfer. Calls are never concurrent
// with each other and always come from the goroutine calling Perform.
type Handler interface {
	// Header receives one raw status or header line including its CRLF.
	// A blank line terminates a header block. Each redirect hop or interim
	// response starts a new block with a status line.
	Header(line []byte) error

	// Write receives the next response body chunk. p is only valid for the
	// duration of the call. Returning ErrPause keeps the chunk for
	// redelivery after Unpause; any other error aborts the transfer.
	Write(p []byte) error

	// Read fills p with request body bytes. ErrPause suspends the upload
	// until Unpause, io.EOF ends it, any other error aborts the transfer.
	Read(p []byte) (int, error)
}

// Rewinder is implemented by handlers that can restart the request body.
// The engine calls Rewind before resending the body of a Replayable
// transfer, such as when following a 307 or 308 redirect.
type Rewinder interface {
	Rewind() error
}

// Transfer describes one request/response exchange.
type Transfer struct {
	Method string
	URL    *url.URL
	Header http.Header

	// Upload reports whether the request carries a body pulled through
	// Handler.Read. UploadSize is its length, or -1 when unknown.
	Upload     bool
	UploadSize int64

	// Replayable marks an upload whose Handler implements Rewinder. Only
	// replayable bodies are resent on redirects that keep the method.
	Replayable bool

	Options Options
	Handler Handler

	// prepared holds engine state resolved by Prepare.
	prepared *prepared
}

// Timing breaks down where a transfer spent its time.
type Timing struct {
	DNS       time.Duration
	Connect   time.Duration
	TLS       time.Duration
	FirstByte time.Duration
	Total     time.Duration
}

// Message reports a finished transfer. Err is nil on success.
type Message struct {
	ID     ID
	Err    error
	Timing Timing
}

// Multi drives many transfers from a single goroutine.
type Multi interface {
	// Prepare validates t and resolves any engine state it needs. It is
	// safe for concurrent use and does not register t.
	Prepare(t *Transfer) error

	// Add registers t, preparing it first if needed.
	Add(t *Transfer) (ID, error)

	// Remove stops a transfer. No callbacks for id happen afterwards.
	Remove(id ID) error

	// Unpause resumes a direction paused by ErrPause.
	Unpause(id ID, d Direction) error

	// Perform dispatches pending events without blocking and reports how
	// many transfers are still running.
	Perform() (running int, err error)

	// Timeout suggests how long Wait may block. Negative means no
	// suggestion.
	Timeout() time.Duration

	// Wait blocks until there are events to perform, the timeout elapses
	// or Wakeup is called.
	Wait(timeout time.Duration) error

	// Wakeup interrupts a blocked Wait. It is safe for concurrent use.
	Wakeup()

	// Messages returns and clears the transfers finished since the last call.
	Messages() []Message

	// Close aborts every transfer and releases engine resources.
	Close() error
}
