package client

import (
	"errors"
	"fmt"

	"github.com/adamwoolhether/agenthttp/internal/errs"
)

// Error kinds. Match them with errors.Is; the cause of a failure matches
// too, so a timed out transfer is both ErrTransport and
// context.DeadlineExceeded.
var (
	ErrConfiguration    = errs.ErrConfiguration
	ErrTransport        = errs.ErrTransport
	ErrAgentUnreachable = errs.ErrAgentUnreachable
	ErrCancelled        = errs.ErrCancelled
)

// Error carries the operation and cause behind one of the error kinds.
type Error = errs.Error

// Status errors returned by [Client.Call] and [Client.Download].
var (
	ErrUnexpectedStatusCode = errors.New("unexpected status code")

	// ErrAuthFailure accompanies ErrUnexpectedStatusCode for 401 and 403.
	ErrAuthFailure = errors.New("auth failure")
)

// errBodyLimit bounds how much of a mismatched response is kept.
const errBodyLimit = 4 << 10

// UnexpectedStatusError reports a response whose status differed from the
// one the caller asked for. Body holds at most the first 4KB.
type UnexpectedStatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%v: %d, body: %s", e.Err, e.StatusCode, e.Body)
}

func (e *UnexpectedStatusError) Unwrap() error { return e.Err }
