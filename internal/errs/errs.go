// Package errs defines the error kinds shared by the agent, the transfer
// handler and the client.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks an invalid option, reported before a transfer is queued.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport marks a failure reported by the transport engine.
	ErrTransport = errors.New("transport error")
	// ErrAgentUnreachable is returned once the agent worker has exited.
	ErrAgentUnreachable = errors.New("agent unreachable")
	// ErrCancelled is the internal reason a cancelled transfer stops.
	ErrCancelled = errors.New("transfer cancelled")
)

// Error attaches an operation and an underlying cause to one of the
// sentinel kinds above. Both the kind and the cause match errors.Is.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Configuration wraps err as an ErrConfiguration.
func Configuration(op string, err error) error {
	return wrap(ErrConfiguration, op, err)
}

// Transport wraps err as an ErrTransport unless it already carries a kind.
func Transport(op string, err error) error {
	return wrap(ErrTransport, op, err)
}

// Unreachable returns an ErrAgentUnreachable for op.
func Unreachable(op string, cause error) error {
	return wrap(ErrAgentUnreachable, op, cause)
}

func wrap(kind error, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
