package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		matches []error
		not     []error
	}{
		{
			name:    "transport with cause",
			err:     Transport("perform", context.DeadlineExceeded),
			matches: []error{ErrTransport, context.DeadlineExceeded},
			not:     []error{ErrConfiguration, ErrAgentUnreachable},
		},
		{
			name:    "configuration",
			err:     Configuration("prepare", errors.New("bad proxy")),
			matches: []error{ErrConfiguration},
			not:     []error{ErrTransport},
		},
		{
			name:    "unreachable without cause",
			err:     Unreachable("submit", nil),
			matches: []error{ErrAgentUnreachable},
			not:     []error{ErrCancelled},
		},
		{
			name:    "wrapped by fmt",
			err:     fmt.Errorf("await: %w", Transport("perform", errors.New("reset"))),
			matches: []error{ErrTransport},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, target := range tc.matches {
				if !errors.Is(tc.err, target) {
					t.Errorf("expected %v to match %v", tc.err, target)
				}
			}
			for _, target := range tc.not {
				if errors.Is(tc.err, target) {
					t.Errorf("expected %v not to match %v", tc.err, target)
				}
			}
		})
	}
}

func TestWrap_KeepsExistingKind(t *testing.T) {
	inner := Configuration("prepare", errors.New("bad cipher"))

	err := Transport("add", inner)
	if errors.Is(err, ErrTransport) {
		t.Errorf("expected kind to stay configuration, got %v", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration kind, got %v", err)
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrTransport, Op: "perform", Err: errors.New("connection refused")}

	if got, exp := err.Error(), "perform: transport error: connection refused"; got != exp {
		t.Errorf("exp %q, got %q", exp, got)
	}
}
