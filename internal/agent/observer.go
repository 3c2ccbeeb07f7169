package agent

import (
	"time"

	"github.com/adamwoolhether/agenthttp/engine"
)

// Outcome describes how a transfer ended.
type Outcome struct {
	Err       error
	Cancelled bool
	Duration  time.Duration
	Timing    engine.Timing
	Active    int
}

// Observer is told about transfer lifecycle events. Started and Finished
// are called from the worker goroutine and must not block.
type Observer interface {
	Submitted()
	Started(active int)
	Finished(Outcome)
}

type nopObserver struct{}

func (nopObserver) Submitted()       {}
func (nopObserver) Started(int)      {}
func (nopObserver) Finished(Outcome) {}
