package agent

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/adamwoolhether/agenthttp/engine"
)

// safeSink isolates the worker from a sink that panics. A panic in a
// callback becomes an error that aborts only that transfer.
type safeSink struct {
	sink   Sink
	token  uint64
	logger *slog.Logger
}

func (s *safeSink) Header(line []byte) (err error) {
	defer s.catch("header", &err)
	return s.sink.Header(line)
}

func (s *safeSink) Write(p []byte) (err error) {
	defer s.catch("write", &err)
	return s.sink.Write(p)
}

func (s *safeSink) Read(p []byte) (n int, err error) {
	defer s.catch("read", &err)
	return s.sink.Read(p)
}

func (s *safeSink) Rewind() (err error) {
	defer s.catch("rewind", &err)
	rw, ok := s.sink.(engine.Rewinder)
	if !ok {
		return engine.ErrNotRewindable
	}
	return rw.Rewind()
}

func (s *safeSink) Complete(err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic completing transfer", "token", s.token, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.sink.Complete(err)
}

func (s *safeSink) catch(callback string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error("panic in transfer callback", "token", s.token, "callback", callback, "panic", r)
		*err = fmt.Errorf("%s callback panicked: %v", callback, r)
	}
}
