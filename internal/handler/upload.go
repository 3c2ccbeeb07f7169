package handler

import (
	"io"
	"sync"

	"github.com/adamwoolhether/agenthttp/engine"
)

// uploadChunk is the read size of the streaming body producer.
const uploadChunk = 16 << 10

// source feeds the request body to Handler.Read.
type source interface {
	read(p []byte) (int, error)
	stop()
}

// memorySource serves an in-memory body directly.
type memorySource struct {
	data []byte
	off  int
}

func (m *memorySource) read(p []byte) (int, error) {
	if m.off >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.off:])
	m.off += n
	return n, nil
}

func (m *memorySource) stop() {}

// streamSource pumps an io.Reader into a bounded channel. The engine side
// never blocks: an empty channel pauses the upload until the pump delivers.
type streamSource struct {
	h *Handler
	r io.Reader

	chunks   chan []byte
	done     chan struct{}
	start    sync.Once
	stopOnce sync.Once

	mu     sync.Mutex
	paused bool
	err    error

	cur []byte // worker only
}

func newStreamSource(r io.Reader, h *Handler) *streamSource {
	return &streamSource{
		h:      h,
		r:      r,
		chunks: make(chan []byte, ChunkBuffer),
		done:   make(chan struct{}),
	}
}

func (s *streamSource) read(p []byte) (int, error) {
	s.start.Do(func() { go s.pump() })

	if len(s.cur) == 0 {
		s.mu.Lock()
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				err := s.err
				s.mu.Unlock()
				if err == nil {
					err = io.EOF
				}
				return 0, err
			}
			s.cur = chunk
		default:
			s.paused = true
			s.mu.Unlock()
			return 0, engine.ErrPause
		}
		s.mu.Unlock()
	}

	n := copy(p, s.cur)
	s.cur = s.cur[n:]

	return n, nil
}

func (s *streamSource) pump() {
	defer func() {
		close(s.chunks)
		s.delivered()
	}()

	for {
		buf := make([]byte, uploadChunk)
		n, err := s.r.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
				s.delivered()
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// delivered resumes the upload if the engine paused it for lack of data.
func (s *streamSource) delivered() {
	s.mu.Lock()
	resume := s.paused
	s.paused = false
	s.mu.Unlock()

	if resume {
		s.h.unpauseRead()
	}
}

func (s *streamSource) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
