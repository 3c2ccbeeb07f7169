package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/adamwoolhether/agenthttp/throttle"
)

type eventKind int

const (
	eventHeader eventKind = iota
	eventWrite
	eventRead
	eventRewind
	eventDone
)

type pull struct {
	n   int
	err error
}

// event carries one transfer callback to the Perform goroutine.
type event struct {
	kind eventKind
	tr   *transfer
	data []byte

	ack    chan error // eventWrite, eventRewind
	pulled chan pull  // eventRead

	err    error // eventDone
	timing Timing
}

// transfer is the engine side of one registered Transfer.
type transfer struct {
	m    *NetMulti
	id   ID
	spec *Transfer

	ctx    context.Context
	cancel context.CancelFunc
	timer  *timer

	// Owned by the goroutine calling Perform.
	finished  bool
	heldWrite *event
	heldRead  *event
}

func newTransfer(m *NetMulti, id ID, spec *Transfer) *transfer {
	ctx, cancel := context.WithCancel(m.ctx)
	if d := value(spec.Options.Timeout, 0); d > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, d)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	return &transfer{
		m:      m,
		id:     id,
		spec:   spec,
		ctx:    ctx,
		cancel: cancel,
		timer:  &timer{start: time.Now()},
	}
}

// run performs the exchange and reports its outcome as a done event.
func (t *transfer) run() {
	err := t.exchange()
	if err != nil && errors.Is(t.ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}

	t.m.enqueue(event{kind: eventDone, tr: t, err: err, timing: t.timer.finish()})
}

func (t *transfer) exchange() error {
	req, err := t.request()
	if err != nil {
		return err
	}

	client := &http.Client{
		Transport:     t.spec.prepared.transport,
		CheckRedirect: t.checkRedirect,
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	t.emitHead(resp.Proto, resp.Status, resp.Header)

	body := throttle.NewReader(t.ctx, resp.Body, value(t.spec.Options.MaxDownloadSpeed, 0))
	buf := make([]byte, t.m.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := t.write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *transfer) request() (*http.Request, error) {
	ctx := httptrace.WithClientTrace(t.ctx, t.timer.trace(t))

	req, err := http.NewRequestWithContext(ctx, t.spec.Method, t.spec.URL.String(), nil)
	if err != nil {
		return nil, err
	}

	if t.spec.Upload && t.spec.UploadSize != 0 {
		req.Body = t.uploadBody()
		req.ContentLength = max(t.spec.UploadSize, -1)

		if t.spec.Replayable {
			req.GetBody = func() (io.ReadCloser, error) {
				if err := t.rewind(); err != nil {
					return nil, err
				}
				return t.uploadBody(), nil
			}
		}
	}

	req.Header = t.spec.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	return req, nil
}

func (t *transfer) checkRedirect(req *http.Request, via []*http.Request) error {
	policy := value(t.spec.Options.Redirect, RedirectNone())

	switch policy.Mode {
	case RedirectModeNone:
		return http.ErrUseLastResponse
	case RedirectModeLimit:
		if len(via) > policy.Max {
			return fmt.Errorf("stopped after %d redirects", policy.Max)
		}
	}

	if req.Response != nil {
		t.emitHead(req.Response.Proto, req.Response.Status, req.Response.Header)
	}

	if !value(t.spec.Options.AutoReferer, false) && t.spec.Header.Get("Referer") == "" {
		req.Header.Del("Referer")
	}

	return nil
}

// emitHead queues a status line, the header lines and the blank terminator.
func (t *transfer) emitHead(proto, status string, header http.Header) {
	t.header(proto + " " + status + "\r\n")
	for _, key := range slices.Sorted(maps.Keys(header)) {
		for _, v := range header[key] {
			t.header(key + ": " + v + "\r\n")
		}
	}
	t.header("\r\n")
}

func (t *transfer) header(line string) {
	t.m.enqueue(event{kind: eventHeader, tr: t, data: []byte(line)})
}

// write hands p to the handler and waits until it was accepted.
func (t *transfer) write(p []byte) error {
	ack := make(chan error, 1)
	t.m.enqueue(event{kind: eventWrite, tr: t, data: p, ack: ack})

	select {
	case err := <-ack:
		return err
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (t *transfer) uploadBody() io.ReadCloser {
	return io.NopCloser(throttle.NewReader(t.ctx, &uploadReader{t: t}, value(t.spec.Options.MaxUploadSpeed, 0)))
}

// rewind restarts the request body through Handler.Rewind.
func (t *transfer) rewind() error {
	ack := make(chan error, 1)
	t.m.enqueue(event{kind: eventRewind, tr: t, ack: ack})

	select {
	case err := <-ack:
		return err
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// uploadReader pulls request body bytes through Handler.Read.
type uploadReader struct {
	t *transfer
}

func (r *uploadReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	buf := make([]byte, min(len(p), r.t.m.chunkSize))
	pulled := make(chan pull, 1)
	r.t.m.enqueue(event{kind: eventRead, tr: r.t, data: buf, pulled: pulled})

	select {
	case res := <-pulled:
		n := copy(p, buf[:res.n])
		return n, res.err
	case <-r.t.ctx.Done():
		return 0, r.t.ctx.Err()
	}
}

// =============================================================================

// timer records Timing through httptrace hooks.
type timer struct {
	mu sync.Mutex

	start     time.Time
	dnsStart  time.Time
	connStart time.Time
	tlsStart  time.Time
	timing    Timing
}

func (tm *timer) trace(t *transfer) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			tm.mu.Lock()
			tm.dnsStart = time.Now()
			tm.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			tm.mu.Lock()
			tm.timing.DNS = time.Since(tm.dnsStart)
			tm.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			tm.mu.Lock()
			tm.connStart = time.Now()
			tm.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			tm.mu.Lock()
			tm.timing.Connect = time.Since(tm.connStart)
			tm.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			tm.mu.Lock()
			tm.tlsStart = time.Now()
			tm.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			tm.mu.Lock()
			tm.timing.TLS = time.Since(tm.tlsStart)
			tm.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			tm.mu.Lock()
			if tm.timing.FirstByte == 0 {
				tm.timing.FirstByte = time.Since(tm.start)
			}
			tm.mu.Unlock()
		},
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			t.emitHead("HTTP/1.1", interimStatus(code), http.Header(header))
			return nil
		},
	}
}

func (tm *timer) snapshot() Timing {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := tm.timing
	out.Total = time.Since(tm.start)
	return out
}

func (tm *timer) finish() Timing {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.timing.Total = time.Since(tm.start)
	return tm.timing
}

func interimStatus(code int) string {
	if text := http.StatusText(code); text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return strconv.Itoa(code)
}
