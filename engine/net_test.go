package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adamwoolhether/agenthttp/engine"
)

// recorder is a Handler that keeps everything it is given.
type recorder struct {
	lines  []string
	body   bytes.Buffer
	upload io.Reader

	pauseWrites int
}

func (r *recorder) Header(line []byte) error {
	r.lines = append(r.lines, string(line))
	return nil
}

func (r *recorder) Write(p []byte) error {
	if r.pauseWrites > 0 {
		r.pauseWrites--
		return engine.ErrPause
	}
	r.body.Write(p)
	return nil
}

func (r *recorder) Read(p []byte) (int, error) {
	if r.upload == nil {
		return 0, io.EOF
	}
	return r.upload.Read(p)
}

func (r *recorder) statusLines() []string {
	var out []string
	for _, l := range r.lines {
		if strings.HasPrefix(l, "HTTP/") {
			out = append(out, strings.TrimSpace(l))
		}
	}
	return out
}

// drive runs the engine loop until every added transfer has a message.
func drive(t *testing.T, m *engine.NetMulti, want int, onIdle func()) map[engine.ID]engine.Message {
	t.Helper()

	done := make(map[engine.ID]engine.Message)
	deadline := time.Now().Add(10 * time.Second)

	for len(done) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d of %d transfers finished", len(done), want)
		}
		if _, err := m.Perform(); err != nil {
			t.Fatalf("perform: %v", err)
		}
		for _, msg := range m.Messages() {
			done[msg.ID] = msg
		}
		if onIdle != nil {
			onIdle()
		}
		if err := m.Wait(50 * time.Millisecond); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	return done
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

func TestNetMulti_HelloWorld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		fmt.Fprint(w, "hello world")
	}))
	defer srv.Close()

	m := engine.NewNetMulti()
	defer m.Close()

	rec := &recorder{}
	id, err := m.Add(&engine.Transfer{Method: http.MethodGet, URL: mustURL(t, srv.URL), Handler: rec})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	msgs := drive(t, m, 1, nil)
	if err := msgs[id].Err; err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if got := rec.body.String(); got != "hello world" {
		t.Errorf("exp body %q, got %q", "hello world", got)
	}
	if diff := cmp.Diff([]string{"HTTP/1.1 200 OK"}, rec.statusLines()); diff != "" {
		t.Errorf("status lines mismatch (-want +got):\n%s", diff)
	}
	if last := rec.lines[len(rec.lines)-1]; last != "\r\n" {
		t.Errorf("expected header block to end with a blank line, got %q", last)
	}
	if msgs[id].Timing.Total <= 0 {
		t.Errorf("expected total timing to be recorded")
	}
}

func TestNetMulti_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("Referer"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	follow := engine.RedirectFollow()
	none := engine.RedirectNone()
	limit := engine.RedirectLimit(1)
	autoRef := true

	testCases := []struct {
		name      string
		opts      engine.Options
		expStatus []string
		expBody   string
		anyBody   bool
		expErr    bool
	}{
		{
			name:      "default returns first hop",
			expStatus: []string{"HTTP/1.1 302 Found"},
			anyBody:   true,
		},
		{
			name:      "explicit none",
			opts:      engine.Options{Redirect: &none},
			expStatus: []string{"HTTP/1.1 302 Found"},
			anyBody:   true,
		},
		{
			name: "follow emits every hop",
			opts: engine.Options{Redirect: &follow},
			expStatus: []string{
				"HTTP/1.1 302 Found",
				"HTTP/1.1 301 Moved Permanently",
				"HTTP/1.1 200 OK",
			},
		},
		{
			name: "follow with referer",
			opts: engine.Options{Redirect: &follow, AutoReferer: &autoRef},
			expStatus: []string{
				"HTTP/1.1 302 Found",
				"HTTP/1.1 301 Moved Permanently",
				"HTTP/1.1 200 OK",
			},
			expBody: srv.URL + "/middle",
		},
		{
			name:   "limit exceeded",
			opts:   engine.Options{Redirect: &limit},
			expErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := engine.NewNetMulti()
			defer m.Close()

			rec := &recorder{}
			id, err := m.Add(&engine.Transfer{
				Method:  http.MethodGet,
				URL:     mustURL(t, srv.URL+"/start"),
				Options: tc.opts,
				Handler: rec,
			})
			if err != nil {
				t.Fatalf("add: %v", err)
			}

			msgs := drive(t, m, 1, nil)
			if tc.expErr {
				if msgs[id].Err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err := msgs[id].Err; err != nil {
				t.Fatalf("transfer failed: %v", err)
			}

			if diff := cmp.Diff(tc.expStatus, rec.statusLines()); diff != "" {
				t.Errorf("status lines mismatch (-want +got):\n%s", diff)
			}
			if got := rec.body.String(); !tc.anyBody && got != tc.expBody {
				t.Errorf("exp body %q, got %q", tc.expBody, got)
			}
		})
	}
}

func TestNetMulti_PauseAndUnpause(t *testing.T) {
	payload := strings.Repeat("x", 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	m := engine.NewNetMulti(engine.WithChunkSize(4 << 10))
	defer m.Close()

	rec := &recorder{pauseWrites: 3}
	id, err := m.Add(&engine.Transfer{Method: http.MethodGet, URL: mustURL(t, srv.URL), Handler: rec})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// The held chunk is redelivered only after an explicit unpause.
	msgs := drive(t, m, 1, func() {
		if err := m.Unpause(id, engine.DirWrite); err != nil {
			t.Fatalf("unpause: %v", err)
		}
	})
	if err := msgs[id].Err; err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if rec.body.Len() != len(payload) {
		t.Errorf("exp %d body bytes, got %d", len(payload), rec.body.Len())
	}
}

func TestNetMulti_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s:%d:%s", r.Method, r.ContentLength, b)
	}))
	defer srv.Close()

	testCases := []struct {
		name string
		size int64
		exp  string
	}{
		{name: "known length", size: 5, exp: "POST:5:hello"},
		{name: "unknown length", size: -1, exp: "POST:-1:hello"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := engine.NewNetMulti()
			defer m.Close()

			rec := &recorder{upload: strings.NewReader("hello")}
			id, err := m.Add(&engine.Transfer{
				Method:     http.MethodPost,
				URL:        mustURL(t, srv.URL),
				Upload:     true,
				UploadSize: tc.size,
				Handler:    rec,
			})
			if err != nil {
				t.Fatalf("add: %v", err)
			}

			msgs := drive(t, m, 1, nil)
			if err := msgs[id].Err; err != nil {
				t.Fatalf("transfer failed: %v", err)
			}
			if got := rec.body.String(); got != tc.exp {
				t.Errorf("exp %q, got %q", tc.exp, got)
			}
		})
	}
}

// rewindable is a recorder whose upload restarts on Rewind.
type rewindable struct {
	recorder
	data    string
	rewinds int
}

func (r *rewindable) Rewind() error {
	r.rewinds++
	r.upload = strings.NewReader(r.data)
	return nil
}

func TestNetMulti_RedirectResendsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Redirect(w, r, "/end", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s:%s", r.Method, b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	follow := engine.RedirectFollow()

	testCases := []struct {
		name       string
		replayable bool
		expStatus  []string
		expBody    string
		expRewinds int
	}{
		{
			name:       "replayable",
			replayable: true,
			expStatus:  []string{"HTTP/1.1 307 Temporary Redirect", "HTTP/1.1 200 OK"},
			expBody:    "POST:hello",
			expRewinds: 1,
		},
		{
			name:      "streamed",
			expStatus: []string{"HTTP/1.1 307 Temporary Redirect"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := engine.NewNetMulti()
			defer m.Close()

			rec := &rewindable{recorder: recorder{upload: strings.NewReader("hello")}, data: "hello"}
			id, err := m.Add(&engine.Transfer{
				Method:     http.MethodPost,
				URL:        mustURL(t, srv.URL+"/start"),
				Upload:     true,
				UploadSize: 5,
				Replayable: tc.replayable,
				Options:    engine.Options{Redirect: &follow},
				Handler:    rec,
			})
			if err != nil {
				t.Fatalf("add: %v", err)
			}

			msgs := drive(t, m, 1, nil)
			if err := msgs[id].Err; err != nil {
				t.Fatalf("transfer failed: %v", err)
			}

			if diff := cmp.Diff(tc.expStatus, rec.statusLines()); diff != "" {
				t.Errorf("status lines mismatch (-want +got):\n%s", diff)
			}
			if tc.expBody != "" && rec.body.String() != tc.expBody {
				t.Errorf("exp body %q, got %q", tc.expBody, rec.body.String())
			}
			if rec.rewinds != tc.expRewinds {
				t.Errorf("exp %d rewinds, got %d", tc.expRewinds, rec.rewinds)
			}
		})
	}
}

func TestNetMulti_RemoveStopsCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := engine.NewNetMulti()
	defer m.Close()

	rec := &recorder{}
	id, err := m.Add(&engine.Transfer{Method: http.MethodGet, URL: mustURL(t, srv.URL), Handler: rec})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := m.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Remove(id); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}

	for range 5 {
		running, err := m.Perform()
		if err != nil {
			t.Fatalf("perform: %v", err)
		}
		if running != 0 {
			t.Fatalf("exp no running transfers, got %d", running)
		}
		if msgs := m.Messages(); len(msgs) != 0 {
			t.Fatalf("exp no messages for removed transfer, got %v", msgs)
		}
		_ = m.Wait(10 * time.Millisecond)
	}

	if len(rec.lines) != 0 {
		t.Errorf("exp no header callbacks, got %q", rec.lines)
	}
}

func TestNetMulti_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := engine.NewNetMulti()
	defer m.Close()

	d := 50 * time.Millisecond
	id, err := m.Add(&engine.Transfer{
		Method:  http.MethodGet,
		URL:     mustURL(t, srv.URL),
		Options: engine.Options{Timeout: &d},
		Handler: &recorder{},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	msgs := drive(t, m, 1, nil)
	if !errors.Is(msgs[id].Err, context.DeadlineExceeded) {
		t.Errorf("exp deadline exceeded, got %v", msgs[id].Err)
	}
}

func TestNetMulti_Prepare(t *testing.T) {
	m := engine.NewNetMulti()
	defer m.Close()

	badProxy := "ftp://proxy.local"
	goodProxy := "proxy.local:3128"
	badCipher := []string{"TLS_NOT_A_SUITE"}

	testCases := []struct {
		name   string
		tr     *engine.Transfer
		expErr bool
	}{
		{
			name: "valid",
			tr:   &engine.Transfer{URL: mustURL(t, "http://example.com"), Handler: &recorder{}},
		},
		{
			name:   "missing handler",
			tr:     &engine.Transfer{URL: mustURL(t, "http://example.com")},
			expErr: true,
		},
		{
			name:   "unsupported scheme",
			tr:     &engine.Transfer{URL: mustURL(t, "ftp://example.com"), Handler: &recorder{}},
			expErr: true,
		},
		{
			name: "proxy without scheme",
			tr: &engine.Transfer{
				URL: mustURL(t, "http://example.com"), Handler: &recorder{},
				Options: engine.Options{Proxy: &goodProxy},
			},
		},
		{
			name: "bad proxy scheme",
			tr: &engine.Transfer{
				URL: mustURL(t, "http://example.com"), Handler: &recorder{},
				Options: engine.Options{Proxy: &badProxy},
			},
			expErr: true,
		},
		{
			name: "unknown cipher",
			tr: &engine.Transfer{
				URL: mustURL(t, "https://example.com"), Handler: &recorder{},
				Options: engine.Options{SSLCiphers: badCipher},
			},
			expErr: true,
		},
		{
			name: "missing certificate file",
			tr: &engine.Transfer{
				URL: mustURL(t, "https://example.com"), Handler: &recorder{},
				Options: engine.Options{ClientCertificate: &engine.ClientCertificate{
					Format: engine.FormatP12, Path: "/does/not/exist.p12",
				}},
			},
			expErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Prepare(tc.tr)
			if (err != nil) != tc.expErr {
				t.Fatalf("exp error %t, got %v", tc.expErr, err)
			}
			if err == nil && tc.tr.Method != http.MethodGet {
				t.Errorf("exp method to default to GET, got %q", tc.tr.Method)
			}
		})
	}
}

func TestNetMulti_Closed(t *testing.T) {
	m := engine.NewNetMulti()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := m.Add(&engine.Transfer{URL: mustURL(t, "http://example.com"), Handler: &recorder{}}); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("exp ErrClosed from Add, got %v", err)
	}
	if _, err := m.Perform(); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("exp ErrClosed from Perform, got %v", err)
	}
}
