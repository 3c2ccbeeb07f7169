package client_test

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adamwoolhether/agenthttp/client"
	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/enginetest"
	"github.com/adamwoolhether/agenthttp/metrics"
)

func TestBuild_Validation(t *testing.T) {
	tests := map[string]struct {
		opts      []client.Option
		wantField string
	}{
		"zero rps":            {opts: []client.Option{client.WithThrottle(0, 10)}, wantField: "throttle.RPS"},
		"negative timeout":    {opts: []client.Option{client.WithTimeout(-time.Second)}, wantField: "transfer.timeout"},
		"bad proxy scheme":    {opts: []client.Option{client.WithProxy("ftp://proxy:21")}, wantField: "transfer.proxy"},
		"bad dns server":      {opts: []client.Option{client.WithDNSServers("not a server")}, wantField: "transfer.dnsServers[0]"},
		"zero download speed": {opts: []client.Option{client.WithMaxDownloadSpeed(0)}, wantField: "transfer.maxDownloadSpeed"},
		"missing certificate": {
			opts: []client.Option{client.WithClientCertificate(engine.ClientCertificate{
				Format: engine.FormatPEM,
				Path:   "/does/not/exist.pem",
			})},
			wantField: "transfer.clientCertificate.path",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := client.Build(tc.opts...)
			if !errors.Is(err, client.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}

			var fields client.FieldErrors
			if !errors.As(err, &fields) {
				t.Fatalf("expected FieldErrors, got %T: %v", err, err)
			}
			if len(fields) != 1 || fields[0].Field != tc.wantField {
				t.Errorf("field errors = %v, want one for %s", fields, tc.wantField)
			}
		})
	}
}

func TestBuild_Valid(t *testing.T) {
	c, err := client.Build(
		client.WithTimeout(time.Minute),
		client.WithConnectTimeout(time.Second),
		client.WithRedirectPolicy(engine.RedirectLimit(3)),
		client.WithAutoReferer(true),
		client.WithPreferredHTTPVersion(engine.Version2),
		client.WithTCPKeepAlive(30*time.Second),
		client.WithTCPNoDelay(true),
		client.WithProxy("proxy.internal:3128"),
		client.WithMaxUploadSpeed(1<<20),
		client.WithMaxDownloadSpeed(1<<20),
		client.WithDNSServers("127.0.0.1:53"),
		client.WithSSLCiphers("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"),
		client.WithLogger(slog.Default()),
		client.WithUserAgent("test/1.0"),
		client.WithThrottle(10, 1),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()
}

func TestBuild_NilOptions(t *testing.T) {
	tests := map[string]client.Option{
		"logger":     client.WithLogger(nil),
		"engine":     client.WithEngine(nil),
		"metrics":    client.WithMetrics(nil),
		"middleware": client.WithMiddleware(nil),
		"tracer":     client.WithTracerProvider(nil),
	}

	for name, opt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := client.Build(opt); !errors.Is(err, client.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestOverrides_Precedence(t *testing.T) {
	var mu sync.Mutex
	var seen []engine.Options

	c, _ := scripted(t, func(tr *engine.Transfer) enginetest.Script {
		mu.Lock()
		seen = append(seen, tr.Options)
		mu.Unlock()
		return enginetest.OK("")
	},
		client.WithTimeout(5*time.Second),
		client.WithRedirectPolicy(engine.RedirectFollow()),
	)

	req, err := client.WithOverrides(get(t, t.Context(), "http://example.test/"),
		client.WithTimeout(time.Second),
		client.WithProxy("socks5://proxy:1080"),
	)
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_, _ = client.Bytes(resp)

	resp, err = c.Get(t.Context(), "http://example.test/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = client.Bytes(resp)

	second, fiveSeconds := time.Second, 5*time.Second
	proxy := "socks5://proxy:1080"
	follow := engine.RedirectFollow()

	want := []engine.Options{
		{Timeout: &second, Redirect: &follow, Proxy: &proxy},
		{Timeout: &fiveSeconds, Redirect: &follow},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("transfer options mismatch (-want +got):\n%s", diff)
	}
}

func TestOverrides_Rejected(t *testing.T) {
	tests := map[string]client.Option{
		"client only": client.WithLogger(slog.Default()),
		"invalid":     client.WithProxy("gopher://proxy"),
	}

	for name, opt := range tests {
		t.Run(name, func(t *testing.T) {
			req := get(t, t.Context(), "http://example.test/")
			if _, err := client.WithOverrides(req, opt); !errors.Is(err, client.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestWithMetrics(t *testing.T) {
	collector := metrics.New(prometheus.NewRegistry())

	c, _ := scripted(t, func(*engine.Transfer) enginetest.Script { return enginetest.OK("counted") },
		client.WithMetrics(collector))

	for range 3 {
		resp, err := c.Get(t.Context(), "http://example.test/")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		_, _ = client.Bytes(resp)
	}

	eventually(t, "transfers to be observed", func() bool {
		return collector.Snapshot().Finished == 3
	})
	if c.Metrics() != collector {
		t.Error("Metrics() did not return the configured collector")
	}
	if s := collector.Snapshot(); s.Errors != 0 || s.Cancelled != 0 {
		t.Errorf("snapshot = %+v, want no failures", s)
	}
}

func TestWithThrottle_PacesSubmissions(t *testing.T) {
	c, _ := scripted(t, func(*engine.Transfer) enginetest.Script { return enginetest.OK("") },
		client.WithThrottle(20, 1))

	start := time.Now()
	for range 3 {
		resp, err := c.Get(t.Context(), "http://example.test/")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		_, _ = client.Bytes(resp)
	}

	// One token up front, then one every 50ms.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three throttled requests took %v, want at least 100ms", elapsed)
	}
}
