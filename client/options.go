package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/errs"
	"github.com/adamwoolhether/agenthttp/metrics"
	"github.com/adamwoolhether/agenthttp/throttle"
)

// Option is a functional option for configuring a [Client] via [Build].
// Transfer options may also be attached to a single request with
// [WithOverrides] or [Override].
type Option func(*options) error

type options struct {
	perRequest bool

	logger         *slog.Logger
	userAgent      *string
	throttle       *throttle.Config
	middleware     []Middleware
	metrics        *metrics.Collector
	engine         engine.Multi
	tracerProvider trace.TracerProvider
	cookieJar      http.CookieJar
	maxWait        time.Duration

	transfer engine.Options
}

var errClientOnly = errors.New("option only applies to a client")

// clientOnly rejects an option used for a single request.
func clientOnly(name string, fn func(*options) error) Option {
	return func(o *options) error {
		if o.perRequest {
			return fmt.Errorf("%s: %w", name, errClientOnly)
		}
		return fn(o)
	}
}

// =============================================================================
// Transfer options.

// WithTimeout bounds the whole transfer, redirects and body included.
// Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.transfer.Timeout = &d
		return nil
	}
}

// WithConnectTimeout bounds connection setup. It defaults to 300s.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.transfer.ConnectTimeout = &d
		return nil
	}
}

// WithRedirectPolicy sets how redirects are followed. Redirects are not
// followed by default.
func WithRedirectPolicy(p engine.RedirectPolicy) Option {
	return func(o *options) error {
		o.transfer.Redirect = &p
		return nil
	}
}

// WithAutoReferer sets the Referer header when following a redirect.
func WithAutoReferer(enabled bool) Option {
	return func(o *options) error {
		o.transfer.AutoReferer = &enabled
		return nil
	}
}

// WithPreferredHTTPVersion asks for a protocol version. The server may still
// negotiate another.
func WithPreferredHTTPVersion(v engine.Version) Option {
	return func(o *options) error {
		o.transfer.Version = &v
		return nil
	}
}

// WithTCPKeepAlive enables TCP keep-alive probes at the given interval.
func WithTCPKeepAlive(interval time.Duration) Option {
	return func(o *options) error {
		o.transfer.TCPKeepAlive = &interval
		return nil
	}
}

// WithTCPNoDelay toggles Nagle's algorithm.
func WithTCPNoDelay(enabled bool) Option {
	return func(o *options) error {
		o.transfer.TCPNoDelay = &enabled
		return nil
	}
}

// WithProxy routes transfers through an http, https, socks5 or socks5h
// proxy. A proxy without a scheme is treated as http.
func WithProxy(proxy string) Option {
	return func(o *options) error {
		o.transfer.Proxy = &proxy
		return nil
	}
}

// WithMaxUploadSpeed caps the request body rate in bytes per second.
func WithMaxUploadSpeed(bytesPerSec int64) Option {
	return func(o *options) error {
		o.transfer.MaxUploadSpeed = &bytesPerSec
		return nil
	}
}

// WithMaxDownloadSpeed caps the response body rate in bytes per second.
func WithMaxDownloadSpeed(bytesPerSec int64) Option {
	return func(o *options) error {
		o.transfer.MaxDownloadSpeed = &bytesPerSec
		return nil
	}
}

// WithDNSServers resolves host names with the given host:port servers.
func WithDNSServers(servers ...string) Option {
	return func(o *options) error {
		o.transfer.DNSServers = slices.Clone(servers)
		return nil
	}
}

// WithSSLCiphers restricts TLS 1.2 cipher suites to the named ones.
func WithSSLCiphers(ciphers ...string) Option {
	return func(o *options) error {
		o.transfer.SSLCiphers = slices.Clone(ciphers)
		return nil
	}
}

// WithClientCertificate presents a TLS client certificate.
func WithClientCertificate(cert engine.ClientCertificate) Option {
	return func(o *options) error {
		o.transfer.ClientCertificate = &cert
		return nil
	}
}

// =============================================================================
// Client options.

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return clientOnly("WithLogger", func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	})
}

// WithUserAgent replaces the default User-Agent. Requests that set their
// own keep it.
func WithUserAgent(header string) Option {
	return clientOnly("WithUserAgent", func(o *options) error {
		o.userAgent = &header
		return nil
	})
}

// WithThrottle enables token-bucket rate limiting of submissions with the
// given requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return clientOnly("WithThrottle", func(o *options) error {
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	})
}

// WithMiddleware appends middleware. Requests pass through them in the
// order registered, responses in reverse.
func WithMiddleware(mw ...Middleware) Option {
	return clientOnly("WithMiddleware", func(o *options) error {
		for _, m := range mw {
			if m == nil {
				return errors.New("middleware must not be nil")
			}
		}
		o.middleware = append(o.middleware, mw...)
		return nil
	})
}

// WithMetrics reports transfer activity to c.
func WithMetrics(c *metrics.Collector) Option {
	return clientOnly("WithMetrics", func(o *options) error {
		if c == nil {
			return errors.New("metrics collector must not be nil")
		}
		o.metrics = c
		return nil
	})
}

// WithEngine replaces the default [engine.NetMulti]. The client's agent owns
// the engine and closes it.
func WithEngine(m engine.Multi) Option {
	return clientOnly("WithEngine", func(o *options) error {
		if m == nil {
			return errors.New("engine must not be nil")
		}
		o.engine = m
		return nil
	})
}

// WithTracerProvider adds a [Tracing] middleware using tp, registered ahead
// of every other middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return clientOnly("WithTracerProvider", func(o *options) error {
		if tp == nil {
			return errors.New("tracer provider must not be nil")
		}
		o.tracerProvider = tp
		return nil
	})
}

// WithCookieJar keeps cookies across requests in jar, sending the matching
// ones with every request and storing those the responses set. A nil jar
// gets a fresh in-memory one from [NewCookieJar].
func WithCookieJar(jar http.CookieJar) Option {
	return clientOnly("WithCookieJar", func(o *options) error {
		if jar == nil {
			var err error
			if jar, err = NewCookieJar(); err != nil {
				return err
			}
		}
		o.cookieJar = jar
		return nil
	})
}

// WithMaxWait caps how long the agent sleeps between engine polls.
func WithMaxWait(d time.Duration) Option {
	return clientOnly("WithMaxWait", func(o *options) error {
		if d <= 0 {
			return errors.New("max wait must be positive")
		}
		o.maxWait = d
		return nil
	})
}

// =============================================================================
// Per-request overrides.

type overridesKey struct{}

// Override returns a copy of ctx carrying transfer options for requests made
// with it. Overrides win over client defaults, one option at a time.
func Override(ctx context.Context, optFns ...Option) (context.Context, error) {
	o := options{perRequest: true}
	if prev, ok := ctx.Value(overridesKey{}).(engine.Options); ok {
		o.transfer = prev
	}

	for _, opt := range optFns {
		if err := opt(&o); err != nil {
			return nil, errs.Configuration("override", err)
		}
	}

	if err := validateTransfer(o.transfer); err != nil {
		return nil, err
	}

	return context.WithValue(ctx, overridesKey{}, o.transfer), nil
}

// WithOverrides returns a shallow copy of req whose transfer uses optFns
// ahead of the client defaults.
func WithOverrides(req *http.Request, optFns ...Option) (*http.Request, error) {
	ctx, err := Override(req.Context(), optFns...)
	if err != nil {
		return nil, err
	}
	return req.WithContext(ctx), nil
}

func overrides(ctx context.Context) engine.Options {
	o, _ := ctx.Value(overridesKey{}).(engine.Options)
	return o
}

// =============================================================================
// Call, Request and URL options.

// DoOption is a functional option for [Client.Call].
type DoOption func(options *doOpts) error

type doOpts struct {
	responseBody any
	useJSONNum   bool
}

// WithDestination decodes the HTTP response body into bodyTemplate.
// bodyTemplate must be a pointer.
func WithDestination[T any](bodyTemplate *T) DoOption {
	return func(opts *doOpts) error {
		opts.responseBody = bodyTemplate

		return nil
	}
}

// WithJSONNumb tells the JSON decoder to use [json.Decoder.UseNumber],
// preserving number precision as [json.Number] instead of float64.
func WithJSONNumb() DoOption {
	return func(opts *doOpts) error {
		opts.useJSONNum = true

		return nil
	}
}

// RequestOption is a functional option for [Request].
type RequestOption func(options *requestOpts) error

type requestOpts struct {
	body        any
	contentType *string
	cookies     []*http.Cookie
	headers     map[string][]string
}

// WithPayload sets the JSON-encoded request body.
func WithPayload(body any) RequestOption {
	return func(opts *requestOpts) error {
		opts.body = body

		return nil
	}
}

// WithContentType overrides the default "application/json" Content-Type header.
func WithContentType(contentType string) RequestOption {
	return func(opts *requestOpts) error {
		if contentType == "" {
			return errors.New("cannot use empty content type")
		}

		opts.contentType = &contentType

		return nil
	}
}

// WithHeaders adds custom headers to the outgoing request.
func WithHeaders(headers map[string][]string) RequestOption {
	return func(opts *requestOpts) error {
		opts.headers = headers

		return nil
	}
}

// WithCookies attaches the given cookies to the outgoing request.
func WithCookies(cookies ...*http.Cookie) RequestOption {
	return func(opts *requestOpts) error {
		opts.cookies = cookies

		return nil
	}
}

// URLOption is a functional option for [URL].
type URLOption func(options *urlOpts)

type urlOpts struct {
	queryStrings map[string]string
	port         *int
}

// WithQueryStrings appends query parameters to the URL.
func WithQueryStrings(queryKV map[string]string) URLOption {
	return func(opts *urlOpts) {
		opts.queryStrings = queryKV
	}
}

// WithPort sets the port number on the URL's host.
func WithPort(port int) URLOption {
	return func(opts *urlOpts) {
		opts.port = &port
	}
}
