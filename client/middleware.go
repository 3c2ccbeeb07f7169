package client

import (
	"net/http"
	"net/http/cookiejar"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/net/publicsuffix"
)

// Middleware filters requests before they are submitted and responses once
// their headers arrived. Both run synchronously on the caller's goroutine.
type Middleware interface {
	FilterRequest(*http.Request) *http.Request
	FilterResponse(*http.Response) *http.Response
}

// ErrorFilter is implemented by middleware that wants to see, and may
// replace, the error of a request that failed before its headers arrived.
type ErrorFilter interface {
	FilterError(*http.Request, error) error
}

// MiddlewareFuncs adapts plain functions to [Middleware] and [ErrorFilter].
// Nil fields pass their value through.
type MiddlewareFuncs struct {
	Request  func(*http.Request) *http.Request
	Response func(*http.Response) *http.Response
	Error    func(*http.Request, error) error
}

func (m MiddlewareFuncs) FilterRequest(r *http.Request) *http.Request {
	if m.Request == nil {
		return r
	}
	return m.Request(r)
}

func (m MiddlewareFuncs) FilterResponse(r *http.Response) *http.Response {
	if m.Response == nil {
		return r
	}
	return m.Response(r)
}

func (m MiddlewareFuncs) FilterError(r *http.Request, err error) error {
	if m.Error == nil {
		return err
	}
	return m.Error(r, err)
}

// RequestIDHeader is set by [RequestID].
const RequestIDHeader = "X-Request-Id"

// RequestID sets a random X-Request-Id on requests that have none.
func RequestID() Middleware {
	return MiddlewareFuncs{
		Request: func(r *http.Request) *http.Request {
			if r.Header.Get(RequestIDHeader) == "" {
				r.Header.Set(RequestIDHeader, uuid.NewString())
			}
			return r
		},
	}
}

// =============================================================================

type tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Tracing starts a client span per request and injects its context into the
// request headers. The span ends when the response headers arrive or the
// request fails. A nil tp uses a no-op provider; without propagators the
// global one is used.
func Tracing(tp trace.TracerProvider, propagators ...propagation.TextMapPropagator) Middleware {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	var p propagation.TextMapPropagator
	switch len(propagators) {
	case 0:
		p = otel.GetTextMapPropagator()
	case 1:
		p = propagators[0]
	default:
		p = propagation.NewCompositeTextMapPropagator(propagators...)
	}

	return &tracing{
		tracer:     tp.Tracer("github.com/adamwoolhether/agenthttp/client"),
		propagator: p,
	}
}

func (t *tracing) FilterRequest(r *http.Request) *http.Request {
	ctx, _ := t.tracer.Start(r.Context(), "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.full", r.URL.Redacted()),
			attribute.String("server.address", r.URL.Hostname()),
		),
	)

	t.propagator.Inject(ctx, propagation.HeaderCarrier(r.Header))

	return r.WithContext(ctx)
}

func (t *tracing) FilterResponse(r *http.Response) *http.Response {
	if r.Request == nil {
		return r
	}

	span := trace.SpanFromContext(r.Request.Context())
	span.SetAttributes(attribute.Int("http.response.status_code", r.StatusCode))
	if r.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, r.Status)
	}
	span.End()

	return r
}

func (t *tracing) FilterError(r *http.Request, err error) error {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()

	return err
}

// NewCookieJar returns an empty in-memory jar that refuses cookies scoped
// to public suffixes such as co.uk.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// Cookies adds the cookies jar holds for a request's URL and stores every
// cookie a response sets. Cookies the request already carries win over the
// jar's of the same name.
func Cookies(jar http.CookieJar) Middleware {
	return &cookies{jar: jar}
}

type cookies struct {
	jar http.CookieJar
}

func (c *cookies) FilterRequest(r *http.Request) *http.Request {
	set := make(map[string]bool)
	for _, ck := range r.Cookies() {
		set[ck.Name] = true
	}
	for _, ck := range c.jar.Cookies(r.URL) {
		if !set[ck.Name] {
			r.AddCookie(ck)
		}
	}
	return r
}

func (c *cookies) FilterResponse(r *http.Response) *http.Response {
	if r.Request == nil {
		return r
	}
	if cs := r.Cookies(); len(cs) > 0 {
		c.jar.SetCookies(r.Request.URL, cs)
	}
	return r
}
