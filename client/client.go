package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/adamwoolhether/agenthttp/client/download"
	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/agent"
	"github.com/adamwoolhether/agenthttp/internal/errs"
	"github.com/adamwoolhether/agenthttp/internal/handler"
	"github.com/adamwoolhether/agenthttp/metrics"
	"github.com/adamwoolhether/agenthttp/throttle"
)

// DefaultUserAgent is sent by requests that set no User-Agent.
const DefaultUserAgent = "agenthttp/1.0"

// Client submits requests to a single agent, which multiplexes them over
// one transport engine. It is safe for concurrent use.
type Client struct {
	agent      agent.Handle
	logger     *slog.Logger
	userAgent  string
	limiter    *throttle.Limiter
	middleware []Middleware
	metrics    *metrics.Collector
	defaults   engine.Options
}

// Build validates the options and starts the client's agent. Invalid
// options are reported as ErrConfiguration.
func Build(optFns ...Option) (*Client, error) {
	opts := options{logger: slog.Default()}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, errs.Configuration("build", fmt.Errorf("applying client option: %w", err))
		}
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		logger:    opts.logger,
		userAgent: DefaultUserAgent,
		metrics:   opts.metrics,
		defaults:  opts.transfer,
	}

	if opts.userAgent != nil {
		c.userAgent = *opts.userAgent
	}

	if opts.tracerProvider != nil {
		c.middleware = append(c.middleware, Tracing(opts.tracerProvider))
	}
	if opts.cookieJar != nil {
		c.middleware = append(c.middleware, Cookies(opts.cookieJar))
	}
	c.middleware = append(c.middleware, opts.middleware...)

	if opts.throttle != nil {
		l, err := throttle.New(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return c.logger })
		if err != nil {
			return nil, errs.Configuration("build", fmt.Errorf("configuring throttle: %w", err))
		}
		c.limiter = l
	}

	multi := opts.engine
	if multi == nil {
		multi = engine.NewNetMulti(engine.WithLogger(c.logger))
	}

	agentOpts := []agent.Option{agent.WithLogger(c.logger)}
	if opts.metrics != nil {
		agentOpts = append(agentOpts, agent.WithObserver(opts.metrics))
	}
	if opts.maxWait > 0 {
		agentOpts = append(agentOpts, agent.WithMaxWait(opts.maxWait))
	}

	a, err := agent.New(multi, agentOpts...)
	if err != nil {
		return nil, err
	}
	c.agent = a

	return c, nil
}

// Close fails in-flight requests with ErrAgentUnreachable and stops the
// agent. Requests sent afterwards fail the same way.
func (c *Client) Close() error {
	return c.agent.Close()
}

// Active reports the number of transfers the engine is running.
func (c *Client) Active() int {
	return c.agent.Active()
}

// Metrics returns the collector given to WithMetrics, or nil.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Send prepares req for submission. It applies the default User-Agent and
// the request middleware but performs no I/O: the request is submitted by
// the first [ResponseFuture.Await].
func (c *Client) Send(req *http.Request) *ResponseFuture {
	if req == nil {
		return failedFuture(c, errs.Configuration("send", errors.New("request must not be nil")))
	}
	if req.URL == nil {
		return failedFuture(c, errs.Configuration("send", errors.New("request has no URL")))
	}

	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	for _, mw := range c.middleware {
		req = mw.FilterRequest(req)
	}

	return newFuture(c, req)
}

// Do sends req and waits for its response headers. The caller must close
// the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := context.Background()
	if req != nil {
		ctx = req.Context()
	}
	return c.Send(req).Await(ctx)
}

// Get issues a GET to rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.simple(ctx, http.MethodGet, rawURL, "", nil)
}

// Head issues a HEAD to rawURL.
func (c *Client) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.simple(ctx, http.MethodHead, rawURL, "", nil)
}

// Post issues a POST to rawURL with the given body and Content-Type.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.simple(ctx, http.MethodPost, rawURL, contentType, body)
}

// Put issues a PUT to rawURL with the given body and Content-Type.
func (c *Client) Put(ctx context.Context, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	return c.simple(ctx, http.MethodPut, rawURL, contentType, body)
}

// Delete issues a DELETE to rawURL.
func (c *Client) Delete(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.simple(ctx, http.MethodDelete, rawURL, "", nil)
}

func (c *Client) simple(ctx context.Context, method, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errs.Configuration("request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Call sends req and requires the response status to be expCode. With
// [WithDestination] the JSON body is decoded into the given value.
func (c *Client) Call(req *http.Request, expCode int, opts ...DoOption) error {
	var do doOpts
	for _, opt := range opts {
		if err := opt(&do); err != nil {
			return err
		}
	}

	return c.exec(req, expCode, func(resp *http.Response) error {
		if do.responseBody == nil {
			return nil
		}

		dec := json.NewDecoder(resp.Body)
		if do.useJSONNum {
			dec.UseNumber()
		}
		if err := dec.Decode(do.responseBody); err != nil {
			return fmt.Errorf("decoding body: %w", err)
		}
		return nil
	})
}

// Download saves the body of req's response to destPath. The body is
// written to a temporary file beside destPath and renamed into place only
// once it is complete, so destPath never holds a partial download.
func (c *Client) Download(req *http.Request, expCode int, destPath string, opts ...DownloadOption) error {
	if destPath == "" {
		return errors.New("destPath must not be empty")
	}

	return c.exec(req, expCode, func(resp *http.Response) error {
		err := download.Save(req.Context(), resp.Body, resp.ContentLength, destPath, c.logger, opts...)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		return nil
	})
}

// DownloadAsync starts Download in a queue and returns immediately. Use
// [WithBatch] to limit concurrency and [DownloadResult.Add] to queue more
// files.
func (c *Client) DownloadAsync(req *http.Request, expCode int, destPath string, opts ...DownloadOption) (*DownloadResult, error) {
	if destPath == "" {
		return nil, errors.New("destPath must not be empty")
	}

	q, err := download.QueueFor(opts...)
	if err != nil {
		return nil, err
	}

	work := func(ctx context.Context) error {
		return c.Download(req.WithContext(ctx), expCode, destPath, opts...)
	}

	return q.Start(req.Context(), work, c.DownloadAsync), nil
}

// Request instantiates an *http.Request with the provided information.
// It's just a convenience method that wraps the public Request func.
func (c *Client) Request(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*http.Request, error) {
	return Request(ctx, reqURL, method, opts...)
}

// URL creates a url.URL for use in Request.
// It's just a convenience method that wraps the public URL func.
func (c *Client) URL(scheme, host, path string, opts ...URLOption) *url.URL {
	return URL(scheme, host, path, opts...)
}

// exec sends req and hands a response carrying expCode to fn. Any other
// status becomes an *UnexpectedStatusError. Unread body bytes are drained
// unless fn failed, since a failed fn may have left the stream broken.
func (c *Client) exec(req *http.Request, expCode int, fn func(*http.Response) error) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("exec http do: %w", err)
	}

	drain := true
	defer func() {
		if drain {
			if _, err := io.Copy(io.Discard, resp.Body); err != nil {
				c.logger.Debug("draining response body", "error", err)
			}
		}
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("closing response body", "error", err)
		}
	}()

	if resp.StatusCode != expCode {
		return statusError(resp)
	}

	if err := fn(resp); err != nil {
		drain = false
		return fmt.Errorf("exec fn: %w", err)
	}

	return nil
}

func statusError(resp *http.Response) *UnexpectedStatusError {
	b, err := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	if err != nil {
		b = []byte("unable to read body")
	}

	kind := ErrUnexpectedStatusCode
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errors.Join(ErrUnexpectedStatusCode, ErrAuthFailure)
	}

	return &UnexpectedStatusError{StatusCode: resp.StatusCode, Body: string(b), Err: kind}
}

// submit turns req into a transfer and hands it to the agent.
func (c *Client) submit(ctx context.Context, req *http.Request) (*handler.Handler, uint64, error) {
	if err := req.Context().Err(); err != nil {
		return nil, 0, err
	}
	if err := c.limiter.Wait(ctx, req.URL.Host); err != nil {
		return nil, 0, err
	}

	t := &engine.Transfer{
		Method:  req.Method,
		URL:     req.URL,
		Header:  req.Header.Clone(),
		Options: overrides(req.Context()).Merge(c.defaults),
	}
	if req.Host != "" && req.Host != req.URL.Host {
		t.Header.Set("Host", req.Host)
	}

	token := agent.NextToken()
	hopts := []handler.Option{
		handler.WithLogger(c.logger.With("token", token)),
		handler.WithCancel(func() { c.agent.Cancel(token) }),
		handler.WithUnpauseWrite(func() { c.agent.UnpauseWrite(token) }),
		handler.WithUnpauseRead(func() { c.agent.UnpauseRead(token) }),
		handler.WithFollowRedirects(t.Options.Redirect != nil && t.Options.Redirect.Mode != engine.RedirectModeNone),
	}

	if req.Body != nil && req.Body != http.NoBody {
		src, err := uploadSource(req)
		if err != nil {
			return nil, 0, errs.Configuration("request body", err)
		}
		hopts = append(hopts, src, handler.WithOnRelease(func() { req.Body.Close() }))

		t.Upload = true
		t.UploadSize = req.ContentLength
		if t.UploadSize <= 0 {
			t.UploadSize = -1
		}
	}

	h := handler.New(hopts...)
	t.Replayable = t.Upload && h.Replayable()

	if err := c.agent.Submit(agent.Submission{Token: token, Transfer: t, Sink: h}); err != nil {
		return nil, 0, err
	}

	c.logger.Debug("transfer submitted", "token", token, "method", t.Method, "url", t.URL.Redacted())

	return h, token, nil
}

// uploadSource replays bodies that can be rebuilt from memory and streams
// everything else.
func uploadSource(req *http.Request) (handler.Option, error) {
	if req.GetBody == nil {
		return handler.WithStream(req.Body), nil
	}

	rc, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}

	return handler.WithBytes(buf.Bytes()), nil
}

// Request instantiates an *http.Request with the provided information.
// Content-Type defaults to `application/json` if unspecified via WithContentType.
func Request(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*http.Request, error) {
	var settings requestOpts
	for _, opt := range opts {
		err := opt(&settings)
		if err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if settings.body != nil {
		var payload bytes.Buffer
		if err := json.NewEncoder(&payload).Encode(settings.body); err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
		body = &payload
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("instantiating request: %w", err)
	}

	for _, cookie := range settings.cookies {
		req.AddCookie(cookie)
	}

	var contentType string
	if settings.contentType == nil {
		contentType = "application/json"
	} else {
		contentType = *settings.contentType
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range settings.headers {
		for _, element := range v {
			req.Header.Add(k, element)
		}
	}

	return req, nil
}

// URL creates a url.URL for use in Request.
func URL(scheme, host, path string, opts ...URLOption) *url.URL {
	var settings urlOpts
	for _, opt := range opts {
		opt(&settings)
	}

	if settings.port != nil {
		host = fmt.Sprintf("%s:%d", host, *settings.port)
	}

	endpoint := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}

	if settings.queryStrings != nil {
		queryParams := url.Values{}
		for k, v := range settings.queryStrings {
			queryParams.Add(k, v)
		}

		endpoint.RawQuery = queryParams.Encode()
	}

	return &endpoint
}

// Text reads and closes the response body.
func Text(resp *http.Response) (string, error) {
	b, err := Bytes(resp)
	return string(b), err
}

// Bytes reads and closes the response body.
func Bytes(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return b, fmt.Errorf("reading body: %w", err)
	}
	return b, nil
}
