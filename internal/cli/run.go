package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/adamwoolhether/agenthttp/client"
	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/metrics"
)

// result is one URL's outcome, kept so output follows argument order.
type result struct {
	url  string
	resp *http.Response
	body []byte
	err  error
}

func run(cmd *cobra.Command, method string, urls []string, s settings) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), s.noColor)

	opts, err := s.clientOptions(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if s.stats {
		collector = metrics.New(prometheus.NewRegistry())
		opts = append(opts, client.WithMetrics(collector))
	}

	c, err := client.Build(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.output != "" {
		err = download(ctx, c, method, urls, s, p)
	} else {
		err = fetch(ctx, c, method, urls, s, p)
	}

	if collector != nil {
		p.stats(collector.Snapshot())
	}

	return err
}

func (s settings) clientOptions(logOut io.Writer) ([]client.Option, error) {
	level := slog.LevelWarn
	if s.verbose {
		level = slog.LevelDebug
	}

	opts := []client.Option{
		client.WithLogger(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))),
	}

	if s.timeout > 0 {
		opts = append(opts, client.WithTimeout(s.timeout))
	}
	if s.connectTimeout > 0 {
		opts = append(opts, client.WithConnectTimeout(s.connectTimeout))
	}
	if s.location {
		policy := engine.RedirectFollow()
		if s.maxRedirs >= 0 {
			policy = engine.RedirectLimit(s.maxRedirs)
		}
		opts = append(opts, client.WithRedirectPolicy(policy), client.WithAutoReferer(true))
	}
	if s.proxy != "" {
		opts = append(opts, client.WithProxy(s.proxy))
	}
	if s.version != engine.VersionAny {
		opts = append(opts, client.WithPreferredHTTPVersion(s.version))
	}
	if s.userAgent != "" {
		opts = append(opts, client.WithUserAgent(s.userAgent))
	}

	return opts, nil
}

// request builds one request from the settings.
func (s settings) request(ctx context.Context, method, rawURL string) (*http.Request, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	var body io.Reader
	var contentType string
	if s.data != "" {
		data, err := s.payload()
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(data)

		contentType = "application/x-www-form-urlencoded"
		if json.Valid([]byte(data)) {
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, h := range s.headers {
		k, v, _ := strings.Cut(h, ":")
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	return req, nil
}

func (s settings) payload() (string, error) {
	name, ok := strings.CutPrefix(s.data, "@")
	if !ok {
		return s.data, nil
	}

	b, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("reading request body: %w", err)
	}
	return string(b), nil
}

// fetch sends every request before awaiting any, so all transfers share
// the agent concurrently.
func fetch(ctx context.Context, c *client.Client, method string, urls []string, s settings, p *printer) error {
	results := make([]result, len(urls))
	futures := make([]*client.ResponseFuture, len(urls))

	for i, u := range urls {
		results[i].url = u
		req, err := s.request(ctx, method, u)
		if err != nil {
			results[i].err = err
			continue
		}
		futures[i] = c.Send(req)
	}

	var wg sync.WaitGroup
	for i, f := range futures {
		if f == nil {
			continue
		}
		wg.Go(func() {
			resp, err := f.Await(ctx)
			if err != nil {
				results[i].err = err
				return
			}
			results[i].resp = resp
			results[i].body, results[i].err = client.Bytes(resp)
		})
	}
	wg.Wait()

	var failed int
	for _, r := range results {
		if len(urls) > 1 {
			p.banner(r.url)
		}
		if err := s.print(p, r); err != nil {
			p.failure(r.url, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(urls))
	}
	return nil
}

func (s settings) print(p *printer, r result) error {
	if r.err != nil {
		return r.err
	}

	if s.include {
		p.head(r.resp)
	}

	if s.query == "" {
		p.body(r.body)
		return nil
	}

	v := gjson.GetBytes(r.body, s.query)
	if !v.Exists() {
		return fmt.Errorf("query %q matched nothing", s.query)
	}
	p.body([]byte(v.String()))

	return nil
}

// download saves each body to disk. Several URLs are saved concurrently
// into the output directory, named after the last path element.
func download(ctx context.Context, c *client.Client, method string, urls []string, s settings, p *printer) error {
	if len(urls) == 1 {
		req, err := s.request(ctx, method, urls[0])
		if err != nil {
			return err
		}
		if err := c.Download(req, http.StatusOK, s.output); err != nil {
			p.failure(urls[0], err)
			return err
		}
		return nil
	}

	if err := os.MkdirAll(s.output, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var batch *client.DownloadResult
	var errs []error
	for i, u := range urls {
		req, err := s.request(ctx, method, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dest := filepath.Join(s.output, fileName(req.URL, i))

		if batch == nil {
			batch, err = c.DownloadAsync(req, http.StatusOK, dest, client.WithBatch(len(urls)))
		} else {
			_, err = batch.Add(req, http.StatusOK, dest)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}

	if batch != nil {
		if err := batch.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.failure(s.output, err)
		return err
	}
	return nil
}

// fileName names the i-th download after its URL path.
func fileName(u *url.URL, i int) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "index.html"
	}
	return fmt.Sprintf("%d-%s", i, name)
}
