// Package agenthttp exposes the client builder and a process-wide default
// client.
//
// Every [client.Client] multiplexes its requests over a single agent that
// owns one transport engine. The package-level helpers use a client that is
// built on first use and lives for the rest of the process:
//
//	resp, err := agenthttp.Get(ctx, "https://example.com")
//	if err != nil { ... }
//	body, err := client.Text(resp)
package agenthttp

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/adamwoolhether/agenthttp/client"
)

// NewClient instantiates a new *Client with the provided options.
// Callers own the client and should Close it.
func NewClient(opts ...client.Option) (*client.Client, error) {
	return client.Build(opts...)
}

var defaultClient = sync.OnceValues(func() (*client.Client, error) {
	return client.Build()
})

// Default returns the process-wide client, building it on the first call.
// It is never closed.
func Default() (*client.Client, error) {
	return defaultClient()
}

// Send prepares req on the default client. See [client.Client.Send].
func Send(req *http.Request) (*client.ResponseFuture, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Send(req), nil
}

// Do sends req on the default client and waits for its response headers.
func Do(req *http.Request) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Get issues a GET on the default client.
func Get(ctx context.Context, url string) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, url)
}

// Head issues a HEAD on the default client.
func Head(ctx context.Context, url string) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Head(ctx, url)
}

// Post issues a POST on the default client.
func Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Post(ctx, url, contentType, body)
}

// Put issues a PUT on the default client.
func Put(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Put(ctx, url, contentType, body)
}

// Delete issues a DELETE on the default client.
func Delete(ctx context.Context, url string) (*http.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Delete(ctx, url)
}
