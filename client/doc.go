// Package client is an HTTP client whose requests run on a single agent
// goroutine driving a callback-based transport engine.
//
// # Building a Client
//
// Use [Build] to create a [Client] with functional options:
//
//	c, err := client.Build(
//		client.WithTimeout(10 * time.Second),
//		client.WithRedirectPolicy(engine.RedirectFollow()),
//		client.WithUserAgent("myapp/1.0"),
//	)
//	defer c.Close()
//
// Transfer options also apply to a single request, ahead of the client
// defaults:
//
//	req, err = client.WithOverrides(req, client.WithTimeout(time.Second))
//
// # Deferred Responses
//
// [Client.Send] returns a [ResponseFuture]. Nothing is sent until the first
// Await, which returns once the response headers arrived. The body streams
// from the engine as it is read:
//
//	f := c.Send(req)
//	resp, err := f.Await(ctx)
//	defer resp.Body.Close()
//
// [Client.Do], [Client.Get] and friends do both steps at once.
//
// # Calls
//
// Construct a [URL] and [Request], then execute with [Client.Call]:
//
//	u := client.URL("https", "api.example.com", "/v1/resource")
//	req, err := client.Request(ctx, u, http.MethodGet)
//	err = c.Call(req, http.StatusOK, client.WithDestination(&result))
//
// # Downloading Files
//
// Stream a response body directly to disk with optional checksum
// verification and progress reporting:
//
//	err = c.Download(req, http.StatusOK, "/tmp/file.bin",
//		client.WithChecksum(sha256.New(), expectedHex),
//		client.WithProgress(),
//	)
//
// For multiple concurrent downloads, use [WithBatch] to set a concurrency
// limit and [download.Result.Add] to enqueue additional files:
//
//	r, err := c.DownloadAsync(req1, http.StatusOK, "/tmp/a.bin",
//		client.WithBatch(4),
//	)
//	r.Add(req2, http.StatusOK, "/tmp/b.bin")
//	err = r.Wait() // blocks until all downloads finish
//
// # Middleware
//
// [Middleware] filters requests in registration order and responses in
// reverse. [RequestID] and [Tracing] are provided.
package client
