// Package throttle rate-limits outbound work using the token-bucket
// algorithm from [golang.org/x/time/rate].
//
// # Request pacing
//
// A [Limiter] paces transfer submissions:
//
//	l, err := throttle.New(
//		10, // requests per second
//		5,  // burst capacity
//		func() *slog.Logger { return slog.Default() },
//	)
//	if err := l.Wait(ctx, "/v1/items"); err != nil { ... }
//
// When the rate limit is exceeded, Wait blocks until a token becomes
// available or ctx is done.
//
// # Byte rates
//
// [NewReader] caps the throughput of an [io.Reader] in bytes per second.
// The transport engine uses it for upload and download speed limits.
package throttle
