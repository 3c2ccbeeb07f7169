// Package download streams response bodies to disk with optional
// checksum validation and progress reporting.
//
// # Single Download
//
// [Save] writes a body to a temporary file next to the destination and
// renames it into place once every check passed:
//
//	err := download.Save(ctx, resp.Body, resp.ContentLength, destPath, logger,
//		download.WithChecksum(sha256.New(), expectedHex),
//	)
//
// # Batches
//
// A [Queue] runs downloads concurrently under a limit. Each started
// download is tracked by a [Result]:
//
//	q := download.NewQueue(4)
//	r := q.Start(ctx, work, nil)
//	err := r.Wait()
//
// Most callers use [github.com/adamwoolhether/agenthttp/client], which
// re-exports these options and wires Save to the agent's response stream.
package download
