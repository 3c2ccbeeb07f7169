package client

import (
	"hash"

	"github.com/adamwoolhether/agenthttp/client/download"
)

// DownloadOption tunes [Client.Download] and [Client.DownloadAsync].
type DownloadOption = download.Option

type (
	DownloadError    = download.Error
	DownloadResult   = download.Result
	DownloadProgress = download.Progress
)

// Download failures, matched with errors.Is.
var (
	ErrContentLengthMismatch = download.ErrContentLengthMismatch
	ErrChecksumMismatch      = download.ErrChecksumMismatch
	ErrDownloadCancelled     = download.ErrDownloadCancelled
	ErrGroupShutdown         = download.ErrGroupShutdown
	ErrConflictingOptions    = download.ErrConflictingOptions
)

// WithChecksum verifies the saved file against expected, the hex digest
// produced by h.
func WithChecksum(h hash.Hash, expected string) DownloadOption {
	return download.WithChecksum(h, expected)
}

// WithProgress logs progress through the client's logger.
func WithProgress() DownloadOption { return download.WithProgress() }

// WithProgressFunc hands progress reports to fn.
func WithProgressFunc(fn func(DownloadProgress)) DownloadOption {
	return download.WithProgressFunc(fn)
}

// WithSkipExisting leaves an existing destination untouched.
func WithSkipExisting() DownloadOption { return download.WithSkipExisting() }

// WithBatch opens a queue running at most maxConcurrent downloads; more
// are added with [DownloadResult.Add]. Zero or less removes the limit.
func WithBatch(maxConcurrent int) DownloadOption { return download.WithBatch(maxConcurrent) }
