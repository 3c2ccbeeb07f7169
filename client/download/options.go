package download

import (
	"errors"
	"hash"
)

// Option configures a download.
type Option func(*options) error

type options struct {
	checksum     *checksum
	progress     bool
	progressFn   func(Progress)
	skipExisting bool

	batch    int
	hasBatch bool
	queue    *Queue
}

func apply(optFns []Option) (options, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return options{}, err
		}
	}

	if opts.hasBatch && opts.queue != nil {
		return options{}, &Error{Err: ErrConflictingOptions, Detail: "WithBatch cannot be combined with an existing queue"}
	}

	return opts, nil
}

// WithChecksum validates the file against the hex-encoded expected sum
// computed with h, e.g. sha256.New().
func WithChecksum(h hash.Hash, expected string) Option {
	return func(opts *options) error {
		if h == nil {
			return errors.New("hash must not be nil")
		}
		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}

		opts.checksum = &checksum{hash: h, expected: expected}
		return nil
	}
}

// WithProgress logs progress at most once per second.
func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}

// WithProgressFunc calls fn with the download's progress at most once per
// second and once on completion. fn runs on the downloading goroutine.
func WithProgressFunc(fn func(Progress)) Option {
	return func(opts *options) error {
		if fn == nil {
			return errors.New("progress func must not be nil")
		}
		opts.progressFn = fn
		return nil
	}
}

// WithSkipExisting returns immediately when the destination exists.
func WithSkipExisting() Option {
	return func(opts *options) error {
		opts.skipExisting = true
		return nil
	}
}

// WithBatch runs the download in a new queue limited to maxConcurrent
// downloads. A non-positive limit means no limit.
func WithBatch(maxConcurrent int) Option {
	return func(opts *options) error {
		opts.batch = maxConcurrent
		opts.hasBatch = true
		return nil
	}
}

// WithQueue runs the download in an existing queue.
func WithQueue(q *Queue) Option {
	return func(opts *options) error {
		if q == nil {
			return errors.New("queue must not be nil")
		}
		opts.queue = q
		return nil
	}
}

// QueueFor returns the queue the options select: the one given by
// WithQueue, a new one sized by WithBatch, or a new unlimited one.
func QueueFor(optFns ...Option) (*Queue, error) {
	opts, err := apply(optFns)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.queue != nil:
		return opts.queue, nil
	case opts.hasBatch:
		return NewQueue(opts.batch), nil
	default:
		return NewQueue(0), nil
	}
}
