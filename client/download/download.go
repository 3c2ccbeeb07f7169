package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Save streams body to a temp file in destPath's directory and renames it
// to destPath once the length and checksum checks pass. The temp file is
// removed on any error. A negative contentLength skips the length check.
func Save(ctx context.Context, body io.Reader, contentLength int64, destPath string, logger *slog.Logger, optFns ...Option) error {
	if destPath == "" {
		return errors.New("destPath must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := apply(optFns)
	if err != nil {
		return fmt.Errorf("applying option: %w", err)
	}

	if opts.skipExisting {
		if _, err := os.Stat(destPath); err == nil {
			logger.Info("skipping existing file", "path", destPath)
			return nil
		}
	}

	body = &contextReader{ctx: ctx, r: body}

	file, err := os.CreateTemp(filepath.Dir(destPath), ".agenthttp-dl-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var successful bool
	defer func() {
		if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Error("defer closing temp file", "error", err)
		}
		if !successful {
			if err := os.Remove(file.Name()); err != nil {
				logger.Error("failed to remove temp file", "error", err)
			}
		}
	}()

	var writer io.Writer = file
	if opts.checksum != nil {
		writer = io.MultiWriter(writer, opts.checksum)
	}

	var progress *progressWriter
	if opts.progress || opts.progressFn != nil {
		progress = &progressWriter{
			w:         writer,
			fn:        opts.progressFn,
			total:     contentLength,
			startTime: time.Now(),
		}
		if opts.progress {
			progress.logger = logger
		}
		writer = progress
	}

	n, err := io.Copy(writer, body)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrDownloadCancelled, err)
		}

		return fmt.Errorf("copying file body: %w", err)
	}

	if contentLength >= 0 && n != contentLength {
		return &Error{
			Err:    ErrContentLengthMismatch,
			Detail: fmt.Sprintf("expected %d bytes, got %d", contentLength, n),
		}
	}

	if err := opts.checksum.Verify(); err != nil {
		return err
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(file.Name(), destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	if progress != nil {
		progress.finish()
	}

	successful = true

	return nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// checksum hashes everything written to it and compares the hex digest,
// ignoring case, once the body is complete.
type checksum struct {
	hash     hash.Hash
	expected string
}

func (c *checksum) Write(p []byte) (int, error) { return c.hash.Write(p) }

func (c *checksum) Verify() error {
	if c == nil {
		return nil
	}

	if got := hex.EncodeToString(c.hash.Sum(nil)); !strings.EqualFold(got, c.expected) {
		return &Error{Err: ErrChecksumMismatch, Detail: fmt.Sprintf("want %s, got %s", c.expected, got)}
	}
	return nil
}
