package throttle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	testCases := []struct {
		name   string
		rps    int
		burst  int
		expErr error
	}{
		{
			name:   "Invalid RPS (zero)",
			rps:    0,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid RPS (negative)",
			rps:    -5,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid Burst (zero)",
			rps:    10,
			burst:  0,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid Burst (negative)",
			rps:    10,
			burst:  -5,
			expErr: ErrMustNotBeZero,
		},
		{
			name:  "Valid input",
			rps:   10,
			burst: 20,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(tc.rps, tc.burst, func() *slog.Logger { return nil })
			if tc.expErr != nil {
				if !errors.Is(err, tc.expErr) {
					t.Errorf("exp err %v; got: %v", tc.expErr, err)
				}
			} else {
				if err != nil {
					t.Errorf("exp nil err, got: %v", err)
				}
				if l == nil {
					t.Error("exp non-nil Limiter")
				}
			}
		})
	}
}

func TestLimiter_Wait(t *testing.T) {
	checkContextDeadlineWrapped := func(t *testing.T, err error, caseName string) {
		if !errors.Is(err, ErrWaitingFailed) {
			t.Errorf("%s should have returned ErrWaitingFailed, got: %v", caseName, err)
		}
	}
	checkContextCancelled := func(t *testing.T, err error, caseName string) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s should have returned context.Canceled, got %v", caseName, err)
		}
		if !errors.Is(err, ErrContextEnded) {
			t.Errorf("%s should have returned ErrContextEnded, got: %v", caseName, err)
		}
	}

	testCases := []struct {
		name          string
		rps           int
		burst         int
		numWaits      int
		waitTimeout   time.Duration
		preCancel     bool
		expectErrs    int
		errorCheck    func(t *testing.T, err error, caseName string)
		minDuration   time.Duration
		maxDuration   time.Duration
		withLoggerLog bool
	}{
		{
			name:        "High Limits - Concurrent Load",
			rps:         10000,
			burst:       100,
			numWaits:    50,
			maxDuration: 200 * time.Millisecond,
		},
		{
			name:        "Low Limit - Exceed Burst & Timeout Waiting",
			rps:         5,
			burst:       2,
			numWaits:    5, // 2 use burst, the rest need >50ms each
			waitTimeout: 50 * time.Millisecond,
			expectErrs:  3,
			errorCheck:  checkContextDeadlineWrapped,
		},
		{
			name:          "Low Limit - Exceed Burst - Succeed Waiting",
			rps:           10,
			burst:         5,
			numWaits:      8, // (8-5) / 10 RPS = 0.3 seconds
			waitTimeout:   time.Second,
			minDuration:   300 * time.Millisecond,
			withLoggerLog: true,
		},
		{
			name:       "Pre-Cancelled Context Fails Early",
			rps:        20,
			burst:      10,
			numWaits:   1,
			preCancel:  true,
			expectErrs: 1,
			errorCheck: checkContextCancelled,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, nil))
			logFn := func() *slog.Logger { return nil }
			if tc.withLoggerLog {
				logFn = func() *slog.Logger { return logger }
			}

			l, err := New(tc.rps, tc.burst, logFn)
			if err != nil {
				t.Fatal(err)
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				errs []error
			)

			start := time.Now()
			for range tc.numWaits {
				wg.Go(func() {
					ctx, cancel := waitContext(t, tc.waitTimeout)
					defer cancel()
					if tc.preCancel {
						cancel()
					}

					if err := l.Wait(ctx, "/items"); err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
				})
			}
			wg.Wait()
			duration := time.Since(start)

			if len(errs) != tc.expectErrs {
				t.Errorf("expected %d failed waits; got %d (%v)", tc.expectErrs, len(errs), errs)
			}
			for _, err := range errs {
				if tc.errorCheck != nil {
					tc.errorCheck(t, err, tc.name)
				}
			}
			if tc.minDuration > 0 && duration < tc.minDuration {
				t.Errorf("waits should be slowed down by throttle (>= %v), but took %v", tc.minDuration, duration)
			}
			if tc.maxDuration > 0 && duration > tc.maxDuration {
				t.Errorf("waits should be fast (< %v); but took %v", tc.maxDuration, duration)
			}
			if tc.withLoggerLog && !strings.Contains(logBuf.String(), "throttle tokens exhausted") {
				t.Errorf("expected exhaustion to be logged, got %q", logBuf.String())
			}
		})
	}
}

func waitContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(t.Context(), timeout)
	}
	return context.WithCancel(t.Context())
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	if err := l.Wait(t.Context(), "/"); err != nil {
		t.Errorf("exp nil err from nil limiter, got %v", err)
	}
}

func TestNewReader(t *testing.T) {
	t.Run("unlimited returns source", func(t *testing.T) {
		src := strings.NewReader("abc")
		if r := NewReader(t.Context(), src, 0); r != io.Reader(src) {
			t.Error("expected unlimited reader to be returned unchanged")
		}
	})

	t.Run("limits throughput", func(t *testing.T) {
		payload := strings.Repeat("x", 3000)
		r := NewReader(t.Context(), strings.NewReader(payload), 1000)

		start := time.Now()
		b, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("reading: %v", err)
		}
		elapsed := time.Since(start)

		if string(b) != payload {
			t.Errorf("payload mismatch: got %d bytes", len(b))
		}
		// The first 1000 bytes come from the initial burst.
		if elapsed < 1500*time.Millisecond {
			t.Errorf("expected reads to take >= 1.5s, took %v", elapsed)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		r := NewReader(ctx, strings.NewReader(strings.Repeat("x", 4000)), 1000)

		buf := make([]byte, 1000)
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("first read should use the burst: %v", err)
		}
		cancel()

		if _, err := r.Read(buf); !errors.Is(err, ErrWaitingFailed) {
			t.Errorf("expected ErrWaitingFailed, got %v", err)
		}
	})
}
