package download

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Progress is a point-in-time view of a download.
type Progress struct {
	Transferred int64
	Total       int64 // -1 when unknown
	Elapsed     time.Duration
	Done        bool
}

// Percent returns the completed share, or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Transferred) / float64(p.Total) * 100
}

// progressWriter reports progress at most once per second.
type progressWriter struct {
	w      io.Writer
	logger *slog.Logger
	fn     func(Progress)

	transferred int64
	total       int64
	startTime   time.Time
	lastReport  time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)

	if time.Since(pw.lastReport) >= time.Second {
		pw.lastReport = time.Now()
		pw.report("downloading", false)
	}

	return n, err
}

// finish reports the final state once the copy succeeded.
func (pw *progressWriter) finish() {
	pw.report("download complete", true)
}

func (pw *progressWriter) report(msg string, done bool) {
	p := Progress{
		Transferred: pw.transferred,
		Total:       pw.total,
		Elapsed:     time.Since(pw.startTime),
		Done:        done,
	}

	if pw.fn != nil {
		pw.fn(p)
	}
	if pw.logger == nil {
		return
	}

	attrs := []any{
		"elapsed", p.Elapsed.Round(time.Millisecond),
		"transferred", p.Transferred,
		"total", p.Total,
	}
	if pct := p.Percent(); pct >= 0 {
		attrs = append(attrs, "progress", fmt.Sprintf("%.1f%%", pct))
	}
	if secs := p.Elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, "mbps", fmt.Sprintf("%.2f", float64(p.Transferred)/secs/(1024*1024)))
	}
	pw.logger.Info(msg, attrs...)
}
