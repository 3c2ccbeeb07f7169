package cli

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/adamwoolhether/agenthttp/metrics"
)

// colorScheme defines the colors used for different elements in the output.
type colorScheme struct {
	URL         *color.Color
	StatusOK    *color.Color
	StatusWarn  *color.Color
	StatusError *color.Color
	HeaderKey   *color.Color
	Error       *color.Color
	Stats       *color.Color
}

func newColorScheme(enabled bool) *colorScheme {
	s := &colorScheme{
		URL:         color.New(color.FgCyan, color.Bold),
		StatusOK:    color.New(color.FgGreen, color.Bold),
		StatusWarn:  color.New(color.FgYellow, color.Bold),
		StatusError: color.New(color.FgRed, color.Bold),
		HeaderKey:   color.New(color.FgYellow),
		Error:       color.New(color.FgRed),
		Stats:       color.New(color.FgMagenta),
	}

	for _, c := range []*color.Color{s.URL, s.StatusOK, s.StatusWarn, s.StatusError, s.HeaderKey, s.Error, s.Stats} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return s
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type printer struct {
	out    io.Writer
	errOut io.Writer
	colors *colorScheme
}

func newPrinter(out, errOut io.Writer, noColor bool) *printer {
	return &printer{
		out:    out,
		errOut: errOut,
		colors: newColorScheme(!noColor && isTerminal(out)),
	}
}

func (p *printer) banner(url string) {
	p.colors.URL.Fprintf(p.out, "==> %s\n", url)
}

func (p *printer) head(resp *http.Response) {
	status := p.colors.StatusOK
	switch {
	case resp.StatusCode >= 400:
		status = p.colors.StatusError
	case resp.StatusCode >= 300:
		status = p.colors.StatusWarn
	}
	status.Fprintf(p.out, "%s %s\n", resp.Proto, resp.Status)

	for _, key := range slices.Sorted(maps.Keys(resp.Header)) {
		for _, v := range resp.Header[key] {
			p.colors.HeaderKey.Fprint(p.out, key+":")
			fmt.Fprintf(p.out, " %s\n", v)
		}
	}
	fmt.Fprintln(p.out)
}

func (p *printer) body(b []byte) {
	_, _ = p.out.Write(b)
	if len(b) > 0 && b[len(b)-1] != '\n' {
		fmt.Fprintln(p.out)
	}
}

func (p *printer) failure(url string, err error) {
	p.colors.Error.Fprintf(p.errOut, "%s: %v\n", url, err)
}

func (p *printer) stats(s metrics.Snapshot) {
	p.colors.Stats.Fprintf(p.errOut,
		"requests=%d errors=%d cancelled=%d min=%s mean=%s p50=%s p90=%s p99=%s max=%s\n",
		s.Finished, s.Errors, s.Cancelled, s.Min, s.Mean, s.P50, s.P90, s.P99, s.Max)
}
