// Package cli implements the agenthttp command.
package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/agenthttp/engine"
)

var version = "0.1.0"

// settings are the resolved flags and config for one invocation.
type settings struct {
	timeout        time.Duration
	connectTimeout time.Duration
	location       bool
	maxRedirs      int
	proxy          string
	version        engine.Version
	userAgent      string
	headers        []string
	data           string
	include        bool
	output         string
	query          string
	stats          bool
	noColor        bool
	verbose        bool
}

// NewRootCommand returns the agenthttp command tree. Running the root
// command with URLs issues GETs, or POSTs when --data is given.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "agenthttp [URL...]",
		Short:   "Fetch URLs concurrently over a single transfer agent",
		Version: version,
		Long: `agenthttp issues HTTP requests through one background agent that
multiplexes every transfer over a single engine. Several URLs are fetched
concurrently and printed in the order given.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}

			s, err := resolve(cmd)
			if err != nil {
				return err
			}

			method := http.MethodGet
			if s.data != "" {
				method = http.MethodPost
			}
			return run(cmd, method, args, s)
		},
	}

	flags := root.PersistentFlags()
	flags.Duration("timeout", 0, "Maximum time for each transfer (0 means no limit)")
	flags.Duration("connect-timeout", 0, "Maximum time to establish a connection")
	flags.BoolP("location", "L", false, "Follow redirects")
	flags.Int("max-redirs", -1, "Maximum redirects to follow with --location (-1 means no limit)")
	flags.String("proxy", "", "Proxy URL (http, https, socks5 or socks5h)")
	flags.Bool("http1.1", false, "Prefer HTTP/1.1")
	flags.Bool("http2", false, "Prefer HTTP/2")
	flags.String("user-agent", "", "User-Agent header to send")
	flags.StringArrayP("header", "H", []string{}, "HTTP headers to include (can be used multiple times)")
	flags.StringP("data", "d", "", "Request body, or @file to read it from a file")
	flags.BoolP("include", "i", false, "Print the response status and headers")
	flags.StringP("output", "o", "", "Write bodies to a file (one URL) or directory (several URLs)")
	flags.String("query", "", "Print the value at this gjson path of a JSON body")
	flags.String("config", "", "YAML file with default settings")
	flags.Bool("stats", false, "Print transfer statistics when done")
	flags.Bool("no-color", false, "Disable colored output")
	flags.BoolP("verbose", "v", false, "Log transfer events to stderr")

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete} {
		root.AddCommand(methodCommand(method))
	}

	return root
}

func methodCommand(method string) *cobra.Command {
	return &cobra.Command{
		Use:   strings.ToLower(method) + " URL...",
		Short: fmt.Sprintf("Make %s requests to the given URLs", method),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolve(cmd)
			if err != nil {
				return err
			}
			return run(cmd, method, args, s)
		},
	}
}

// resolve layers the command-line flags over the config file.
func resolve(cmd *cobra.Command) (settings, error) {
	flags := cmd.Flags()

	var s settings
	s.maxRedirs = -1

	if path, _ := flags.GetString("config"); path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			return settings{}, err
		}
		if err := s.apply(cfg); err != nil {
			return settings{}, err
		}
	}

	if flags.Changed("timeout") {
		s.timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("connect-timeout") {
		s.connectTimeout, _ = flags.GetDuration("connect-timeout")
	}
	if flags.Changed("location") {
		s.location, _ = flags.GetBool("location")
	}
	if flags.Changed("max-redirs") {
		s.maxRedirs, _ = flags.GetInt("max-redirs")
	}
	if flags.Changed("proxy") {
		s.proxy, _ = flags.GetString("proxy")
	}
	if flags.Changed("user-agent") {
		s.userAgent, _ = flags.GetString("user-agent")
	}
	if flags.Changed("stats") {
		s.stats, _ = flags.GetBool("stats")
	}

	http11, _ := flags.GetBool("http1.1")
	http2, _ := flags.GetBool("http2")
	switch {
	case http11 && http2:
		return settings{}, errors.New("--http1.1 and --http2 are mutually exclusive")
	case http11:
		s.version = engine.Version11
	case http2:
		s.version = engine.Version2
	}

	headers, _ := flags.GetStringArray("header")
	s.headers = append(s.headers, headers...)
	for _, h := range s.headers {
		if k, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(k) == "" {
			return settings{}, fmt.Errorf("invalid header %q: want \"Name: value\"", h)
		}
	}

	s.data, _ = flags.GetString("data")
	s.include, _ = flags.GetBool("include")
	s.output, _ = flags.GetString("output")
	s.query, _ = flags.GetString("query")
	s.noColor, _ = flags.GetBool("no-color")
	s.verbose, _ = flags.GetBool("verbose")

	return s, nil
}

func (s *settings) apply(cfg *Config) error {
	var err error
	if s.timeout, err = parseDuration("timeout", cfg.Timeout); err != nil {
		return err
	}
	if s.connectTimeout, err = parseDuration("connectTimeout", cfg.ConnectTimeout); err != nil {
		return err
	}

	s.location = cfg.Location
	if cfg.MaxRedirs != nil {
		s.maxRedirs = *cfg.MaxRedirs
	}
	s.proxy = cfg.Proxy
	s.userAgent = cfg.UserAgent
	s.stats = cfg.Stats

	switch cfg.HTTPVersion {
	case "":
	case "1.1":
		s.version = engine.Version11
	case "2":
		s.version = engine.Version2
	default:
		return fmt.Errorf("config httpVersion: unsupported value %q", cfg.HTTPVersion)
	}

	for k, v := range cfg.Headers {
		s.headers = append(s.headers, k+": "+v)
	}

	return nil
}
