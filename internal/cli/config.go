package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds defaults read from a YAML file. Flags given on the command
// line win over it.
type Config struct {
	Timeout        string            `yaml:"timeout"`
	ConnectTimeout string            `yaml:"connectTimeout"`
	Location       bool              `yaml:"location"`
	MaxRedirs      *int              `yaml:"maxRedirs"`
	Proxy          string            `yaml:"proxy"`
	HTTPVersion    string            `yaml:"httpVersion"`
	UserAgent      string            `yaml:"userAgent"`
	Headers        map[string]string `yaml:"headers"`
	Stats          bool              `yaml:"stats"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}

	return d, nil
}
