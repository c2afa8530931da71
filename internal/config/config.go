// Package config loads the eventsync server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventsync/internal/protocol"
)

// Config is the server configuration.
type Config struct {
	Listen       string     `yaml:"listen"`
	DataDir      string     `yaml:"data_dir"`
	IdleTimeout  Duration   `yaml:"idle_timeout"`
	WriteTimeout Duration   `yaml:"write_timeout"`
	IdleActors   int        `yaml:"idle_actors"`
	Reassembly   Reassembly `yaml:"reassembly"`
	Log          Log        `yaml:"log"`
}

// Reassembly bounds per-connection chunk reassembly.
type Reassembly struct {
	MaxChunks int      `yaml:"max_chunks"`
	MaxBytes  ByteSize `yaml:"max_bytes"`
	TTL       Duration `yaml:"ttl"`
}

// Log selects the log handler.
type Log struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       ":8787",
		DataDir:      "./data",
		IdleTimeout:  Duration(60 * time.Second),
		WriteTimeout: Duration(10 * time.Second),
		IdleActors:   256,
		Reassembly: Reassembly{
			MaxChunks: protocol.DefaultMaxChunks,
			MaxBytes:  protocol.DefaultMaxBytes,
			TTL:       Duration(protocol.DefaultChunkTTL),
		},
		Log: Log{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error. An empty
// file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.IdleActors <= 0 {
		errs = append(errs, fmt.Errorf("idle_actors must be positive, got %d", c.IdleActors))
	}
	if c.Reassembly.MaxChunks <= 0 {
		errs = append(errs, fmt.Errorf("reassembly.max_chunks must be positive, got %d", c.Reassembly.MaxChunks))
	}
	if c.Reassembly.MaxBytes < protocol.MaxFrameSize {
		errs = append(errs, fmt.Errorf("reassembly.max_bytes must be at least %s, got %s",
			ByteSize(protocol.MaxFrameSize), c.Reassembly.MaxBytes))
	}
	if c.Reassembly.TTL <= 0 {
		errs = append(errs, fmt.Errorf("reassembly.ttl must be positive, got %s", c.Reassembly.TTL))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReassemblerConfig returns the protocol reassembly bounds.
func (c Config) ReassemblerConfig() protocol.ReassemblerConfig {
	return protocol.ReassemblerConfig{
		MaxChunks: c.Reassembly.MaxChunks,
		MaxBytes:  int64(c.Reassembly.MaxBytes),
		TTL:       time.Duration(c.Reassembly.TTL),
	}
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalar(node)
	if err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ByteSize is a byte count written either as an integer or as a
// human-readable size ("64MiB", "512 kB").
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalar(node)
	if err != nil {
		return err
	}
	v, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if v > 1<<62 {
		return fmt.Errorf("line %d: size %s too large", node.Line, s)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func scalar(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	return node.Value, nil
}
