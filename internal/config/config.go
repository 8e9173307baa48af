// Package config loads the engine configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/keyseq-go/internal/synth"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

// Audio backends.
const (
	BackendEbiten = "ebiten"
	BackendOto    = "oto"
	BackendNone   = "none"
)

// Config is the engine configuration. Zero-valued keys missing from a file
// keep their defaults.
type Config struct {
	SampleRate    int           `yaml:"sample_rate"`
	BlockSize     int           `yaml:"block_size"`
	PPQ           int           `yaml:"ppq"`
	Polyphony     int           `yaml:"polyphony"`
	StealPolicy   string        `yaml:"steal_policy"`
	MasterGain    float64       `yaml:"master_gain"`
	Limiter       bool          `yaml:"limiter"`
	Backend       string        `yaml:"backend"`
	StopAtEnd     bool          `yaml:"stop_at_end"`
	RecoveryPath  string        `yaml:"recovery_path,omitempty"`
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
	LogLevel      string        `yaml:"log_level"`
	Banks         []string      `yaml:"banks,omitempty"`
}

func Default() *Config {
	return &Config{
		SampleRate:    48000,
		BlockSize:     512,
		PPQ:           timeline.DefaultPPQ,
		Polyphony:     32,
		StealPolicy:   synth.StealOldest.String(),
		MasterGain:    0.5,
		Limiter:       true,
		Backend:       BackendEbiten,
		StopAtEnd:     true,
		RecoveryDelay: 2 * time.Second,
		LogLevel:      "info",
	}
}

// Dir returns the per-user configuration directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keyseq"), nil
}

// Path returns the default configuration file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every bad key at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		bad("sample_rate %d out of range 8000..192000", c.SampleRate)
	}
	if c.BlockSize < 16 || c.BlockSize > 8192 {
		bad("block_size %d out of range 16..8192", c.BlockSize)
	}
	if c.PPQ <= 0 {
		bad("ppq must be positive, got %d", c.PPQ)
	}
	if c.Polyphony < 1 || c.Polyphony > 256 {
		bad("polyphony %d out of range 1..256", c.Polyphony)
	}
	if _, err := synth.ParseStealPolicy(c.StealPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.MasterGain < 0 || c.MasterGain > 4 {
		bad("master_gain %g out of range 0..4", c.MasterGain)
	}
	switch c.Backend {
	case BackendEbiten, BackendOto, BackendNone:
	default:
		bad("unknown backend %q", c.Backend)
	}
	if c.RecoveryDelay < 0 {
		bad("negative recovery_delay %s", c.RecoveryDelay)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// SynthParams returns engine parameters for this configuration.
func (c *Config) SynthParams() synth.Params {
	p := synth.DefaultParams()
	p.Polyphony = c.Polyphony
	p.MasterGain = c.MasterGain
	p.Limiter = c.Limiter
	if steal, err := synth.ParseStealPolicy(c.StealPolicy); err == nil {
		p.Steal = steal
	}
	p.MaxBlock = max(p.MaxBlock, c.BlockSize)
	return p
}
