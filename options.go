package keyseq

import (
	"log/slog"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/config"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cfg       *config.Config
	logger    *slog.Logger
	project   *timeline.Project
	banks     []bank.Bank
	sampleTap func([]float32)
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{cfg: config.Default(), logger: slog.Default()}
}

// WithConfig sets the engine configuration. The default is config.Default().
func WithConfig(cfg *config.Config) SessionOption {
	return func(c *sessionConfig) {
		if cfg != nil {
			c.cfg = cfg
		}
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProject starts the session on p instead of an empty project.
func WithProject(p *timeline.Project) SessionOption {
	return func(c *sessionConfig) {
		c.project = p
	}
}

// WithBanks adds instrument banks next to the built-in one.
func WithBanks(banks ...bank.Bank) SessionOption {
	return func(c *sessionConfig) {
		c.banks = append(c.banks, banks...)
	}
}

// WithSampleTap installs a callback invoked with each rendered stereo block.
// The callback runs on the audio path; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) SessionOption {
	return func(c *sessionConfig) {
		c.sampleTap = tap
	}
}
