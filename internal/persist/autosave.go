package persist

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

// DefaultRecoveryDelay is how long edits must settle before a recovery save.
const DefaultRecoveryDelay = 2 * time.Second

// Autosaver writes a recovery copy of the project once edits pause. Only the
// latest scheduled project is written.
type Autosaver struct {
	path      string
	debounced func(func())
	logger    *slog.Logger

	mu      sync.Mutex
	pending *timeline.Project
	saves   int
}

// NewAutosaver returns an Autosaver writing to path after delay of quiet.
// A nil logger means slog.Default().
func NewAutosaver(path string, delay time.Duration, logger *slog.Logger) *Autosaver {
	if delay <= 0 {
		delay = DefaultRecoveryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosaver{
		path:      path,
		debounced: debounce.New(delay),
		logger:    logger,
	}
}

// Path returns the recovery file location.
func (a *Autosaver) Path() string { return a.path }

// Schedule records a copy of p and restarts the quiet timer.
func (a *Autosaver) Schedule(p *timeline.Project) {
	a.mu.Lock()
	a.pending = p.Clone()
	a.mu.Unlock()
	a.debounced(func() {
		if err := a.Flush(); err != nil {
			a.logger.Warn("recovery save failed", "path", a.path, "err", err)
		}
	})
}

// Flush writes the pending project now, if there is one.
func (a *Autosaver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	if err := Save(a.path, a.pending); err != nil {
		return err
	}
	a.pending = nil
	a.saves++
	a.logger.Debug("recovery saved", "path", a.path)
	return nil
}

// Saves reports how many recovery files have been written.
func (a *Autosaver) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}
