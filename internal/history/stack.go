// Package history applies timeline commands and keeps the undo and redo
// lists. It is the only writer of the project it owns.
package history

import (
	"errors"
	"log/slog"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

type Option func(*Stack)

// WithOnChange installs a callback run after every successful Apply, Undo,
// Redo and Reset.
func WithOnChange(fn func(*timeline.Project)) Option {
	return func(s *Stack) {
		s.onChange = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stack owns a project and its unbounded undo history. It is not safe for
// concurrent use; the control path serializes access.
type Stack struct {
	project  *timeline.Project
	undo     []timeline.Command
	redo     []timeline.Command
	onChange func(*timeline.Project)
	logger   *slog.Logger
}

func New(project *timeline.Project, opts ...Option) *Stack {
	if project == nil {
		project = timeline.New()
	}
	s := &Stack{project: project, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Project returns the owned project. Callers may query it but must mutate it
// only through the stack.
func (s *Stack) Project() *timeline.Project { return s.project }

// Apply performs cmd, records it for undo and clears the redo list.
func (s *Stack) Apply(cmd timeline.Command) error {
	if err := s.project.Apply(cmd); err != nil {
		s.logger.Debug("command rejected", "kind", cmd.Kind().String(), "err", err)
		return err
	}
	s.undo = append(s.undo, cmd)
	clear(s.redo)
	s.redo = s.redo[:0]
	s.logger.Debug("command applied", "kind", cmd.Kind().String(), "undo", len(s.undo))
	s.changed()
	return nil
}

// Undo reverts the most recent command and returns it.
func (s *Stack) Undo() (timeline.Command, error) {
	if len(s.undo) == 0 {
		return nil, ErrNothingToUndo
	}
	cmd := s.undo[len(s.undo)-1]
	if err := s.project.Apply(cmd.Inverse()); err != nil {
		// The inverse of an applied command always fits the state it left
		// behind; failure means the project was modified behind our back.
		return nil, err
	}
	s.undo[len(s.undo)-1] = nil
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, cmd)
	s.logger.Debug("command undone", "kind", cmd.Kind().String(), "undo", len(s.undo), "redo", len(s.redo))
	s.changed()
	return cmd, nil
}

// Redo re-applies the most recently undone command and returns it.
func (s *Stack) Redo() (timeline.Command, error) {
	if len(s.redo) == 0 {
		return nil, ErrNothingToRedo
	}
	cmd := s.redo[len(s.redo)-1]
	if err := s.project.Apply(cmd); err != nil {
		return nil, err
	}
	s.redo[len(s.redo)-1] = nil
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, cmd)
	s.logger.Debug("command redone", "kind", cmd.Kind().String(), "undo", len(s.undo), "redo", len(s.redo))
	s.changed()
	return cmd, nil
}

func (s *Stack) CanUndo() bool { return len(s.undo) > 0 }
func (s *Stack) CanRedo() bool { return len(s.redo) > 0 }

// Len returns the sizes of the undo and redo lists.
func (s *Stack) Len() (undo, redo int) { return len(s.undo), len(s.redo) }

// Reset replaces the project and drops all history, as on file load.
func (s *Stack) Reset(project *timeline.Project) {
	if project == nil {
		project = timeline.New()
	}
	s.project = project
	s.undo = nil
	s.redo = nil
	s.changed()
}

func (s *Stack) changed() {
	if s.onChange != nil {
		s.onChange(s.project)
	}
}
