// Package timeline holds the authoritative project data: tracks, notes,
// parameter lanes, the tempo map and the time-signature map.
//
// A Project exposes construction and query operations only. Every change goes
// through a Command passed to (*Project).Apply, which validates first and
// leaves the project untouched when validation fails.
package timeline

import "fmt"

// Tick is a position on the project's subdivision grid.
type Tick int64

// DefaultPPQ is the tick resolution of a quarter note in new projects.
const DefaultPPQ = 480

const (
	MinPitch    = 0
	MaxPitch    = 127
	MinVelocity = 1
	MaxVelocity = 127
	MaxGain     = 127
	MaxProgram  = 127
	MaxTracks   = 64
)

// Note is an immutable note value. Edits replace the whole note.
type Note struct {
	Pitch    int
	Velocity int
	Start    Tick
	Duration Tick
}

// NewNote returns a validated note.
func NewNote(pitch, velocity int, start, duration Tick) (Note, error) {
	n := Note{Pitch: pitch, Velocity: velocity, Start: start, Duration: duration}
	if err := n.validate("note"); err != nil {
		return Note{}, err
	}
	return n, nil
}

// End is the first tick after the note.
func (n Note) End() Tick { return n.Start + n.Duration }

// ActiveAt reports whether the note sounds at t.
func (n Note) ActiveAt(t Tick) bool { return t >= n.Start && t < n.End() }

func (n Note) String() string {
	return fmt.Sprintf("note(p%d v%d @%d+%d)", n.Pitch, n.Velocity, n.Start, n.Duration)
}

func (n Note) validate(op string) error {
	switch {
	case n.Pitch < MinPitch || n.Pitch > MaxPitch:
		return invalid(op, "pitch %d out of range %d..%d", n.Pitch, MinPitch, MaxPitch)
	case n.Velocity < MinVelocity || n.Velocity > MaxVelocity:
		return invalid(op, "velocity %d out of range %d..%d", n.Velocity, MinVelocity, MaxVelocity)
	case n.Start < 0:
		return invalid(op, "negative start tick %d", n.Start)
	case n.Duration <= 0:
		return invalid(op, "duration must be positive, got %d", n.Duration)
	}
	return nil
}

// noteLess orders notes by start tick, then pitch. (start, pitch) is unique
// within a track.
func noteLess(a, b Note) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Pitch < b.Pitch
}

func noteCompare(a, b Note) int {
	switch {
	case noteLess(a, b):
		return -1
	case noteLess(b, a):
		return 1
	}
	return 0
}
