package ingest

import (
	"fmt"
	"slices"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

// Panel is the focused area of the editor. Events are only meaningful in
// some panels.
type Panel int

const (
	PanelMusic Panel = iota
	PanelTracks
	PanelPianoRoll
	// PanelOpenFile is the modal instrument browser.
	PanelOpenFile
)

var panelNames = [...]string{"music", "tracks", "piano roll", "open file"}

func (p Panel) String() string {
	if p >= 0 && int(p) < len(panelNames) {
		return panelNames[p]
	}
	return fmt.Sprintf("panel(%d)", int(p))
}

// cycle is the order NextPanel walks through.
var cycle = [...]Panel{PanelMusic, PanelTracks, PanelPianoRoll}

const (
	minOctave       = 0
	maxOctave       = 9
	defaultOctave   = 4
	defaultVelocity = 100
	velocityStep    = 8
	defaultBeat     = 5
)

// beats are the input durations as fractions of a quarter note.
var beats = [...]struct{ num, den int }{
	{1, 8}, {1, 6}, {1, 4}, {1, 3}, {1, 2}, {1, 1}, {3, 2}, {2, 1}, {3, 1}, {4, 1},
}

// Context is the selection context an event is resolved against. It is a
// plain value: Handle returns an updated copy and never mutates the slices
// of the one it was given.
type Context struct {
	Panel    Panel
	Previous Panel // restored when the instrument browser closes

	Track    int // index of the selected track
	Cursor   timeline.Tick
	Octave   int
	Beat     int // index into the input beat table
	Velocity int
	Armed    bool

	// Selected notes of the selected track, in track order.
	Selected  []timeline.Note
	Clipboard []timeline.Note

	// Candidate is the instrument highlighted in the browser.
	Candidate timeline.InstrumentRef
}

// NewContext returns the context of a fresh editor session.
func NewContext() Context {
	return Context{
		Panel:    PanelMusic,
		Previous: PanelMusic,
		Octave:   defaultOctave,
		Beat:     defaultBeat,
		Velocity: defaultVelocity,
	}
}

// BeatTicks returns the input duration at ppq. It is never zero.
func (c Context) BeatTicks(ppq int) timeline.Tick {
	b := beats[timeline.Clamp(c.Beat, 0, len(beats)-1)]
	return timeline.Tick(max(ppq*b.num/b.den, 1))
}

// synced clamps c to p and drops selected notes that no longer exist, which
// happens after undo and redo.
func (c Context) synced(p *timeline.Project) Context {
	c.Track = timeline.Clamp(c.Track, 0, max(p.NumTracks()-1, 0))
	c.Octave = timeline.Clamp(c.Octave, minOctave, maxOctave)
	c.Beat = timeline.Clamp(c.Beat, 0, len(beats)-1)
	c.Velocity = timeline.Clamp(c.Velocity, timeline.MinVelocity, timeline.MaxVelocity)
	c.Cursor = max(c.Cursor, 0)
	if len(c.Selected) == 0 {
		return c
	}
	t := p.Track(c.Track)
	if t == nil {
		c.Selected = nil
		return c
	}
	kept := make([]timeline.Note, 0, len(c.Selected))
	for _, n := range c.Selected {
		if hasNote(t, n) {
			kept = append(kept, n)
		}
	}
	c.Selected = kept
	return c
}

func hasNote(t *timeline.Track, n timeline.Note) bool {
	notes := t.Notes()
	i, found := slices.BinarySearchFunc(notes, n, compareNotes)
	return found && notes[i] == n
}

func compareNotes(a, b timeline.Note) int {
	switch {
	case a.Start != b.Start:
		return int(min(max(a.Start-b.Start, -1), 1))
	case a.Pitch < b.Pitch:
		return -1
	case a.Pitch > b.Pitch:
		return 1
	}
	return 0
}

func sortedNotes(notes []timeline.Note) []timeline.Note {
	out := slices.Clone(notes)
	slices.SortFunc(out, compareNotes)
	return out
}
