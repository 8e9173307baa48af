package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event is one discrete input action. The set is closed.
type Event int

const (
	// Panels
	NextPanel Event = iota
	PreviousPanel
	EnableSoundFontPanel
	CloseOpenFile
	SelectFile
	NextFile
	PreviousFile

	// Tracks
	AddTrack
	RemoveTrack
	NextTrack
	PreviousTrack
	MoveTrackUp
	MoveTrackDown
	Mute
	Solo
	GainUp
	GainDown
	NextProgram
	PreviousProgram

	// Transport
	Play
	Stop
	Pause
	PlayStop
	ToggleLoop

	// History
	Undo
	Redo

	// File
	NewFile
	OpenFile
	SaveFile
	SaveFileAs
	ExportFile
	Quit

	// Piano roll
	Arm
	C
	CSharp
	D
	DSharp
	E
	F
	FSharp
	G
	GSharp
	A
	ASharp
	B
	OctaveUp
	OctaveDown
	BeatUp
	BeatDown
	VelocityUp
	VelocityDown
	CursorLeft
	CursorRight
	CursorStart
	CursorEnd
	SelectNext
	SelectPrevious
	SelectAll
	Deselect
	DeleteSelected
	TransposeUp
	TransposeDown
	MoveLeft
	MoveRight
	Lengthen
	Shorten
	Copy
	Cut
	Paste
	VolumeUp
	VolumeDown
	PanLeft
	PanRight

	// Music
	TempoUp
	TempoDown
	RemoveTempo
	NumeratorUp
	NumeratorDown
	LoopStart
	LoopEnd
	ClearLoop
	PlayheadToCursor

	numEvents
)

var eventNames = [numEvents]string{
	NextPanel:            "NextPanel",
	PreviousPanel:        "PreviousPanel",
	EnableSoundFontPanel: "EnableSoundFontPanel",
	CloseOpenFile:        "CloseOpenFile",
	SelectFile:           "SelectFile",
	NextFile:             "NextFile",
	PreviousFile:         "PreviousFile",
	AddTrack:             "AddTrack",
	RemoveTrack:          "RemoveTrack",
	NextTrack:            "NextTrack",
	PreviousTrack:        "PreviousTrack",
	MoveTrackUp:          "MoveTrackUp",
	MoveTrackDown:        "MoveTrackDown",
	Mute:                 "Mute",
	Solo:                 "Solo",
	GainUp:               "GainUp",
	GainDown:             "GainDown",
	NextProgram:          "NextProgram",
	PreviousProgram:      "PreviousProgram",
	Play:                 "Play",
	Stop:                 "Stop",
	Pause:                "Pause",
	PlayStop:             "PlayStop",
	ToggleLoop:           "ToggleLoop",
	Undo:                 "Undo",
	Redo:                 "Redo",
	NewFile:              "NewFile",
	OpenFile:             "OpenFile",
	SaveFile:             "SaveFile",
	SaveFileAs:           "SaveFileAs",
	ExportFile:           "ExportFile",
	Quit:                 "Quit",
	Arm:                  "Arm",
	C:                    "C",
	CSharp:               "CSharp",
	D:                    "D",
	DSharp:               "DSharp",
	E:                    "E",
	F:                    "F",
	FSharp:               "FSharp",
	G:                    "G",
	GSharp:               "GSharp",
	A:                    "A",
	ASharp:               "ASharp",
	B:                    "B",
	OctaveUp:             "OctaveUp",
	OctaveDown:           "OctaveDown",
	BeatUp:               "BeatUp",
	BeatDown:             "BeatDown",
	VelocityUp:           "VelocityUp",
	VelocityDown:         "VelocityDown",
	CursorLeft:           "CursorLeft",
	CursorRight:          "CursorRight",
	CursorStart:          "CursorStart",
	CursorEnd:            "CursorEnd",
	SelectNext:           "SelectNext",
	SelectPrevious:       "SelectPrevious",
	SelectAll:            "SelectAll",
	Deselect:             "Deselect",
	DeleteSelected:       "DeleteSelected",
	TransposeUp:          "TransposeUp",
	TransposeDown:        "TransposeDown",
	MoveLeft:             "MoveLeft",
	MoveRight:            "MoveRight",
	Lengthen:             "Lengthen",
	Shorten:              "Shorten",
	Copy:                 "Copy",
	Cut:                  "Cut",
	Paste:                "Paste",
	VolumeUp:             "VolumeUp",
	VolumeDown:           "VolumeDown",
	PanLeft:              "PanLeft",
	PanRight:             "PanRight",
	TempoUp:              "TempoUp",
	TempoDown:            "TempoDown",
	RemoveTempo:          "RemoveTempo",
	NumeratorUp:          "NumeratorUp",
	NumeratorDown:        "NumeratorDown",
	LoopStart:            "LoopStart",
	LoopEnd:              "LoopEnd",
	ClearLoop:            "ClearLoop",
	PlayheadToCursor:     "PlayheadToCursor",
}

var eventsByName = func() map[string]Event {
	m := make(map[string]Event, numEvents)
	for e, name := range eventNames {
		m[name] = Event(e)
	}
	return m
}()

func (e Event) String() string {
	if e >= 0 && e < numEvents {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Events returns the whole vocabulary in declaration order.
func Events() []Event {
	out := make([]Event, numEvents)
	for i := range out {
		out[i] = Event(i)
	}
	return out
}

// IsNote reports whether e enters a note.
func (e Event) IsNote() bool { return e >= C && e <= B }

var ErrUnknownEvent = errors.New("unknown event")

// ParseEvent looks up an event by its exact name.
func ParseEvent(name string) (Event, error) {
	if e, ok := eventsByName[name]; ok {
		return e, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownEvent, name)
}

// ScriptError reports a bad line in an event script.
type ScriptError struct {
	Line int
	Err  error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// ReadScript reads a debug replay script: one event name per line. Blank
// lines and lines starting with # are skipped, as is anything after a #.
func ReadScript(r io.Reader) ([]Event, error) {
	var (
		events []Event
		errs   []error
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		e, err := ParseEvent(text)
		if err != nil {
			errs = append(errs, &ScriptError{Line: line, Err: err})
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return events, nil
}
