package timeline

import (
	"fmt"
	"slices"
	"sort"
)

// TrackID identifies a track independently of its position.
type TrackID uint64

// DefaultBank names the instrument bank compiled into the engine.
const DefaultBank = "builtin"

// InstrumentRef selects a program in a named bank.
type InstrumentRef struct {
	Bank    string
	Program int
}

func (r InstrumentRef) String() string { return fmt.Sprintf("%s:%d", r.Bank, r.Program) }

func (r InstrumentRef) validate(op string) error {
	if r.Bank == "" {
		return invalid(op, "empty instrument bank")
	}
	if r.Program < 0 || r.Program > MaxProgram {
		return invalid(op, "program %d out of range 0..%d", r.Program, MaxProgram)
	}
	return nil
}

// ParamKind names a parameter lane.
type ParamKind int

const (
	ParamVolume ParamKind = iota
	ParamPan
	ParamPitchBend
)

var paramNames = [...]string{"volume", "pan", "pitch_bend"}

func (k ParamKind) String() string {
	if k >= 0 && int(k) < len(paramNames) {
		return paramNames[k]
	}
	return fmt.Sprintf("param(%d)", int(k))
}

// ParseParamKind is the inverse of ParamKind.String.
func ParseParamKind(s string) (ParamKind, error) {
	for i, n := range paramNames {
		if n == s {
			return ParamKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown parameter kind %q", s)
}

// Range returns the inclusive value range of the lane.
func (k ParamKind) Range() (lo, hi int) {
	switch k {
	case ParamVolume:
		return 0, 127
	case ParamPan:
		return -64, 64
	case ParamPitchBend:
		return -8192, 8191
	}
	return 0, -1
}

// ParamEvent sets a lane value at a tick.
type ParamEvent struct {
	Tick  Tick
	Kind  ParamKind
	Value int
}

func (e ParamEvent) validate(op string) error {
	if e.Tick < 0 {
		return invalid(op, "negative parameter tick %d", e.Tick)
	}
	lo, hi := e.Kind.Range()
	if hi < lo {
		return invalid(op, "unknown parameter kind %d", int(e.Kind))
	}
	if e.Value < lo || e.Value > hi {
		return invalid(op, "%s value %d out of range %d..%d", e.Kind, e.Value, lo, hi)
	}
	return nil
}

func paramCompare(a, b ParamEvent) int {
	switch {
	case a.Tick < b.Tick:
		return -1
	case a.Tick > b.Tick:
		return 1
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	}
	return 0
}

// Track is one instrument lane. The zero value is not usable; tracks are
// created by New, Assemble or an AddTrack command.
type Track struct {
	id         TrackID
	name       string
	instrument InstrumentRef
	notes      []Note
	params     []ParamEvent
	mute       bool
	solo       bool
	gain       int
}

func (t *Track) ID() TrackID               { return t.id }
func (t *Track) Name() string              { return t.name }
func (t *Track) Instrument() InstrumentRef { return t.instrument }
func (t *Track) Mute() bool                { return t.mute }
func (t *Track) Solo() bool                { return t.solo }
func (t *Track) Gain() int                 { return t.gain }
func (t *Track) NumNotes() int             { return len(t.notes) }
func (t *Track) NumParams() int            { return len(t.params) }

// Notes returns the notes ordered by start tick, then pitch. Go has no
// read-only slices; callers must not write to the result.
func (t *Track) Notes() []Note { return t.notes }

// Params returns the parameter events ordered by tick, then kind. Callers
// must not write to the result.
func (t *Track) Params() []ParamEvent { return t.params }

// NotesStartingAt returns the contiguous run of notes starting at tick. It
// does not allocate.
func (t *Track) NotesStartingAt(tick Tick) []Note {
	lo := sort.Search(len(t.notes), func(i int) bool { return t.notes[i].Start >= tick })
	hi := lo
	for hi < len(t.notes) && t.notes[hi].Start == tick {
		hi++
	}
	return t.notes[lo:hi]
}

// ParamsAt returns the parameter events at tick. It does not allocate.
func (t *Track) ParamsAt(tick Tick) []ParamEvent {
	lo := sort.Search(len(t.params), func(i int) bool { return t.params[i].Tick >= tick })
	hi := lo
	for hi < len(t.params) && t.params[hi].Tick == tick {
		hi++
	}
	return t.params[lo:hi]
}

// ParamAt returns the latest value of lane kind at or before tick.
func (t *Track) ParamAt(kind ParamKind, tick Tick) (int, bool) {
	i := latest(len(t.params), tick, func(i int) Tick { return t.params[i].Tick })
	for ; i >= 0; i-- {
		if t.params[i].Kind == kind {
			return t.params[i].Value, true
		}
	}
	return 0, false
}

// NotesActiveAt returns the notes sounding at tick.
func (t *Track) NotesActiveAt(tick Tick) []Note {
	// Notes starting after tick cannot be active.
	hi := sort.Search(len(t.notes), func(i int) bool { return t.notes[i].Start > tick })
	var out []Note
	for _, n := range t.notes[:hi] {
		if n.ActiveAt(tick) {
			out = append(out, n)
		}
	}
	return out
}

// End returns the latest note end on the track.
func (t *Track) End() Tick {
	var end Tick
	for _, n := range t.notes {
		if e := n.End(); e > end {
			end = e
		}
	}
	return end
}

func (t *Track) findNote(n Note) (int, bool) {
	return slices.BinarySearchFunc(t.notes, n, noteCompare)
}

func (t *Track) findParam(e ParamEvent) (int, bool) {
	return slices.BinarySearchFunc(t.params, e, paramCompare)
}

func (t *Track) clone() Track {
	c := *t
	c.notes = slices.Clone(t.notes)
	c.params = slices.Clone(t.params)
	return c
}

func (t *Track) equal(o *Track) bool {
	return t.id == o.id &&
		t.name == o.name &&
		t.instrument == o.instrument &&
		t.mute == o.mute &&
		t.solo == o.solo &&
		t.gain == o.gain &&
		slices.Equal(t.notes, o.notes) &&
		slices.Equal(t.params, o.params)
}

// TrackData is the plain-data form of a Track used for construction and
// persistence.
type TrackData struct {
	ID         TrackID
	Name       string
	Instrument InstrumentRef
	Notes      []Note
	Params     []ParamEvent
	Mute       bool
	Solo       bool
	Gain       int
}

func (t *Track) data() TrackData {
	return TrackData{
		ID:         t.id,
		Name:       t.name,
		Instrument: t.instrument,
		Notes:      slices.Clone(t.notes),
		Params:     slices.Clone(t.params),
		Mute:       t.mute,
		Solo:       t.solo,
		Gain:       t.gain,
	}
}

// buildTrack validates d and returns the track with sorted contents.
func buildTrack(op string, d TrackData) (Track, error) {
	if d.ID == 0 {
		return Track{}, invalid(op, "track id must be non-zero")
	}
	if err := d.Instrument.validate(op); err != nil {
		return Track{}, err
	}
	if d.Gain < 0 || d.Gain > MaxGain {
		return Track{}, invalid(op, "gain %d out of range 0..%d", d.Gain, MaxGain)
	}
	t := Track{
		id:         d.ID,
		name:       d.Name,
		instrument: d.Instrument,
		notes:      slices.Clone(d.Notes),
		params:     slices.Clone(d.Params),
		mute:       d.Mute,
		solo:       d.Solo,
		gain:       d.Gain,
	}
	slices.SortFunc(t.notes, noteCompare)
	slices.SortFunc(t.params, paramCompare)
	for i, n := range t.notes {
		if err := n.validate(op); err != nil {
			return Track{}, err
		}
		if i > 0 && noteCompare(t.notes[i-1], n) == 0 {
			return Track{}, invalid(op, "duplicate note at tick %d pitch %d", n.Start, n.Pitch)
		}
	}
	for i, e := range t.params {
		if err := e.validate(op); err != nil {
			return Track{}, err
		}
		if i > 0 && paramCompare(t.params[i-1], e) == 0 {
			return Track{}, invalid(op, "duplicate %s event at tick %d", e.Kind, e.Tick)
		}
	}
	return t, nil
}
