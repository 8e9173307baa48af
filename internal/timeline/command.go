package timeline

import (
	"fmt"
	"slices"
)

// Kind tags a Command variant.
type Kind int

const (
	KindInsertNote Kind = iota
	KindRemoveNote
	KindReplaceNote
	KindInsertParam
	KindRemoveParam
	KindReplaceParam
	KindInsertTempo
	KindRemoveTempo
	KindReplaceTempo
	KindInsertTimeSig
	KindRemoveTimeSig
	KindReplaceTimeSig
	KindAddTrack
	KindRemoveTrack
	KindMoveTrack
	KindSetInstrument
	KindSetMute
	KindSetSolo
	KindSetGain
	KindRenameTrack
	KindSetLoop
	KindSetPlayhead
	KindReplaceProject
	KindComposite
)

var kindNames = [...]string{
	"InsertNote", "RemoveNote", "ReplaceNote",
	"InsertParam", "RemoveParam", "ReplaceParam",
	"InsertTempo", "RemoveTempo", "ReplaceTempo",
	"InsertTimeSig", "RemoveTimeSig", "ReplaceTimeSig",
	"AddTrack", "RemoveTrack", "MoveTrack",
	"SetInstrument", "SetMute", "SetSolo", "SetGain", "RenameTrack",
	"SetLoop", "SetPlayhead", "ReplaceProject", "Composite",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is one reversible mutation. Each variant carries its target ids
// and both the prior and the new values, so Inverse needs no access to the
// project. The set of variants is closed: apply is unexported.
type Command interface {
	Kind() Kind
	Inverse() Command
	apply(p *Project) error
}

// Apply validates c against p and performs it. On error p is unchanged.
func (p *Project) Apply(c Command) error {
	if c == nil {
		return invalid("apply", "nil command")
	}
	return c.apply(p)
}

func (p *Project) trackFor(op string, id TrackID) (*Track, error) {
	t := p.TrackByID(id)
	if t == nil {
		return nil, invalid(op, "no track with id %d", id)
	}
	return t, nil
}

// Notes

type InsertNote struct {
	Track TrackID
	Note  Note
}

func (c InsertNote) Kind() Kind       { return KindInsertNote }
func (c InsertNote) Inverse() Command { return RemoveNote(c) }

func (c InsertNote) apply(p *Project) error {
	const op = "insert note"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if err := c.Note.validate(op); err != nil {
		return err
	}
	i, found := t.findNote(c.Note)
	if found {
		return invalid(op, "track %d already has a note at tick %d pitch %d", c.Track, c.Note.Start, c.Note.Pitch)
	}
	t.notes = slices.Insert(t.notes, i, c.Note)
	return nil
}

type RemoveNote struct {
	Track TrackID
	Note  Note
}

func (c RemoveNote) Kind() Kind       { return KindRemoveNote }
func (c RemoveNote) Inverse() Command { return InsertNote(c) }

func (c RemoveNote) apply(p *Project) error {
	const op = "remove note"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	i, found := t.findNote(c.Note)
	if !found || t.notes[i] != c.Note {
		return invalid(op, "track %d has no %v", c.Track, c.Note)
	}
	t.notes = slices.Delete(t.notes, i, i+1)
	return nil
}

type ReplaceNote struct {
	Track TrackID
	Old   Note
	New   Note
}

func (c ReplaceNote) Kind() Kind { return KindReplaceNote }
func (c ReplaceNote) Inverse() Command {
	return ReplaceNote{Track: c.Track, Old: c.New, New: c.Old}
}

func (c ReplaceNote) apply(p *Project) error {
	const op = "replace note"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if err := c.New.validate(op); err != nil {
		return err
	}
	i, found := t.findNote(c.Old)
	if !found || t.notes[i] != c.Old {
		return invalid(op, "track %d has no %v", c.Track, c.Old)
	}
	if noteCompare(c.Old, c.New) != 0 {
		if _, clash := t.findNote(c.New); clash {
			return invalid(op, "track %d already has a note at tick %d pitch %d", c.Track, c.New.Start, c.New.Pitch)
		}
	}
	t.notes = slices.Delete(t.notes, i, i+1)
	j, _ := t.findNote(c.New)
	t.notes = slices.Insert(t.notes, j, c.New)
	return nil
}

// Parameter lanes

type InsertParam struct {
	Track TrackID
	Event ParamEvent
}

func (c InsertParam) Kind() Kind       { return KindInsertParam }
func (c InsertParam) Inverse() Command { return RemoveParam(c) }

func (c InsertParam) apply(p *Project) error {
	const op = "insert param"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if err := c.Event.validate(op); err != nil {
		return err
	}
	i, found := t.findParam(c.Event)
	if found {
		return invalid(op, "track %d already has a %s event at tick %d", c.Track, c.Event.Kind, c.Event.Tick)
	}
	t.params = slices.Insert(t.params, i, c.Event)
	return nil
}

type RemoveParam struct {
	Track TrackID
	Event ParamEvent
}

func (c RemoveParam) Kind() Kind       { return KindRemoveParam }
func (c RemoveParam) Inverse() Command { return InsertParam(c) }

func (c RemoveParam) apply(p *Project) error {
	const op = "remove param"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	i, found := t.findParam(c.Event)
	if !found || t.params[i] != c.Event {
		return invalid(op, "track %d has no %s event %d at tick %d", c.Track, c.Event.Kind, c.Event.Value, c.Event.Tick)
	}
	t.params = slices.Delete(t.params, i, i+1)
	return nil
}

type ReplaceParam struct {
	Track TrackID
	Old   ParamEvent
	New   ParamEvent
}

func (c ReplaceParam) Kind() Kind { return KindReplaceParam }
func (c ReplaceParam) Inverse() Command {
	return ReplaceParam{Track: c.Track, Old: c.New, New: c.Old}
}

func (c ReplaceParam) apply(p *Project) error {
	const op = "replace param"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if paramCompare(c.Old, c.New) != 0 {
		return invalid(op, "replacement must keep tick and kind")
	}
	if err := c.New.validate(op); err != nil {
		return err
	}
	i, found := t.findParam(c.Old)
	if !found || t.params[i] != c.Old {
		return invalid(op, "track %d has no %s event %d at tick %d", c.Track, c.Old.Kind, c.Old.Value, c.Old.Tick)
	}
	t.params[i] = c.New
	return nil
}

// Tempo map

type InsertTempo struct{ Point TempoPoint }

func (c InsertTempo) Kind() Kind       { return KindInsertTempo }
func (c InsertTempo) Inverse() Command { return RemoveTempo(c) }

func (c InsertTempo) apply(p *Project) error {
	const op = "insert tempo"
	if err := validateTempo(op, c.Point); err != nil {
		return err
	}
	i, found := p.tempo.find(c.Point.Tick)
	if found {
		return invalid(op, "tempo breakpoint already exists at tick %d", c.Point.Tick)
	}
	p.tempo = slices.Insert(p.tempo, i, c.Point)
	return nil
}

type RemoveTempo struct{ Point TempoPoint }

func (c RemoveTempo) Kind() Kind       { return KindRemoveTempo }
func (c RemoveTempo) Inverse() Command { return InsertTempo(c) }

func (c RemoveTempo) apply(p *Project) error {
	const op = "remove tempo"
	if c.Point.Tick == 0 {
		return invalid(op, "the tempo at tick 0 cannot be removed")
	}
	i, found := p.tempo.find(c.Point.Tick)
	if !found || p.tempo[i] != c.Point {
		return invalid(op, "no tempo %.2f at tick %d", c.Point.BPM, c.Point.Tick)
	}
	p.tempo = slices.Delete(p.tempo, i, i+1)
	return nil
}

type ReplaceTempo struct{ Old, New TempoPoint }

func (c ReplaceTempo) Kind() Kind       { return KindReplaceTempo }
func (c ReplaceTempo) Inverse() Command { return ReplaceTempo{Old: c.New, New: c.Old} }

func (c ReplaceTempo) apply(p *Project) error {
	const op = "replace tempo"
	if c.Old.Tick != c.New.Tick {
		return invalid(op, "replacement must keep the tick")
	}
	if err := validateTempo(op, c.New); err != nil {
		return err
	}
	i, found := p.tempo.find(c.Old.Tick)
	if !found || p.tempo[i] != c.Old {
		return invalid(op, "no tempo %.2f at tick %d", c.Old.BPM, c.Old.Tick)
	}
	p.tempo[i] = c.New
	return nil
}

// Time signature map

type InsertTimeSig struct{ Sig TimeSig }

func (c InsertTimeSig) Kind() Kind       { return KindInsertTimeSig }
func (c InsertTimeSig) Inverse() Command { return RemoveTimeSig(c) }

func (c InsertTimeSig) apply(p *Project) error {
	const op = "insert time signature"
	if err := validateTimeSig(op, c.Sig); err != nil {
		return err
	}
	i, found := p.timeSigs.find(c.Sig.Tick)
	if found {
		return invalid(op, "time signature already exists at tick %d", c.Sig.Tick)
	}
	p.timeSigs = slices.Insert(p.timeSigs, i, c.Sig)
	return nil
}

type RemoveTimeSig struct{ Sig TimeSig }

func (c RemoveTimeSig) Kind() Kind       { return KindRemoveTimeSig }
func (c RemoveTimeSig) Inverse() Command { return InsertTimeSig(c) }

func (c RemoveTimeSig) apply(p *Project) error {
	const op = "remove time signature"
	if c.Sig.Tick == 0 {
		return invalid(op, "the time signature at tick 0 cannot be removed")
	}
	i, found := p.timeSigs.find(c.Sig.Tick)
	if !found || p.timeSigs[i] != c.Sig {
		return invalid(op, "no time signature %v at tick %d", c.Sig, c.Sig.Tick)
	}
	p.timeSigs = slices.Delete(p.timeSigs, i, i+1)
	return nil
}

type ReplaceTimeSig struct{ Old, New TimeSig }

func (c ReplaceTimeSig) Kind() Kind       { return KindReplaceTimeSig }
func (c ReplaceTimeSig) Inverse() Command { return ReplaceTimeSig{Old: c.New, New: c.Old} }

func (c ReplaceTimeSig) apply(p *Project) error {
	const op = "replace time signature"
	if c.Old.Tick != c.New.Tick {
		return invalid(op, "replacement must keep the tick")
	}
	if err := validateTimeSig(op, c.New); err != nil {
		return err
	}
	i, found := p.timeSigs.find(c.Old.Tick)
	if !found || p.timeSigs[i] != c.Old {
		return invalid(op, "no time signature %v at tick %d", c.Old, c.Old.Tick)
	}
	p.timeSigs[i] = c.New
	return nil
}

// Tracks

type AddTrack struct {
	Index int
	Track TrackData
}

func (c AddTrack) Kind() Kind       { return KindAddTrack }
func (c AddTrack) Inverse() Command { return RemoveTrack(c) }

func (c AddTrack) apply(p *Project) error {
	const op = "add track"
	if len(p.tracks) >= MaxTracks {
		return invalid(op, "track limit of %d reached", MaxTracks)
	}
	if c.Index < 0 || c.Index > len(p.tracks) {
		return invalid(op, "index %d out of range 0..%d", c.Index, len(p.tracks))
	}
	if p.IndexOf(c.Track.ID) >= 0 {
		return invalid(op, "track id %d already in use", c.Track.ID)
	}
	t, err := buildTrack(op, c.Track)
	if err != nil {
		return err
	}
	p.tracks = slices.Insert(p.tracks, c.Index, t)
	return nil
}

type RemoveTrack struct {
	Index int
	Track TrackData
}

func (c RemoveTrack) Kind() Kind       { return KindRemoveTrack }
func (c RemoveTrack) Inverse() Command { return AddTrack(c) }

func (c RemoveTrack) apply(p *Project) error {
	const op = "remove track"
	t := p.Track(c.Index)
	if t == nil {
		return invalid(op, "index %d out of range", c.Index)
	}
	want, err := buildTrack(op, c.Track)
	if err != nil {
		return err
	}
	if !t.equal(&want) {
		return invalid(op, "track at index %d does not match id %d", c.Index, c.Track.ID)
	}
	p.tracks = slices.Delete(p.tracks, c.Index, c.Index+1)
	return nil
}

type MoveTrack struct{ From, To int }

func (c MoveTrack) Kind() Kind       { return KindMoveTrack }
func (c MoveTrack) Inverse() Command { return MoveTrack{From: c.To, To: c.From} }

func (c MoveTrack) apply(p *Project) error {
	const op = "move track"
	n := len(p.tracks)
	if c.From < 0 || c.From >= n || c.To < 0 || c.To >= n {
		return invalid(op, "move %d -> %d out of range 0..%d", c.From, c.To, n-1)
	}
	t := p.tracks[c.From]
	p.tracks = slices.Delete(p.tracks, c.From, c.From+1)
	p.tracks = slices.Insert(p.tracks, c.To, t)
	return nil
}

type SetInstrument struct {
	Track    TrackID
	Old, New InstrumentRef
}

func (c SetInstrument) Kind() Kind { return KindSetInstrument }
func (c SetInstrument) Inverse() Command {
	return SetInstrument{Track: c.Track, Old: c.New, New: c.Old}
}

func (c SetInstrument) apply(p *Project) error {
	const op = "set instrument"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if t.instrument != c.Old {
		return invalid(op, "track %d instrument is %v, not %v", c.Track, t.instrument, c.Old)
	}
	if err := c.New.validate(op); err != nil {
		return err
	}
	t.instrument = c.New
	return nil
}

type SetMute struct {
	Track    TrackID
	Old, New bool
}

func (c SetMute) Kind() Kind       { return KindSetMute }
func (c SetMute) Inverse() Command { return SetMute{Track: c.Track, Old: c.New, New: c.Old} }

func (c SetMute) apply(p *Project) error {
	const op = "set mute"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if t.mute != c.Old {
		return invalid(op, "track %d mute is %t", c.Track, t.mute)
	}
	t.mute = c.New
	return nil
}

type SetSolo struct {
	Track    TrackID
	Old, New bool
}

func (c SetSolo) Kind() Kind       { return KindSetSolo }
func (c SetSolo) Inverse() Command { return SetSolo{Track: c.Track, Old: c.New, New: c.Old} }

func (c SetSolo) apply(p *Project) error {
	const op = "set solo"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if t.solo != c.Old {
		return invalid(op, "track %d solo is %t", c.Track, t.solo)
	}
	t.solo = c.New
	return nil
}

type SetGain struct {
	Track    TrackID
	Old, New int
}

func (c SetGain) Kind() Kind       { return KindSetGain }
func (c SetGain) Inverse() Command { return SetGain{Track: c.Track, Old: c.New, New: c.Old} }

func (c SetGain) apply(p *Project) error {
	const op = "set gain"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if t.gain != c.Old {
		return invalid(op, "track %d gain is %d", c.Track, t.gain)
	}
	if c.New < 0 || c.New > MaxGain {
		return invalid(op, "gain %d out of range 0..%d", c.New, MaxGain)
	}
	t.gain = c.New
	return nil
}

type RenameTrack struct {
	Track    TrackID
	Old, New string
}

func (c RenameTrack) Kind() Kind       { return KindRenameTrack }
func (c RenameTrack) Inverse() Command { return RenameTrack{Track: c.Track, Old: c.New, New: c.Old} }

func (c RenameTrack) apply(p *Project) error {
	const op = "rename track"
	t, err := p.trackFor(op, c.Track)
	if err != nil {
		return err
	}
	if t.name != c.Old {
		return invalid(op, "track %d is named %q", c.Track, t.name)
	}
	t.name = c.New
	return nil
}

// Project-wide

type SetLoop struct{ Old, New LoopRegion }

func (c SetLoop) Kind() Kind       { return KindSetLoop }
func (c SetLoop) Inverse() Command { return SetLoop{Old: c.New, New: c.Old} }

func (c SetLoop) apply(p *Project) error {
	const op = "set loop"
	if p.loop != c.Old {
		return invalid(op, "loop region is [%d, %d)", p.loop.Start, p.loop.End)
	}
	if err := c.New.validate(op); err != nil {
		return err
	}
	p.loop = c.New
	return nil
}

type SetPlayhead struct{ Old, New Tick }

func (c SetPlayhead) Kind() Kind       { return KindSetPlayhead }
func (c SetPlayhead) Inverse() Command { return SetPlayhead{Old: c.New, New: c.Old} }

func (c SetPlayhead) apply(p *Project) error {
	const op = "set playhead"
	if p.playhead != c.Old {
		return invalid(op, "playhead is at %d", p.playhead)
	}
	if c.New < 0 {
		return invalid(op, "negative playhead %d", c.New)
	}
	p.playhead = c.New
	return nil
}

// ReplaceProject swaps the whole project, as for a new file. Old and New are
// private copies and are never mutated.
type ReplaceProject struct{ Old, New *Project }

func (c ReplaceProject) Kind() Kind       { return KindReplaceProject }
func (c ReplaceProject) Inverse() Command { return ReplaceProject{Old: c.New, New: c.Old} }

func (c ReplaceProject) apply(p *Project) error {
	const op = "replace project"
	if c.New == nil || !p.Equal(c.Old) {
		return invalid(op, "project does not match the recorded state")
	}
	if err := c.New.Validate(); err != nil {
		return err
	}
	*p = *c.New.Clone()
	return nil
}

// Composite applies its steps in order as one undo unit. If a step fails the
// steps already applied are reverted and the error is returned.
type Composite struct {
	Name  string
	Steps []Command
}

func (c Composite) Kind() Kind { return KindComposite }

func (c Composite) Inverse() Command {
	inv := Composite{Name: c.Name, Steps: make([]Command, len(c.Steps))}
	for i, s := range c.Steps {
		inv.Steps[len(c.Steps)-1-i] = s.Inverse()
	}
	return inv
}

func (c Composite) apply(p *Project) error {
	for i, s := range c.Steps {
		if err := p.Apply(s); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := c.Steps[j].Inverse().apply(p); rerr != nil {
					panic(fmt.Sprintf("timeline: rollback of %v failed: %v", c.Steps[j].Kind(), rerr))
				}
			}
			return err
		}
	}
	return nil
}
