package timeline

import (
	"fmt"
	"slices"
)

// LoopRegion is a half-open tick range [Start, End). The zero value means
// no loop.
type LoopRegion struct {
	Start Tick
	End   Tick
}

func (r LoopRegion) IsZero() bool { return r == LoopRegion{} }

func (r LoopRegion) validate(op string) error {
	if r.IsZero() {
		return nil
	}
	if r.Start < 0 || r.End <= r.Start {
		return invalid(op, "loop region [%d, %d) is empty or negative", r.Start, r.End)
	}
	return nil
}

// Project is the root of the timeline model.
type Project struct {
	ppq      int
	tracks   []Track
	tempo    TempoMap
	timeSigs TimeSigMap
	loop     LoopRegion
	playhead Tick
}

type Option func(*Project)

// WithPPQ sets the tick resolution of a new project.
func WithPPQ(ppq int) Option {
	return func(p *Project) {
		if ppq > 0 {
			p.ppq = ppq
		}
	}
}

// WithTempo sets the initial tempo at tick 0.
func WithTempo(bpm float64) Option {
	return func(p *Project) {
		if bpm >= MinBPM && bpm <= MaxBPM {
			p.tempo[0].BPM = bpm
		}
	}
}

// New returns an empty valid project: one track, 120 BPM and 4/4 at tick 0.
func New(opts ...Option) *Project {
	p := &Project{
		ppq:      DefaultPPQ,
		tempo:    TempoMap{{Tick: 0, BPM: DefaultBPM}},
		timeSigs: TimeSigMap{{Tick: 0, Num: 4, Den: 4}},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tracks = []Track{newTrack(1)}
	return p
}

func newTrack(id TrackID) Track {
	return Track{
		id:         id,
		name:       fmt.Sprintf("Track %d", id),
		instrument: InstrumentRef{Bank: DefaultBank},
		gain:       MaxGain,
	}
}

// ProjectData is the plain-data form of a Project.
type ProjectData struct {
	PPQ            int
	Tracks         []TrackData
	Tempo          []TempoPoint
	TimeSignatures []TimeSig
	Loop           LoopRegion
	Playhead       Tick
}

// Assemble builds a project from plain data, validating every invariant.
func Assemble(d ProjectData) (*Project, error) {
	const op = "assemble"
	if d.PPQ <= 0 {
		return nil, invalid(op, "ppq must be positive, got %d", d.PPQ)
	}
	p := &Project{
		ppq:      d.PPQ,
		tempo:    slices.Clone(TempoMap(d.Tempo)),
		timeSigs: slices.Clone(TimeSigMap(d.TimeSignatures)),
		loop:     d.Loop,
		playhead: d.Playhead,
	}
	slices.SortStableFunc(p.tempo, func(a, b TempoPoint) int { return cmpTick(a.Tick, b.Tick) })
	slices.SortStableFunc(p.timeSigs, func(a, b TimeSig) int { return cmpTick(a.Tick, b.Tick) })
	for _, td := range d.Tracks {
		t, err := buildTrack(op, td)
		if err != nil {
			return nil, err
		}
		p.tracks = append(p.tracks, t)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func cmpTick(a, b Tick) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Data returns a deep copy of the project as plain data.
func (p *Project) Data() ProjectData {
	d := ProjectData{
		PPQ:            p.ppq,
		Tempo:          slices.Clone(p.tempo),
		TimeSignatures: slices.Clone(p.timeSigs),
		Loop:           p.loop,
		Playhead:       p.playhead,
	}
	for i := range p.tracks {
		d.Tracks = append(d.Tracks, p.tracks[i].data())
	}
	return d
}

// Validate checks every structural invariant. Commands keep a project valid;
// Validate exists for data arriving from outside (files, snapshots).
func (p *Project) Validate() error {
	const op = "validate"
	if p.ppq <= 0 {
		return invalid(op, "ppq must be positive")
	}
	if len(p.tracks) > MaxTracks {
		return invalid(op, "%d tracks exceeds the limit of %d", len(p.tracks), MaxTracks)
	}
	if len(p.tempo) == 0 || p.tempo[0].Tick != 0 {
		return invalid(op, "tempo map must start at tick 0")
	}
	for i, tp := range p.tempo {
		if err := validateTempo(op, tp); err != nil {
			return err
		}
		if i > 0 && p.tempo[i-1].Tick >= tp.Tick {
			return invalid(op, "tempo map not tick-unique at %d", tp.Tick)
		}
	}
	if len(p.timeSigs) == 0 || p.timeSigs[0].Tick != 0 {
		return invalid(op, "time signature map must start at tick 0")
	}
	for i, ts := range p.timeSigs {
		if err := validateTimeSig(op, ts); err != nil {
			return err
		}
		if i > 0 && p.timeSigs[i-1].Tick >= ts.Tick {
			return invalid(op, "time signature map not tick-unique at %d", ts.Tick)
		}
	}
	if err := p.loop.validate(op); err != nil {
		return err
	}
	if p.playhead < 0 {
		return invalid(op, "negative playhead %d", p.playhead)
	}
	seen := make(map[TrackID]bool, len(p.tracks))
	for i := range p.tracks {
		t := &p.tracks[i]
		if seen[t.id] {
			return invalid(op, "duplicate track id %d", t.id)
		}
		seen[t.id] = true
		if _, err := buildTrack(op, t.data()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Project) PPQ() int                   { return p.ppq }
func (p *Project) NumTracks() int             { return len(p.tracks) }
func (p *Project) Playhead() Tick             { return p.playhead }
func (p *Project) Tempo() TempoMap            { return p.tempo }
func (p *Project) TimeSignatures() TimeSigMap { return p.timeSigs }

// Track returns the track at index i. The pointer is only valid until the
// next Apply and must not be used to modify the track.
func (p *Project) Track(i int) *Track {
	if i < 0 || i >= len(p.tracks) {
		return nil
	}
	return &p.tracks[i]
}

// IndexOf returns the position of the track with the given id.
func (p *Project) IndexOf(id TrackID) int {
	for i := range p.tracks {
		if p.tracks[i].id == id {
			return i
		}
	}
	return -1
}

// TrackByID returns the track with the given id or nil.
func (p *Project) TrackByID(id TrackID) *Track {
	return p.Track(p.IndexOf(id))
}

// Loop returns the loop region and whether one is set.
func (p *Project) Loop() (LoopRegion, bool) { return p.loop, !p.loop.IsZero() }

// TempoAt returns the tempo breakpoint in effect at t.
func (p *Project) TempoAt(t Tick) TempoPoint { return p.tempo.At(t) }

// TimeSignatureAt returns the time signature in effect at t.
func (p *Project) TimeSignatureAt(t Tick) TimeSig { return p.timeSigs.At(t) }

// SecondsAt converts a tick to seconds from the project start.
func (p *Project) SecondsAt(t Tick) float64 { return p.tempo.SecondsAt(t, p.ppq) }

// NotesActiveAt returns the notes of track i sounding at t.
func (p *Project) NotesActiveAt(i int, t Tick) []Note {
	tr := p.Track(i)
	if tr == nil {
		return nil
	}
	return tr.NotesActiveAt(t)
}

// End returns the latest note end across all tracks.
func (p *Project) End() Tick {
	var end Tick
	for i := range p.tracks {
		if e := p.tracks[i].End(); e > end {
			end = e
		}
	}
	return end
}

// AnySolo reports whether any track is soloed.
func (p *Project) AnySolo() bool {
	for i := range p.tracks {
		if p.tracks[i].solo {
			return true
		}
	}
	return false
}

// Audible reports whether track i plays under the current mute and solo
// flags.
func (p *Project) Audible(i int) bool {
	t := p.Track(i)
	if t == nil || t.mute {
		return false
	}
	return !p.AnySolo() || t.solo
}

// nextTrackID returns one past the largest id in use.
func (p *Project) nextTrackID() TrackID {
	var last TrackID
	for i := range p.tracks {
		if p.tracks[i].id > last {
			last = p.tracks[i].id
		}
	}
	return last + 1
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	c.tempo = slices.Clone(p.tempo)
	c.timeSigs = slices.Clone(p.timeSigs)
	c.tracks = make([]Track, len(p.tracks))
	for i := range p.tracks {
		c.tracks[i] = p.tracks[i].clone()
	}
	return &c
}

// Equal reports structural equality.
func (p *Project) Equal(o *Project) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ppq != o.ppq || p.loop != o.loop || p.playhead != o.playhead ||
		!slices.Equal(p.tempo, o.tempo) || !slices.Equal(p.timeSigs, o.timeSigs) ||
		len(p.tracks) != len(o.tracks) {
		return false
	}
	for i := range p.tracks {
		if !p.tracks[i].equal(&o.tracks[i]) {
			return false
		}
	}
	return true
}
