// Package scheduler walks a project snapshot forward in musical time and turns
// it into a sample-accurate stream of synthesis instructions.
//
// A Scheduler belongs to the audio path. It never allocates after New: the
// instruction and sounding-note buffers are sized up front and overflow is
// reported as a warning instead of growing them. Overflow only ever drops
// parameter changes and note-ons; the buffer always keeps room to release
// every sounding note.
package scheduler

import (
	"math"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

type InstructionKind uint8

const (
	NoteOn InstructionKind = iota
	NoteOff
	Param
	AllNotesOff
	AllSoundOff
)

var instructionNames = [...]string{"note-on", "note-off", "param", "all-notes-off", "all-sound-off"}

func (k InstructionKind) String() string {
	if int(k) < len(instructionNames) {
		return instructionNames[k]
	}
	return "unknown"
}

// Instruction is one synthesis event at a frame offset inside the block.
// Order is the transport position of the note-on in ticks since the
// scheduler was created; it only grows, across loops and seeks, and pairs a
// note-off with its note-on.
type Instruction struct {
	Frame      int
	Kind       InstructionKind
	Track      int
	Pitch      int
	Velocity   int
	Tick       timeline.Tick
	Order      uint64
	Instrument *bank.Instrument
	Param      timeline.ParamKind
	Value      int
}

type Options struct {
	// StopAtEnd stops the transport once the last note has ended and no loop
	// is active.
	StopAtEnd bool
	// MaxInstructions bounds parameter changes and note-ons per block, on top
	// of the room reserved for note-offs.
	MaxInstructions int
	MaxSounding     int
}

func DefaultOptions() Options {
	return Options{
		StopAtEnd:       true,
		MaxInstructions: 4096,
		MaxSounding:     1024,
	}
}

type sounding struct {
	track int
	pitch int
	end   timeline.Tick
	order uint64
}

type Scheduler struct {
	sampleRate float64
	opts       Options
	bridge     *bridge.Bridge

	state      bridge.PlayState
	tick       timeline.Tick // next tick to dispatch
	carry      float64       // frame offset of tick within the next block
	elapsed    uint64
	loopActive bool
	loops      uint64
	applied    uint64 // Seq of the last request
	flush      bool
	overflow   bool

	last       *bridge.Snapshot
	version    uint64
	generation uint64

	spt      float64
	sptFrom  timeline.Tick
	sptUntil timeline.Tick
	sptSrc   *bridge.Snapshot
	end      timeline.Tick
	endSrc   *bridge.Snapshot

	sounding []sounding
	out      []Instruction
}

// New returns a stopped scheduler at tick 0. b may be nil, in which case
// requests must be passed to Control directly and warnings are dropped.
func New(sampleRate int, b *bridge.Bridge, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.MaxInstructions <= 0 {
		opts.MaxInstructions = def.MaxInstructions
	}
	if opts.MaxSounding <= 0 {
		opts.MaxSounding = def.MaxSounding
	}
	// one spare slot for AllSoundOff
	outCap := opts.MaxInstructions + opts.MaxSounding + 1
	return &Scheduler{
		sampleRate: float64(sampleRate),
		opts:       opts,
		bridge:     b,
		sounding:   make([]sounding, 0, opts.MaxSounding),
		out:        make([]Instruction, 0, outCap),
	}
}

func (s *Scheduler) State() bridge.PlayState { return s.state }
func (s *Scheduler) Playhead() timeline.Tick { return s.tick }
func (s *Scheduler) LoopActive() bool        { return s.loopActive }
func (s *Scheduler) Loops() uint64           { return s.loops }
func (s *Scheduler) Sounding() int           { return len(s.sounding) }
func (s *Scheduler) Transport() bridge.TransportState {
	return bridge.TransportState{
		State:      s.state,
		Playhead:   s.tick,
		LoopActive: s.loopActive,
		Loops:      s.loops,
		Applied:    s.applied,
	}
}

// Control applies a transport request. It takes effect at the start of the
// next Schedule call.
func (s *Scheduler) Control(req bridge.Request) {
	s.applied = max(s.applied, req.Seq)
	switch req.Kind {
	case bridge.RequestPlay:
		if s.state == bridge.Playing {
			s.flush = true
		}
		s.tick = max(req.Tick, 0)
		s.carry = 0
		s.state = bridge.Playing
	case bridge.RequestStop:
		if s.state != bridge.Stopped {
			s.flush = true
			s.state = bridge.Stopped
		}
		s.carry = 0
	case bridge.RequestPause:
		if s.state == bridge.Playing {
			s.flush = true
			s.state = bridge.Paused
		}
		s.carry = 0
	case bridge.RequestSeek:
		s.flush = true
		s.tick = max(req.Tick, 0)
		s.carry = 0
	case bridge.RequestLoopActive:
		s.loopActive = req.On
	}
}

// Schedule advances the transport by frames samples against snap and returns
// the instructions for the block, ordered by frame. Within one tick note-offs
// come first, then parameter changes, then note-ons. The returned slice is
// reused by the next call.
func (s *Scheduler) Schedule(snap *bridge.Snapshot, frames int) []Instruction {
	s.out = s.out[:0]
	s.overflow = false
	if s.bridge != nil {
		for req, ok := s.bridge.Next(); ok; req, ok = s.bridge.Next() {
			s.Control(req)
		}
	}
	if s.flush {
		s.releaseAll(0)
		s.flush = false
	}

	if kind, ok := s.usable(snap); !ok {
		// Voices are cut rather than released: the notes they belong to may
		// no longer exist.
		s.emit(Instruction{Kind: AllSoundOff})
		s.sounding = s.sounding[:0]
		s.warn(bridge.Warning{Kind: kind, Version: versionOf(snap), Playhead: s.tick})
		if s.state == bridge.Playing {
			s.advance(nil, frames)
		}
		s.publish()
		return s.out
	}

	if snap.Generation != s.generation {
		s.releaseAll(0)
		s.generation = snap.Generation
	}
	s.last = snap
	s.version = snap.Version
	if s.state == bridge.Playing {
		s.advance(snap, frames)
	}
	if s.overflow {
		s.warn(bridge.Warning{Kind: bridge.WarnInstructionOverflow, Version: snap.Version, Playhead: s.tick})
	}
	s.publish()
	return s.out
}

func versionOf(snap *bridge.Snapshot) uint64 {
	if snap == nil {
		return 0
	}
	return snap.Version
}

func (s *Scheduler) usable(snap *bridge.Snapshot) (bridge.WarningKind, bool) {
	switch {
	case snap == nil, snap.Version < s.version:
		return bridge.WarnSnapshotStale, false
	case s.bridge != nil && snap.Generation < s.bridge.Generation():
		return bridge.WarnSnapshotStale, false
	case snap.Err != nil || snap.Project == nil:
		return bridge.WarnSnapshotInvalid, false
	}
	return 0, true
}

// advance walks ticks across the block. With a nil snapshot only the clock
// moves, using the tempo of the last good snapshot.
func (s *Scheduler) advance(snap *bridge.Snapshot, frames int) {
	src := snap
	if src == nil {
		src = s.last
	}
	var loop timeline.LoopRegion
	hasLoop := false
	if src != nil {
		loop, hasLoop = src.Project.Loop()
	}
	pos := s.carry
	for pos < float64(frames) {
		frame := int(pos)
		if s.loopActive && hasLoop && s.tick == loop.End {
			s.releaseAll(frame)
			s.tick = loop.Start
			s.loops++
			s.notify(bridge.Notice{Kind: bridge.NoticeLoopCompleted, Loops: s.loops})
		}
		if snap != nil {
			s.dispatch(snap, frame)
			if s.finished(snap, loop, hasLoop) {
				s.state = bridge.Stopped
				s.carry = 0
				s.notify(bridge.Notice{Kind: bridge.NoticePlaybackEnded, Loops: s.loops})
				return
			}
		}
		pos += s.samplesPerTick(src, s.tick)
		s.tick++
		s.elapsed++
	}
	s.carry = pos - float64(frames)
}

// dispatch emits everything that happens at the current tick.
func (s *Scheduler) dispatch(snap *bridge.Snapshot, frame int) {
	t := s.tick
	kept := s.sounding[:0]
	for _, n := range s.sounding {
		if n.end <= t {
			s.emit(Instruction{Frame: frame, Kind: NoteOff, Track: n.track, Pitch: n.pitch, Tick: t, Order: n.order})
			continue
		}
		kept = append(kept, n)
	}
	s.sounding = kept

	p := snap.Project
	for i := 0; i < p.NumTracks(); i++ {
		for _, ev := range p.Track(i).ParamsAt(t) {
			if !s.reserve(1) {
				s.overflow = true
				continue
			}
			s.emit(Instruction{Frame: frame, Kind: Param, Track: i, Tick: t, Param: ev.Kind, Value: ev.Value})
		}
	}

	anySolo := p.AnySolo()
	for i := 0; i < p.NumTracks(); i++ {
		tr := p.Track(i)
		if tr.Mute() || (anySolo && !tr.Solo()) {
			continue
		}
		ins := snap.Instrument(i)
		if ins == nil {
			continue
		}
		for _, n := range tr.NotesStartingAt(t) {
			vel := n.Velocity * tr.Gain() / timeline.MaxGain
			if vel < timeline.MinVelocity {
				continue
			}
			if len(s.sounding) == cap(s.sounding) || !s.reserve(2) {
				s.overflow = true
				continue
			}
			s.emit(Instruction{
				Frame:      frame,
				Kind:       NoteOn,
				Track:      i,
				Pitch:      n.Pitch,
				Velocity:   vel,
				Tick:       t,
				Order:      s.elapsed,
				Instrument: ins,
			})
			s.sounding = append(s.sounding, sounding{track: i, pitch: n.Pitch, end: n.End(), order: s.elapsed})
		}
	}
}

func (s *Scheduler) finished(snap *bridge.Snapshot, loop timeline.LoopRegion, hasLoop bool) bool {
	if !s.opts.StopAtEnd || len(s.sounding) > 0 {
		return false
	}
	if s.loopActive && hasLoop && s.tick < loop.End {
		return false
	}
	if s.endSrc != snap {
		s.end = snap.Project.End()
		s.endSrc = snap
	}
	return s.end > 0 && s.tick >= s.end
}

// releaseAll emits a note-off for every sounding note.
func (s *Scheduler) releaseAll(frame int) {
	for _, n := range s.sounding {
		s.emit(Instruction{Frame: frame, Kind: NoteOff, Track: n.track, Pitch: n.pitch, Tick: s.tick, Order: n.order})
	}
	s.sounding = s.sounding[:0]
}

func (s *Scheduler) samplesPerTick(src *bridge.Snapshot, t timeline.Tick) float64 {
	if src == nil {
		return timeline.SamplesPerTick(s.sampleRate, timeline.DefaultBPM, timeline.DefaultPPQ)
	}
	if src == s.sptSrc && t >= s.sptFrom && t < s.sptUntil {
		return s.spt
	}
	p := src.Project
	tp := p.TempoAt(t)
	s.spt = timeline.SamplesPerTick(s.sampleRate, tp.BPM, p.PPQ())
	s.sptFrom = tp.Tick
	s.sptUntil = math.MaxInt64
	if next, ok := p.Tempo().NextChange(t); ok {
		s.sptUntil = next
	}
	s.sptSrc = src
	return s.spt
}

// reserve reports whether n more instructions fit while keeping a note-off
// slot for every sounding note and one for AllSoundOff.
func (s *Scheduler) reserve(n int) bool {
	return len(s.out)+len(s.sounding)+n < cap(s.out)
}

func (s *Scheduler) emit(in Instruction) {
	if len(s.out) == cap(s.out) {
		s.overflow = true
		return
	}
	s.out = append(s.out, in)
}

func (s *Scheduler) warn(w bridge.Warning) {
	if s.bridge != nil {
		s.bridge.Warn(w)
	}
}

func (s *Scheduler) notify(n bridge.Notice) {
	if s.bridge != nil {
		s.bridge.Notify(n)
	}
}

func (s *Scheduler) publish() {
	if s.bridge != nil {
		s.bridge.PublishTransport(s.Transport())
	}
}
