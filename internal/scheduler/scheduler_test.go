package scheduler

import (
	"errors"
	"math"
	"testing"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

const (
	sampleRate = 48000
	blockSize  = 512
)

type stamped struct {
	abs int
	in  Instruction
}

func publish(t *testing.T, b *bridge.Bridge, p *timeline.Project) *bridge.Snapshot {
	t.Helper()
	snap, err := b.Publish(p, bank.NewRegistry(bank.Builtin()))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return snap
}

func apply(t *testing.T, p *timeline.Project, cmds ...timeline.Command) {
	t.Helper()
	for _, c := range cmds {
		if err := p.Apply(c); err != nil {
			t.Fatalf("apply %v: %v", c.Kind(), err)
		}
	}
}

func note(track timeline.TrackID, pitch, vel int, start, dur timeline.Tick) timeline.Command {
	return timeline.InsertNote{Track: track, Note: timeline.Note{Pitch: pitch, Velocity: vel, Start: start, Duration: dur}}
}

// run schedules blocks and returns every instruction with its absolute frame.
func run(s *Scheduler, snap *bridge.Snapshot, blocks int, first int) []stamped {
	var out []stamped
	for i := 0; i < blocks; i++ {
		for _, in := range s.Schedule(snap, blockSize) {
			out = append(out, stamped{abs: (first+i)*blockSize + in.Frame, in: in})
		}
	}
	return out
}

func filter(evs []stamped, kind InstructionKind) []stamped {
	var out []stamped
	for _, e := range evs {
		if e.in.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestSingleNoteStartsAndEndsOnItsTicks(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	apply(t, p, note(p.Track(0).ID(), 60, 100, 0, 480))
	snap := publish(t, b, p)

	s := New(sampleRate, b, DefaultOptions())
	b.Send(bridge.Request{Kind: bridge.RequestPlay, Tick: 0})
	evs := run(s, snap, 60, 0)

	ons, offs := filter(evs, NoteOn), filter(evs, NoteOff)
	if len(ons) != 1 || len(offs) != 1 {
		t.Fatalf("expected one note-on and one note-off, got %d and %d", len(ons), len(offs))
	}
	if ons[0].abs != 0 || ons[0].in.Tick != 0 || ons[0].in.Pitch != 60 || ons[0].in.Velocity != 100 {
		t.Fatalf("unexpected note-on %+v", ons[0])
	}
	// 480 ticks at 480 PPQ and 120 BPM is one beat: 0.5 s.
	const want = 24000
	if got := math.Round(p.SecondsAt(480) * sampleRate); got != want {
		t.Fatalf("tempo integration gave %.0f frames", got)
	}
	if offs[0].abs != want || offs[0].in.Tick != 480 || offs[0].in.Order != ons[0].in.Order {
		t.Fatalf("note-off at frame %d tick %d, want frame %d tick 480", offs[0].abs, offs[0].in.Tick, want)
	}
	if s.State() != bridge.Stopped {
		t.Fatalf("expected transport to stop at the end, got %v", s.State())
	}
	if got := b.Transport(); got.State != bridge.Stopped || got.Playhead != 480 {
		t.Fatalf("published transport %+v", got)
	}
}

func TestTempoChangeLandsOnItsTick(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	apply(t, p,
		timeline.NewSetTempo(p, 240, 240),
		note(p.Track(0).ID(), 64, 90, 480, 120),
	)
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	ons := filter(run(s, snap, 40, 0), NoteOn)
	if len(ons) != 1 {
		t.Fatalf("expected one note-on, got %d", len(ons))
	}
	// 240 ticks at 50 frames/tick, then 240 ticks at 25 frames/tick.
	if ons[0].abs != 18000 {
		t.Fatalf("note-on at frame %d, want 18000", ons[0].abs)
	}
}

func TestOrderWithinTick(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	vol, err := timeline.NewSetParam(p, id, timeline.ParamEvent{Tick: 240, Kind: timeline.ParamVolume, Value: 90})
	if err != nil {
		t.Fatal(err)
	}
	apply(t, p, note(id, 60, 100, 0, 240), note(id, 62, 100, 240, 240), vol)
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	var at240 []InstructionKind
	for _, e := range run(s, snap, 30, 0) {
		if e.in.Tick == 240 {
			at240 = append(at240, e.in.Kind)
		}
	}
	want := []InstructionKind{NoteOff, Param, NoteOn}
	if len(at240) != len(want) {
		t.Fatalf("instructions at tick 240: %v", at240)
	}
	for i := range want {
		if at240[i] != want[i] {
			t.Fatalf("instructions at tick 240: %v, want %v", at240, want)
		}
	}
}

func TestLoopReleasesOnceAndRetriggersOncePerPass(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	apply(t, p,
		note(id, 60, 100, 0, 960),   // ends exactly on the loop end
		note(id, 64, 100, 480, 960), // crosses the loop end
		note(id, 67, 100, 0, 240),
		timeline.NewSetLoop(p, timeline.LoopRegion{Start: 0, End: 960}),
	)
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestLoopActive, On: true})
	s.Control(bridge.Request{Kind: bridge.RequestPlay})

	// One pass is 960 ticks * 50 frames; run four and a half.
	evs := run(s, snap, 4*48000/blockSize+47, 0)
	s.Control(bridge.Request{Kind: bridge.RequestStop})
	evs = append(evs, run(s, snap, 1, 1000)...)

	if s.Loops() < 3 {
		t.Fatalf("expected at least 3 loop passes, got %d", s.Loops())
	}
	type key struct {
		order uint64
		pitch int
	}
	offs := map[key]int{}
	for _, e := range filter(evs, NoteOff) {
		offs[key{e.in.Order, e.in.Pitch}]++
	}
	onsPerPitch := map[int]int{}
	for _, e := range filter(evs, NoteOn) {
		onsPerPitch[e.in.Pitch]++
		if n := offs[key{e.in.Order, e.in.Pitch}]; n != 1 {
			t.Fatalf("note-on %+v got %d note-offs", e.in, n)
		}
	}
	passes := int(s.Loops()) + 1
	for _, pitch := range []int{60, 64, 67} {
		if onsPerPitch[pitch] != passes {
			t.Fatalf("pitch %d triggered %d times over %d passes", pitch, onsPerPitch[pitch], passes)
		}
	}
	// At each boundary the releases precede the re-trigger at the same frame.
	for pass := 1; pass < passes; pass++ {
		frame := pass * 48000
		var kinds []InstructionKind
		for _, e := range evs {
			if e.abs == frame {
				kinds = append(kinds, e.in.Kind)
			}
		}
		if len(kinds) != 4 || kinds[0] != NoteOff || kinds[1] != NoteOff || kinds[2] != NoteOn || kinds[3] != NoteOn {
			t.Fatalf("boundary %d: %v", pass, kinds)
		}
	}
}

func TestLoopEnteredFromBeforeItsStart(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	apply(t, p,
		note(id, 50, 100, 0, 600),    // crosses the loop start
		note(id, 60, 100, 480, 240),  // on the loop start
		note(id, 62, 100, 1200, 480), // crosses the loop end
		note(id, 64, 100, 1440, 100), // on the loop end, never reached
		timeline.NewSetLoop(p, timeline.LoopRegion{Start: 480, End: 1440}),
	)
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestLoopActive, On: true})
	s.Control(bridge.Request{Kind: bridge.RequestPlay})

	// 480 ticks before the loop, then 960 ticks (48000 frames) per pass.
	evs := run(s, snap, 430, 0)
	s.Control(bridge.Request{Kind: bridge.RequestStop})
	evs = append(evs, run(s, snap, 1, 430)...)

	loops := int(s.Loops())
	if loops < 3 {
		t.Fatalf("expected at least 3 loop passes, got %d", loops)
	}
	type key struct {
		order uint64
		pitch int
	}
	offs := map[key]int{}
	for _, e := range filter(evs, NoteOff) {
		offs[key{e.in.Order, e.in.Pitch}]++
	}
	ons := map[int]int{}
	for _, e := range filter(evs, NoteOn) {
		ons[e.in.Pitch]++
		if n := offs[key{e.in.Order, e.in.Pitch}]; n != 1 {
			t.Fatalf("note-on %+v got %d note-offs", e.in, n)
		}
	}
	if len(filter(evs, NoteOff)) != len(filter(evs, NoteOn)) {
		t.Fatalf("%d note-offs for %d note-ons", len(filter(evs, NoteOff)), len(filter(evs, NoteOn)))
	}
	if ons[50] != 1 {
		t.Fatalf("note before the loop triggered %d times", ons[50])
	}
	if ons[60] != loops+1 {
		t.Fatalf("note on the loop start triggered %d times over %d passes", ons[60], loops+1)
	}
	if ons[62] < loops {
		t.Fatalf("note crossing the loop end triggered %d times over %d loops", ons[62], loops)
	}
	if ons[64] != 0 {
		t.Fatalf("note on the loop end sounded %d times", ons[64])
	}
}

func TestFullBufferKeepsNoteOffs(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	for i := 0; i < 4; i++ {
		apply(t, p, note(id, 60+i, 100, 0, 10))
	}
	apply(t, p, note(id, 70, 100, 5, 5), note(id, 71, 100, 5, 5))
	snap := publish(t, b, p)
	s := New(sampleRate, b, Options{MaxInstructions: 2, MaxSounding: 8})
	s.Control(bridge.Request{Kind: bridge.RequestPlay})

	evs := run(s, snap, 2, 0)
	ons, offs := filter(evs, NoteOn), filter(evs, NoteOff)
	if len(ons) == 0 || len(ons) == 6 {
		t.Fatalf("expected some note-ons to be dropped, got %d", len(ons))
	}
	ended := map[int]int{}
	for _, e := range offs {
		ended[e.in.Pitch]++
	}
	for _, e := range ons {
		if ended[e.in.Pitch] != 1 {
			t.Fatalf("pitch %d: note-on emitted with %d note-offs", e.in.Pitch, ended[e.in.Pitch])
		}
	}
	if len(offs) != len(ons) || s.Sounding() != 0 {
		t.Fatalf("%d note-offs for %d note-ons, %d still sounding", len(offs), len(ons), s.Sounding())
	}
	select {
	case w := <-b.Warnings():
		if w.Kind != bridge.WarnInstructionOverflow {
			t.Fatalf("warning %v, want overflow", w.Kind)
		}
	default:
		t.Fatal("no overflow warning posted")
	}
}

func TestStopAndPauseReleaseAndFreeze(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	apply(t, p, note(p.Track(0).ID(), 60, 100, 0, 4800))
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	run(s, snap, 10, 0)
	if s.Sounding() != 1 {
		t.Fatalf("expected one sounding note")
	}

	s.Control(bridge.Request{Kind: bridge.RequestPause})
	out := s.Schedule(snap, blockSize)
	if len(out) != 1 || out[0].Kind != NoteOff || out[0].Frame != 0 {
		t.Fatalf("pause should release at frame 0, got %+v", out)
	}
	frozen := s.Playhead()
	run(s, snap, 5, 0)
	if s.Playhead() != frozen || s.State() != bridge.Paused {
		t.Fatalf("playhead moved while paused: %d -> %d", frozen, s.Playhead())
	}

	s.Control(bridge.Request{Kind: bridge.RequestPlay, Tick: frozen})
	run(s, snap, 2, 0)
	if s.Playhead() <= frozen {
		t.Fatalf("resume did not advance the playhead")
	}
	s.Control(bridge.Request{Kind: bridge.RequestStop})
	if out := s.Schedule(snap, blockSize); len(out) != 0 {
		t.Fatalf("nothing was sounding, got %+v", out)
	}
	if s.State() != bridge.Stopped {
		t.Fatalf("expected stopped")
	}
}

func TestMuteSoloAndGain(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	apply(t, p, timeline.NewAddTrack(p, 1, timeline.InstrumentRef{}))
	first, second := p.Track(0).ID(), p.Track(1).ID()
	solo, _ := timeline.NewSetSolo(p, second, true)
	gain, _ := timeline.NewSetGain(p, second, 64)
	apply(t, p, note(first, 60, 100, 0, 100), note(second, 72, 100, 0, 100), solo, gain)
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	ons := filter(run(s, snap, 2, 0), NoteOn)
	if len(ons) != 1 || ons[0].in.Track != 1 {
		t.Fatalf("only the soloed track should play, got %+v", ons)
	}
	if ons[0].in.Velocity != 100*64/127 {
		t.Fatalf("gain not applied: velocity %d", ons[0].in.Velocity)
	}
}

func TestUnusableSnapshotRendersSilentBlock(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	apply(t, p, note(p.Track(0).ID(), 60, 100, 0, 9600))
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	s.Schedule(snap, blockSize)

	for _, tc := range []struct {
		name string
		snap func() *bridge.Snapshot
		want bridge.WarningKind
	}{
		{"nil", func() *bridge.Snapshot { return nil }, bridge.WarnSnapshotStale},
		{"older generation", func() *bridge.Snapshot { b.NextGeneration(); return snap }, bridge.WarnSnapshotStale},
		{"invalid", func() *bridge.Snapshot {
			return &bridge.Snapshot{Version: 99, Generation: b.Generation(), Project: p, Err: errors.New("broken")}
		}, bridge.WarnSnapshotInvalid},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := s.Playhead()
			out := s.Schedule(tc.snap(), blockSize)
			if len(out) != 1 || out[0].Kind != AllSoundOff {
				t.Fatalf("expected a single all-sound-off, got %+v", out)
			}
			if s.Playhead() <= before || s.State() != bridge.Playing {
				t.Fatalf("transport must keep running")
			}
			select {
			case w := <-b.Warnings():
				if w.Kind != tc.want {
					t.Fatalf("warning %v, want %v", w.Kind, tc.want)
				}
			default:
				t.Fatalf("no warning posted")
			}
		})
	}

	fresh := publish(t, b, p)
	if out := s.Schedule(fresh, blockSize); len(out) != 0 {
		t.Fatalf("fresh snapshot mid-note should emit nothing, got %+v", out)
	}
}

func TestScheduleDoesNotAllocate(t *testing.T) {
	b := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	for i := 0; i < 32; i++ {
		apply(t, p, note(id, 48+i%24, 100, timeline.Tick(i*60), 90))
	}
	apply(t, p, timeline.NewSetLoop(p, timeline.LoopRegion{Start: 0, End: 1920}))
	snap := publish(t, b, p)
	s := New(sampleRate, b, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestLoopActive, On: true})
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	allocs := testing.AllocsPerRun(200, func() {
		s.Schedule(snap, blockSize)
	})
	if allocs != 0 {
		t.Fatalf("Schedule allocated %.1f times per block", allocs)
	}
}

func BenchmarkSchedule(b *testing.B) {
	br := bridge.New()
	p := timeline.New()
	id := p.Track(0).ID()
	for i := 0; i < 256; i++ {
		p.Apply(timeline.InsertNote{Track: id, Note: timeline.Note{Pitch: 36 + i%48, Velocity: 100, Start: timeline.Tick(i * 30), Duration: 120}})
	}
	p.Apply(timeline.NewSetLoop(p, timeline.LoopRegion{Start: 0, End: 7680}))
	snap, _ := br.Publish(p, bank.NewRegistry(bank.Builtin()))
	s := New(sampleRate, br, DefaultOptions())
	s.Control(bridge.Request{Kind: bridge.RequestLoopActive, On: true})
	s.Control(bridge.Request{Kind: bridge.RequestPlay})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Schedule(snap, blockSize)
	}
}
