package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/history"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

type fakeTransport struct {
	state bridge.TransportState
	calls []string
}

func (f *fakeTransport) Play(from timeline.Tick) error {
	f.calls = append(f.calls, fmt.Sprintf("play %d", from))
	f.state.State = bridge.Playing
	return nil
}

func (f *fakeTransport) Stop() error {
	f.calls = append(f.calls, "stop")
	f.state.State = bridge.Stopped
	return nil
}

func (f *fakeTransport) Pause() error {
	f.calls = append(f.calls, "pause")
	f.state.State = bridge.Paused
	return nil
}

func (f *fakeTransport) SetLoopActive(on bool) error {
	f.calls = append(f.calls, fmt.Sprintf("loop %t", on))
	f.state.LoopActive = on
	return nil
}

func (f *fakeTransport) Transport() bridge.TransportState { return f.state }

func newIngestor(opts ...Option) (*Ingestor, *history.Stack) {
	s := history.New(timeline.New())
	return New(s, opts...), s
}

func pianoRoll() Context {
	ctx := NewContext()
	ctx.Panel = PanelPianoRoll
	ctx.Armed = true
	return ctx
}

func handle(t *testing.T, in *Ingestor, ctx Context, want OutcomeKind, events ...Event) Context {
	t.Helper()
	for _, ev := range events {
		var out Outcome
		ctx, out = in.Handle(ctx, ev)
		require.Equal(t, want, out.Kind, "event %s: %s", ev, out.Reason)
	}
	return ctx
}

func TestParseEventRoundTrip(t *testing.T) {
	for _, ev := range Events() {
		got, err := ParseEvent(ev.String())
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
	_, err := ParseEvent("Explode")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestReadScript(t *testing.T) {
	script := "# warm up\nNextPanel\n\n  AddTrack  # trailing comment\nUndo\n"
	events, err := ReadScript(strings.NewReader(script))
	require.NoError(t, err)
	assert.Equal(t, []Event{NextPanel, AddTrack, Undo}, events)

	_, err = ReadScript(strings.NewReader("Play\nJump\nStop\nFly\n"))
	require.Error(t, err)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Line)
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.Contains(t, err.Error(), "line 4")
}

func TestAddTrackThenUndo(t *testing.T) {
	in, s := newIngestor()
	p := s.Project()
	id := p.Track(0).ID()
	require.NoError(t, s.Apply(timeline.InsertNote{Track: id, Note: timeline.Note{Pitch: 60, Velocity: 90, Duration: 240}}))
	before := p.Clone()

	ctx := handle(t, in, NewContext(), OutcomeNavigated, NextPanel)
	require.Equal(t, PanelTracks, ctx.Panel)
	ctx = handle(t, in, ctx, OutcomeApplied, AddTrack)
	assert.Equal(t, 2, p.NumTracks())
	assert.Equal(t, 1, ctx.Track, "new track is selected")

	ctx = handle(t, in, ctx, OutcomeUndone, Undo)
	assert.Equal(t, 1, p.NumTracks())
	assert.True(t, p.Equal(before))
	assert.Equal(t, 0, ctx.Track)
}

func TestNoteEntry(t *testing.T) {
	in, s := newIngestor()
	p := s.Project()

	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C, E, G)
	assert.Equal(t, timeline.Tick(3*480), ctx.Cursor)
	assert.Equal(t, []timeline.Note{
		{Pitch: 60, Velocity: 100, Start: 0, Duration: 480},
		{Pitch: 64, Velocity: 100, Start: 480, Duration: 480},
		{Pitch: 67, Velocity: 100, Start: 960, Duration: 480},
	}, p.Track(0).Notes())

	ctx = handle(t, in, ctx, OutcomeNavigated, Arm)
	_, out := in.Handle(ctx, D)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Equal(t, 3, p.Track(0).NumNotes())
}

func TestNoteEntryAtTopOctaveIsRejected(t *testing.T) {
	in, s := newIngestor()
	ctx := pianoRoll()
	ctx.Octave = 9
	before := s.Project().Clone()

	next, out := in.Handle(ctx, B) // pitch 131
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.ErrorIs(t, out.Err, timeline.ErrValidation)
	assert.Equal(t, ctx.Cursor, next.Cursor, "cursor does not advance")
	assert.True(t, s.Project().Equal(before))
	assert.False(t, s.CanUndo())
}

func TestOutOfContextEventsAreIgnored(t *testing.T) {
	in, s := newIngestor()
	ctx := pianoRoll()

	for _, ev := range []Event{DeleteSelected, Copy, Paste, TransposeUp, Shorten} {
		_, out := in.Handle(ctx, ev)
		assert.Equal(t, OutcomeIgnored, out.Kind, ev.String())
		assert.NotEmpty(t, out.Reason)
	}
	// Track events belong to the tracks panel.
	_, out := in.Handle(ctx, AddTrack)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Contains(t, out.Reason, "piano roll")

	_, out = in.Handle(ctx, Undo)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.ErrorIs(t, out.Err, history.ErrNothingToUndo)
	assert.False(t, s.CanUndo())
}

func TestDeleteSelectedIsOneUndoUnit(t *testing.T) {
	in, s := newIngestor()
	p := s.Project()
	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C, D, E, F)
	before := p.Clone()

	ctx = handle(t, in, ctx, OutcomeNavigated, SelectAll)
	require.Len(t, ctx.Selected, 4)
	ctx = handle(t, in, ctx, OutcomeApplied, DeleteSelected)
	assert.Empty(t, ctx.Selected)
	assert.Equal(t, 0, p.Track(0).NumNotes())

	handle(t, in, ctx, OutcomeUndone, Undo)
	assert.True(t, p.Equal(before))
}

func TestTransposeNeighbours(t *testing.T) {
	in, s := newIngestor()
	id := s.Project().Track(0).ID()
	for _, pitch := range []int{60, 61} {
		require.NoError(t, s.Apply(timeline.InsertNote{Track: id, Note: timeline.Note{Pitch: pitch, Velocity: 100, Duration: 480}}))
	}
	ctx := handle(t, in, pianoRoll(), OutcomeNavigated, SelectAll)
	ctx = handle(t, in, ctx, OutcomeApplied, TransposeUp)

	notes := s.Project().Track(0).Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, 61, notes[0].Pitch)
	assert.Equal(t, 62, notes[1].Pitch)
	assert.Equal(t, notes, ctx.Selected, "selection follows the notes")
}

func TestShortenToZeroIsRejected(t *testing.T) {
	in, s := newIngestor()
	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C, E)
	ctx = handle(t, in, ctx, OutcomeNavigated, SelectAll)
	before := s.Project().Clone()
	undo, _ := s.Len()

	next, out := in.Handle(ctx, Shorten)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.True(t, errors.Is(out.Err, timeline.ErrValidation), "got %v", out.Err)
	assert.True(t, s.Project().Equal(before), "composite must roll back")
	assert.Equal(t, ctx.Selected, next.Selected)
	after, _ := s.Len()
	assert.Equal(t, undo, after)
}

func TestCopyPasteAtCursor(t *testing.T) {
	in, s := newIngestor()
	ctx := pianoRoll()
	ctx.Cursor = 480
	ctx = handle(t, in, ctx, OutcomeApplied, C, D)
	ctx = handle(t, in, ctx, OutcomeNavigated, SelectAll, Copy, CursorEnd)
	require.Equal(t, timeline.Tick(1440), ctx.Cursor)

	ctx = handle(t, in, ctx, OutcomeApplied, Paste)
	notes := s.Project().Track(0).Notes()
	require.Len(t, notes, 4)
	assert.Equal(t, timeline.Note{Pitch: 60, Velocity: 100, Start: 1440, Duration: 480}, notes[2])
	assert.Equal(t, timeline.Note{Pitch: 62, Velocity: 100, Start: 1920, Duration: 480}, notes[3])
	assert.Equal(t, notes[2:], ctx.Selected)

	// Pasting onto the same notes clashes.
	_, out := in.Handle(ctx, Paste)
	assert.Equal(t, OutcomeRejected, out.Kind)
}

func TestSelectionSteps(t *testing.T) {
	in, _ := newIngestor()
	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C, D, E)
	ctx.Cursor = 480

	ctx = handle(t, in, ctx, OutcomeNavigated, SelectNext)
	assert.Equal(t, 62, ctx.Selected[0].Pitch)
	ctx = handle(t, in, ctx, OutcomeNavigated, SelectNext)
	assert.Equal(t, 64, ctx.Selected[0].Pitch)
	_, out := in.Handle(ctx, SelectNext)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	ctx = handle(t, in, ctx, OutcomeNavigated, SelectPrevious, SelectPrevious)
	assert.Equal(t, 60, ctx.Selected[0].Pitch)
}

func TestSelectionSurvivesUndo(t *testing.T) {
	in, _ := newIngestor()
	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C)
	ctx = handle(t, in, ctx, OutcomeNavigated, SelectAll)
	ctx = handle(t, in, ctx, OutcomeUndone, Undo)
	assert.Empty(t, ctx.Selected, "undone notes drop out of the selection")
}

func TestParamNudges(t *testing.T) {
	in, s := newIngestor()
	ctx := pianoRoll()
	ctx = handle(t, in, ctx, OutcomeApplied, VolumeDown, PanLeft, PanLeft)
	tr := s.Project().Track(0)
	v, _ := tr.ParamAt(timeline.ParamVolume, 0)
	pan, _ := tr.ParamAt(timeline.ParamPan, 0)
	assert.Equal(t, 127-paramStep, v)
	assert.Equal(t, -2*paramStep, pan)
	assert.Equal(t, 2, tr.NumParams(), "the second pan replaces the first")

	_, out := in.Handle(ctx, VolumeUp)
	assert.Equal(t, OutcomeApplied, out.Kind)
	_, out = in.Handle(ctx, VolumeUp)
	assert.Equal(t, OutcomeIgnored, out.Kind, "volume already at maximum")
}

func TestTrackPanel(t *testing.T) {
	in, s := newIngestor()
	p := s.Project()
	ctx := NewContext()
	ctx.Panel = PanelTracks

	ctx = handle(t, in, ctx, OutcomeApplied, AddTrack, Mute, Solo, GainDown, NextProgram)
	tr := p.Track(1)
	assert.True(t, tr.Mute())
	assert.True(t, tr.Solo())
	assert.Equal(t, timeline.MaxGain-gainStep, tr.Gain())
	assert.Equal(t, 1, tr.Instrument().Program)
	id := tr.ID()

	ctx = handle(t, in, ctx, OutcomeApplied, MoveTrackUp)
	assert.Equal(t, 0, ctx.Track)
	assert.Equal(t, id, p.Track(0).ID())
	_, out := in.Handle(ctx, MoveTrackUp)
	assert.Equal(t, OutcomeIgnored, out.Kind)

	ctx = handle(t, in, ctx, OutcomeNavigated, NextTrack)
	assert.Equal(t, 1, ctx.Track)
	ctx = handle(t, in, ctx, OutcomeApplied, RemoveTrack)
	assert.Equal(t, 1, p.NumTracks())
	assert.Equal(t, 0, ctx.Track)
}

func TestInstrumentBrowser(t *testing.T) {
	in, s := newIngestor(WithLibrary(bank.NewRegistry(bank.Builtin()).Refs()))
	ctx := NewContext()
	ctx.Panel = PanelTracks

	ctx = handle(t, in, ctx, OutcomeNavigated, EnableSoundFontPanel)
	assert.Equal(t, PanelOpenFile, ctx.Panel)
	assert.Equal(t, timeline.InstrumentRef{Bank: timeline.DefaultBank, Program: 0}, ctx.Candidate)

	_, out := in.Handle(ctx, PreviousFile)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	_, out = in.Handle(ctx, AddTrack)
	assert.Equal(t, OutcomeIgnored, out.Kind, "the browser is modal")

	ctx = handle(t, in, ctx, OutcomeNavigated, NextFile, NextFile)
	ctx = handle(t, in, ctx, OutcomeApplied, SelectFile)
	assert.Equal(t, PanelTracks, ctx.Panel)
	assert.Equal(t, 2, s.Project().Track(0).Instrument().Program)

	ctx = handle(t, in, ctx, OutcomeNavigated, EnableSoundFontPanel, NextFile, CloseOpenFile)
	assert.Equal(t, PanelTracks, ctx.Panel)
	assert.Equal(t, 2, s.Project().Track(0).Instrument().Program)
}

func TestTransportEvents(t *testing.T) {
	ft := &fakeTransport{}
	in, s := newIngestor(WithTransport(ft))
	ctx := NewContext()

	handle(t, in, ctx, OutcomeTransport, PlayStop, Pause, Play, PlayStop)
	assert.Equal(t, []string{"play 0", "pause", "play 0", "stop"}, ft.calls)

	_, out := in.Handle(ctx, ToggleLoop)
	assert.Equal(t, OutcomeIgnored, out.Kind)

	require.NoError(t, s.Apply(timeline.NewSetLoop(s.Project(), timeline.LoopRegion{Start: 0, End: 960})))
	handle(t, in, ctx, OutcomeTransport, ToggleLoop, ToggleLoop)
	assert.Equal(t, []string{"loop true", "loop false"}, ft.calls[4:])

	bare, _ := newIngestor()
	_, out = bare.Handle(ctx, Play)
	assert.Equal(t, OutcomeIgnored, out.Kind)
}

func TestMusicPanel(t *testing.T) {
	in, s := newIngestor()
	p := s.Project()
	ctx := NewContext()
	ctx.Cursor = 960

	ctx = handle(t, in, ctx, OutcomeApplied, TempoUp, TempoUp, NumeratorDown, LoopStart, PlayheadToCursor)
	assert.Equal(t, timeline.DefaultBPM+2, p.TempoAt(960).BPM)
	assert.Equal(t, timeline.DefaultBPM, p.TempoAt(959).BPM)
	assert.Equal(t, 3, p.TimeSignatureAt(960).Num)
	r, ok := p.Loop()
	require.True(t, ok)
	assert.Equal(t, timeline.LoopRegion{Start: 960, End: 960 + 3*480}, r)
	assert.Equal(t, timeline.Tick(960), p.Playhead())

	ctx = handle(t, in, ctx, OutcomeNavigated, CursorRight, CursorRight)
	ctx = handle(t, in, ctx, OutcomeApplied, LoopEnd)
	r, _ = p.Loop()
	assert.Equal(t, timeline.Tick(1920), r.End)

	ctx = handle(t, in, ctx, OutcomeNavigated, CursorStart)
	_, out := in.Handle(ctx, RemoveTempo)
	assert.Equal(t, OutcomeRejected, out.Kind, "the first tempo cannot be removed")
	_, out = in.Handle(ctx, LoopEnd)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	handle(t, in, ctx, OutcomeApplied, ClearLoop)
	_, ok = p.Loop()
	assert.False(t, ok)
}

func TestNewFileIsUndoable(t *testing.T) {
	in, s := newIngestor()
	ctx := handle(t, in, pianoRoll(), OutcomeApplied, C, D)
	before := s.Project().Clone()

	ctx = handle(t, in, ctx, OutcomeApplied, NewFile)
	assert.True(t, s.Project().Equal(timeline.New()))
	assert.Zero(t, ctx.Cursor)
	handle(t, in, ctx, OutcomeUndone, Undo)
	assert.True(t, s.Project().Equal(before))
}

func TestExternalEvents(t *testing.T) {
	in, _ := newIngestor()
	for _, ev := range []Event{OpenFile, SaveFile, SaveFileAs, ExportFile, Quit} {
		_, out := in.Handle(NewContext(), ev)
		assert.Equal(t, OutcomeExternal, out.Kind, ev.String())
	}
}

const replayScript = `
NextPanel
AddTrack
NextProgram
NextPanel
Arm
C
E
G
OctaveUp
BeatDown
C
CursorStart
SelectAll
TransposeUp
Copy
CursorEnd
Paste
VolumeDown
Undo
Redo
PreviousPanel
Mute
PreviousPanel
TempoUp
LoopStart
`

func TestReplayIsDeterministic(t *testing.T) {
	events, err := ReadScript(strings.NewReader(replayScript))
	require.NoError(t, err)

	run := func() (*timeline.Project, Context, []Outcome) {
		in, s := newIngestor(WithTransport(&fakeTransport{}))
		ctx, outs := in.Replay(NewContext(), events)
		return s.Project(), ctx, outs
	}
	p1, ctx1, outs1 := run()
	p2, ctx2, outs2 := run()

	assert.True(t, p1.Equal(p2))
	assert.Equal(t, ctx1, ctx2)
	require.Len(t, outs1, len(events))
	for i := range outs1 {
		assert.Equal(t, outs1[i].Kind, outs2[i].Kind, "event %d", i)
		assert.NotEqual(t, OutcomeRejected, outs1[i].Kind, "event %d %s: %s", i, events[i], outs1[i].Reason)
	}
	assert.Equal(t, 2, p1.NumTracks())
	assert.Equal(t, 8, p1.Track(1).NumNotes())
}
