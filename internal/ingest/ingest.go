// Package ingest turns discrete input events into timeline commands.
//
// An Ingestor resolves each event against an explicit selection Context and
// submits at most one command to the history stack. Navigation only changes
// the returned Context; transport events go to a Transport.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/history"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

const (
	gainStep  = 8
	paramStep = 8
	tempoStep = 1.0
)

// Transport is the playback control used by transport events.
type Transport interface {
	Play(from timeline.Tick) error
	Stop() error
	Pause() error
	SetLoopActive(on bool) error
	Transport() bridge.TransportState
}

type OutcomeKind int

const (
	// OutcomeNavigated means only the context changed.
	OutcomeNavigated OutcomeKind = iota
	OutcomeApplied
	OutcomeUndone
	OutcomeRedone
	OutcomeTransport
	// OutcomeExternal marks events handled outside the engine, such as file
	// dialogs and quitting.
	OutcomeExternal
	// OutcomeIgnored is a no-op: the event made no sense in its context.
	OutcomeIgnored
	// OutcomeRejected means the command failed validation. The project is
	// unchanged.
	OutcomeRejected
)

var outcomeNames = [...]string{"navigated", "applied", "undone", "redone", "transport", "external", "ignored", "rejected"}

func (k OutcomeKind) String() string {
	if k >= 0 && int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome reports what Handle did with an event.
type Outcome struct {
	Event   Event
	Kind    OutcomeKind
	Command timeline.Command // applied, undone or redone command
	Reason  string
	Err     error
}

// Changed reports whether the project was modified.
func (o Outcome) Changed() bool {
	return o.Kind == OutcomeApplied || o.Kind == OutcomeUndone || o.Kind == OutcomeRedone
}

type Option func(*Ingestor)

func WithTransport(t Transport) Option {
	return func(in *Ingestor) {
		in.transport = t
	}
}

// WithLibrary sets the instruments offered by the browser panel.
func WithLibrary(refs []timeline.InstrumentRef) Option {
	return func(in *Ingestor) {
		in.library = slices.Clone(refs)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingestor) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// Ingestor is not safe for concurrent use; it runs on the control path with
// the stack it feeds.
type Ingestor struct {
	stack     *history.Stack
	transport Transport
	library   []timeline.InstrumentRef
	logger    *slog.Logger
}

func New(stack *history.Stack, opts ...Option) *Ingestor {
	in := &Ingestor{stack: stack, logger: slog.Default()}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Replay handles events in order and returns the final context with one
// outcome per event.
func (in *Ingestor) Replay(ctx Context, events []Event) (Context, []Outcome) {
	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		var out Outcome
		ctx, out = in.Handle(ctx, ev)
		outcomes = append(outcomes, out)
	}
	return ctx, outcomes
}

// Handle resolves ev against ctx. It returns the updated context and what
// happened; a rejected or ignored event returns ctx unchanged apart from
// clamping to the current project.
func (in *Ingestor) Handle(ctx Context, ev Event) (Context, Outcome) {
	p := in.stack.Project()
	ctx = ctx.synced(p)
	if ev < 0 || ev >= numEvents {
		return ctx, ignored(ev, "unknown event")
	}
	if !availableIn(ev, ctx.Panel) {
		return ctx, ignored(ev, "not available in the %s panel", ctx.Panel)
	}
	next, out := in.dispatch(ctx, ev, p)
	switch out.Kind {
	case OutcomeIgnored:
		in.logger.Debug("event ignored", "event", ev.String(), "reason", out.Reason)
	case OutcomeRejected:
		in.logger.Info("event rejected", "event", ev.String(), "err", out.Err)
	}
	return next, out
}

func availableIn(ev Event, panel Panel) bool {
	if panel == PanelOpenFile {
		switch ev {
		case CloseOpenFile, SelectFile, NextFile, PreviousFile, Quit:
			return true
		}
		return false
	}
	switch {
	case ev >= EnableSoundFontPanel && ev <= PreviousProgram:
		return ev != CloseOpenFile && ev != SelectFile && ev != NextFile && ev != PreviousFile &&
			panel == PanelTracks
	case ev >= Arm && ev <= PanRight:
		switch ev {
		case CursorLeft, CursorRight, CursorStart, CursorEnd, BeatUp, BeatDown:
			return panel == PanelPianoRoll || panel == PanelMusic
		}
		return panel == PanelPianoRoll
	case ev >= TempoUp && ev <= PlayheadToCursor:
		return panel == PanelMusic
	}
	return true
}

func (in *Ingestor) dispatch(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	switch ev {
	case NextPanel, PreviousPanel:
		i := slices.Index(cycle[:], ctx.Panel)
		step := 1
		if ev == PreviousPanel {
			step = len(cycle) - 1
		}
		ctx.Panel = cycle[(max(i, 0)+step)%len(cycle)]
		return ctx, navigated(ev)
	case Undo:
		cmd, err := in.stack.Undo()
		return in.historyOutcome(ctx, ev, cmd, err, OutcomeUndone)
	case Redo:
		cmd, err := in.stack.Redo()
		return in.historyOutcome(ctx, ev, cmd, err, OutcomeRedone)
	case NewFile:
		fresh := timeline.New(timeline.WithPPQ(p.PPQ()))
		next := ctx
		next.Track, next.Cursor, next.Selected = 0, 0, nil
		return in.submit(ctx, next, ev, timeline.NewReplaceProject(p, fresh))
	case OpenFile, SaveFile, SaveFileAs, ExportFile, Quit:
		return ctx, Outcome{Event: ev, Kind: OutcomeExternal}
	case Play, Stop, Pause, PlayStop, ToggleLoop:
		return in.transportEvent(ctx, ev, p)
	}
	switch {
	case ev >= EnableSoundFontPanel && ev <= PreviousFile:
		return in.browserEvent(ctx, ev, p)
	case ev >= AddTrack && ev <= PreviousProgram:
		return in.trackEvent(ctx, ev, p)
	case ev >= Arm && ev <= PanRight:
		return in.pianoRollEvent(ctx, ev, p)
	case ev >= TempoUp && ev <= PlayheadToCursor:
		return in.musicEvent(ctx, ev, p)
	}
	return ctx, ignored(ev, "unhandled event")
}

func navigated(ev Event) Outcome { return Outcome{Event: ev, Kind: OutcomeNavigated} }

func ignored(ev Event, format string, args ...any) Outcome {
	return Outcome{Event: ev, Kind: OutcomeIgnored, Reason: fmt.Sprintf(format, args...)}
}

// submit applies cmd and returns next on success, ctx otherwise.
func (in *Ingestor) submit(ctx, next Context, ev Event, cmd timeline.Command) (Context, Outcome) {
	if err := in.stack.Apply(cmd); err != nil {
		return ctx, Outcome{Event: ev, Kind: OutcomeRejected, Command: cmd, Reason: err.Error(), Err: err}
	}
	return next.synced(in.stack.Project()), Outcome{Event: ev, Kind: OutcomeApplied, Command: cmd}
}

func (in *Ingestor) historyOutcome(ctx Context, ev Event, cmd timeline.Command, err error, kind OutcomeKind) (Context, Outcome) {
	switch {
	case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo):
		return ctx, Outcome{Event: ev, Kind: OutcomeIgnored, Reason: err.Error(), Err: err}
	case err != nil:
		return ctx, Outcome{Event: ev, Kind: OutcomeRejected, Reason: err.Error(), Err: err}
	}
	return ctx.synced(in.stack.Project()), Outcome{Event: ev, Kind: kind, Command: cmd}
}

func (in *Ingestor) transportEvent(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	t := in.transport
	if t == nil {
		return ctx, ignored(ev, "no transport")
	}
	ts := t.Transport()
	play := func() error {
		if ts.State == bridge.Paused {
			return t.Play(ts.Playhead)
		}
		return t.Play(p.Playhead())
	}
	var err error
	switch ev {
	case Play:
		err = play()
	case Stop:
		err = t.Stop()
	case Pause:
		if ts.State != bridge.Playing {
			return ctx, ignored(ev, "not playing")
		}
		err = t.Pause()
	case PlayStop:
		if ts.State == bridge.Playing {
			err = t.Stop()
		} else {
			err = play()
		}
	case ToggleLoop:
		if _, ok := p.Loop(); !ok {
			return ctx, ignored(ev, "no loop region")
		}
		err = t.SetLoopActive(!ts.LoopActive)
	}
	if err != nil {
		return ctx, Outcome{Event: ev, Kind: OutcomeIgnored, Reason: err.Error(), Err: err}
	}
	return ctx, Outcome{Event: ev, Kind: OutcomeTransport}
}

func (in *Ingestor) browserEvent(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	t := p.Track(ctx.Track)
	if t == nil {
		return ctx, ignored(ev, "no track selected")
	}
	switch ev {
	case EnableSoundFontPanel:
		if len(in.library) == 0 {
			return ctx, ignored(ev, "no instruments available")
		}
		ctx.Previous, ctx.Panel = ctx.Panel, PanelOpenFile
		ctx.Candidate = t.Instrument()
		if slices.Index(in.library, ctx.Candidate) < 0 {
			ctx.Candidate = in.library[0]
		}
		return ctx, navigated(ev)
	case CloseOpenFile:
		ctx.Panel = ctx.Previous
		return ctx, navigated(ev)
	case NextFile, PreviousFile:
		i := slices.Index(in.library, ctx.Candidate)
		if ev == NextFile {
			i++
		} else {
			i--
		}
		if i < 0 || i >= len(in.library) {
			return ctx, ignored(ev, "no more instruments")
		}
		ctx.Candidate = in.library[i]
		return ctx, navigated(ev)
	case SelectFile:
		next := ctx
		next.Panel = ctx.Previous
		if t.Instrument() == ctx.Candidate {
			ctx.Panel = ctx.Previous
			return ctx, navigated(ev)
		}
		cmd, err := timeline.NewSetInstrument(p, t.ID(), ctx.Candidate)
		if err != nil {
			return ctx, rejected(ev, err)
		}
		return in.submit(ctx, next, ev, cmd)
	}
	return ctx, ignored(ev, "unhandled event")
}

func rejected(ev Event, err error) Outcome {
	return Outcome{Event: ev, Kind: OutcomeRejected, Reason: err.Error(), Err: err}
}

func (in *Ingestor) trackEvent(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	if ev == AddTrack {
		next := ctx
		next.Track = min(ctx.Track+1, p.NumTracks())
		next.Selected = nil
		return in.submit(ctx, next, ev, timeline.NewAddTrack(p, next.Track, timeline.InstrumentRef{}))
	}
	t := p.Track(ctx.Track)
	if t == nil {
		return ctx, ignored(ev, "no track selected")
	}
	var (
		cmd timeline.Command
		err error
	)
	next := ctx
	switch ev {
	case RemoveTrack:
		cmd, err = timeline.NewRemoveTrack(p, ctx.Track)
		next.Selected = nil
	case NextTrack, PreviousTrack:
		i := ctx.Track + 1
		if ev == PreviousTrack {
			i = ctx.Track - 1
		}
		if i < 0 || i >= p.NumTracks() {
			return ctx, ignored(ev, "no more tracks")
		}
		next.Track, next.Selected = i, nil
		return next, navigated(ev)
	case MoveTrackUp, MoveTrackDown:
		to := ctx.Track - 1
		if ev == MoveTrackDown {
			to = ctx.Track + 1
		}
		if to < 0 || to >= p.NumTracks() {
			return ctx, ignored(ev, "track cannot move further")
		}
		cmd = timeline.MoveTrack{From: ctx.Track, To: to}
		next.Track = to
	case Mute:
		cmd, err = timeline.NewSetMute(p, t.ID(), !t.Mute())
	case Solo:
		cmd, err = timeline.NewSetSolo(p, t.ID(), !t.Solo())
	case GainUp, GainDown:
		delta := gainStep
		if ev == GainDown {
			delta = -gainStep
		}
		g := timeline.Clamp(t.Gain()+delta, 0, timeline.MaxGain)
		if g == t.Gain() {
			return ctx, ignored(ev, "gain already at %d", g)
		}
		cmd, err = timeline.NewSetGain(p, t.ID(), g)
	case NextProgram, PreviousProgram:
		ref := t.Instrument()
		if ev == NextProgram {
			ref.Program++
		} else {
			ref.Program--
		}
		if ref.Program < 0 || ref.Program > timeline.MaxProgram {
			return ctx, ignored(ev, "no more programs")
		}
		cmd, err = timeline.NewSetInstrument(p, t.ID(), ref)
	}
	if err != nil {
		return ctx, rejected(ev, err)
	}
	return in.submit(ctx, next, ev, cmd)
}

func (in *Ingestor) musicEvent(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	var (
		cmd timeline.Command
		err error
	)
	switch ev {
	case TempoUp, TempoDown:
		bpm := p.TempoAt(ctx.Cursor).BPM
		if ev == TempoUp {
			bpm += tempoStep
		} else {
			bpm -= tempoStep
		}
		cmd = timeline.NewSetTempo(p, ctx.Cursor, bpm)
	case RemoveTempo:
		cmd, err = timeline.NewRemoveTempo(p, ctx.Cursor)
	case NumeratorUp, NumeratorDown:
		ts := p.TimeSignatureAt(ctx.Cursor)
		if ev == NumeratorUp {
			ts.Num++
		} else {
			ts.Num--
		}
		cmd = timeline.NewSetTimeSig(p, ctx.Cursor, ts.Num, ts.Den)
	case LoopStart:
		r, ok := p.Loop()
		r.Start = ctx.Cursor
		if !ok || r.End <= r.Start {
			r.End = ctx.Cursor + barTicks(p, ctx.Cursor)
		}
		cmd = timeline.NewSetLoop(p, r)
	case LoopEnd:
		r, _ := p.Loop()
		r.End = ctx.Cursor
		if r.End <= r.Start {
			return ctx, ignored(ev, "loop end must follow loop start %d", r.Start)
		}
		cmd = timeline.NewSetLoop(p, r)
	case ClearLoop:
		if _, ok := p.Loop(); !ok {
			return ctx, ignored(ev, "no loop region")
		}
		cmd = timeline.NewSetLoop(p, timeline.LoopRegion{})
	case PlayheadToCursor:
		if p.Playhead() == ctx.Cursor {
			return ctx, ignored(ev, "playhead already at cursor")
		}
		cmd = timeline.NewSetPlayhead(p, ctx.Cursor)
	}
	if err != nil {
		return ctx, rejected(ev, err)
	}
	return in.submit(ctx, ctx, ev, cmd)
}

// barTicks is the length of the bar in effect at t.
func barTicks(p *timeline.Project, t timeline.Tick) timeline.Tick {
	ts := p.TimeSignatureAt(t)
	return timeline.Tick(p.PPQ() * 4 * ts.Num / ts.Den)
}
