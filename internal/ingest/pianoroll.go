package ingest

import (
	"slices"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

func (in *Ingestor) pianoRollEvent(ctx Context, ev Event, p *timeline.Project) (Context, Outcome) {
	beat := ctx.BeatTicks(p.PPQ())
	switch ev {
	case Arm:
		ctx.Armed = !ctx.Armed
		return ctx, navigated(ev)
	case OctaveUp, OctaveDown:
		o := ctx.Octave + 1
		if ev == OctaveDown {
			o = ctx.Octave - 1
		}
		if o < minOctave || o > maxOctave {
			return ctx, ignored(ev, "octave %d out of range", o)
		}
		ctx.Octave = o
		return ctx, navigated(ev)
	case BeatUp, BeatDown:
		b := ctx.Beat + 1
		if ev == BeatDown {
			b = ctx.Beat - 1
		}
		if b < 0 || b >= len(beats) {
			return ctx, ignored(ev, "no more input beats")
		}
		ctx.Beat = b
		return ctx, navigated(ev)
	case VelocityUp, VelocityDown:
		v := ctx.Velocity + velocityStep
		if ev == VelocityDown {
			v = ctx.Velocity - velocityStep
		}
		v = timeline.Clamp(v, timeline.MinVelocity, timeline.MaxVelocity)
		if v == ctx.Velocity {
			return ctx, ignored(ev, "velocity already at %d", v)
		}
		ctx.Velocity = v
		return ctx, navigated(ev)
	case CursorLeft:
		if ctx.Cursor == 0 {
			return ctx, ignored(ev, "cursor at start")
		}
		ctx.Cursor = max(ctx.Cursor-beat, 0)
		return ctx, navigated(ev)
	case CursorRight:
		ctx.Cursor += beat
		return ctx, navigated(ev)
	case CursorStart:
		ctx.Cursor = 0
		return ctx, navigated(ev)
	case CursorEnd:
		ctx.Cursor = p.End()
		return ctx, navigated(ev)
	}

	t := p.Track(ctx.Track)
	if t == nil {
		return ctx, ignored(ev, "no track selected")
	}
	if ev.IsNote() {
		if !ctx.Armed {
			return ctx, ignored(ev, "input is not armed")
		}
		n := timeline.Note{
			Pitch:    (ctx.Octave+1)*12 + int(ev-C),
			Velocity: ctx.Velocity,
			Start:    ctx.Cursor,
			Duration: beat,
		}
		next := ctx
		next.Cursor += beat
		return in.submit(ctx, next, ev, timeline.InsertNote{Track: t.ID(), Note: n})
	}

	switch ev {
	case SelectNext, SelectPrevious:
		return selectStep(ctx, ev, t)
	case SelectAll:
		if t.NumNotes() == 0 {
			return ctx, ignored(ev, "track has no notes")
		}
		ctx.Selected = slices.Clone(t.Notes())
		return ctx, navigated(ev)
	case Deselect:
		ctx.Selected = nil
		return ctx, navigated(ev)
	case Copy:
		if len(ctx.Selected) == 0 {
			return ctx, ignored(ev, "nothing selected")
		}
		ctx.Clipboard = slices.Clone(ctx.Selected)
		return ctx, navigated(ev)
	case Cut, DeleteSelected:
		if len(ctx.Selected) == 0 {
			return ctx, ignored(ev, "nothing selected")
		}
		steps := make([]timeline.Command, len(ctx.Selected))
		for i, n := range ctx.Selected {
			steps[i] = timeline.RemoveNote{Track: t.ID(), Note: n}
		}
		next := ctx
		next.Selected = nil
		if ev == Cut {
			next.Clipboard = slices.Clone(ctx.Selected)
		}
		return in.submit(ctx, next, ev, timeline.NewComposite(ev.String(), steps...))
	case Paste:
		return in.paste(ctx, ev, t)
	case TransposeUp, TransposeDown:
		d := 1
		if ev == TransposeDown {
			d = -1
		}
		return in.reshape(ctx, ev, t, func(n timeline.Note) timeline.Note {
			n.Pitch += d
			return n
		})
	case MoveLeft, MoveRight:
		d := beat
		if ev == MoveLeft {
			d = -beat
		}
		return in.reshape(ctx, ev, t, func(n timeline.Note) timeline.Note {
			n.Start += d
			return n
		})
	case Lengthen, Shorten:
		d := beat
		if ev == Shorten {
			d = -beat
		}
		return in.reshape(ctx, ev, t, func(n timeline.Note) timeline.Note {
			n.Duration += d
			return n
		})
	case VolumeUp, VolumeDown:
		d := paramStep
		if ev == VolumeDown {
			d = -paramStep
		}
		return in.nudgeParam(ctx, ev, p, t, timeline.ParamVolume, d)
	case PanLeft, PanRight:
		d := paramStep
		if ev == PanLeft {
			d = -paramStep
		}
		return in.nudgeParam(ctx, ev, p, t, timeline.ParamPan, d)
	}
	return ctx, ignored(ev, "unhandled event")
}

// selectStep selects the single note after (or before) the current
// selection, or the first note at or after the cursor when nothing is
// selected.
func selectStep(ctx Context, ev Event, t *timeline.Track) (Context, Outcome) {
	notes := t.Notes()
	var i int
	switch {
	case len(ctx.Selected) > 0 && ev == SelectNext:
		j, _ := slices.BinarySearchFunc(notes, ctx.Selected[len(ctx.Selected)-1], compareNotes)
		i = j + 1
	case len(ctx.Selected) > 0:
		j, _ := slices.BinarySearchFunc(notes, ctx.Selected[0], compareNotes)
		i = j - 1
	case ev == SelectNext:
		i, _ = slices.BinarySearchFunc(notes, timeline.Note{Start: ctx.Cursor, Pitch: timeline.MinPitch}, compareNotes)
	default:
		j, _ := slices.BinarySearchFunc(notes, timeline.Note{Start: ctx.Cursor, Pitch: timeline.MinPitch}, compareNotes)
		i = j - 1
	}
	if i < 0 || i >= len(notes) {
		return ctx, ignored(ev, "no more notes")
	}
	ctx.Selected = []timeline.Note{notes[i]}
	return ctx, navigated(ev)
}

// reshape replaces every selected note with fn(note) as one undo unit. All
// removals come first so notes may move onto each other's old places.
func (in *Ingestor) reshape(ctx Context, ev Event, t *timeline.Track, fn func(timeline.Note) timeline.Note) (Context, Outcome) {
	if len(ctx.Selected) == 0 {
		return ctx, ignored(ev, "nothing selected")
	}
	steps := make([]timeline.Command, 0, 2*len(ctx.Selected))
	moved := make([]timeline.Note, len(ctx.Selected))
	for i, n := range ctx.Selected {
		steps = append(steps, timeline.RemoveNote{Track: t.ID(), Note: n})
		moved[i] = fn(n)
	}
	for _, n := range moved {
		steps = append(steps, timeline.InsertNote{Track: t.ID(), Note: n})
	}
	next := ctx
	next.Selected = sortedNotes(moved)
	return in.submit(ctx, next, ev, timeline.NewComposite(ev.String(), steps...))
}

// paste inserts the clipboard with its earliest note at the cursor and
// selects the pasted notes.
func (in *Ingestor) paste(ctx Context, ev Event, t *timeline.Track) (Context, Outcome) {
	if len(ctx.Clipboard) == 0 {
		return ctx, ignored(ev, "clipboard is empty")
	}
	first := ctx.Clipboard[0].Start
	for _, n := range ctx.Clipboard {
		first = min(first, n.Start)
	}
	pasted := make([]timeline.Note, len(ctx.Clipboard))
	steps := make([]timeline.Command, len(ctx.Clipboard))
	for i, n := range ctx.Clipboard {
		n.Start = n.Start - first + ctx.Cursor
		pasted[i] = n
		steps[i] = timeline.InsertNote{Track: t.ID(), Note: n}
	}
	next := ctx
	next.Selected = sortedNotes(pasted)
	return in.submit(ctx, next, ev, timeline.NewComposite(ev.String(), steps...))
}

// nudgeParam moves a lane's value at the cursor by delta.
func (in *Ingestor) nudgeParam(ctx Context, ev Event, p *timeline.Project, t *timeline.Track, kind timeline.ParamKind, delta int) (Context, Outcome) {
	cur, ok := t.ParamAt(kind, ctx.Cursor)
	if !ok {
		cur = defaultParam(kind)
	}
	lo, hi := kind.Range()
	v := timeline.Clamp(cur+delta, lo, hi)
	if v == cur {
		return ctx, ignored(ev, "%s already at %d", kind, v)
	}
	cmd, err := timeline.NewSetParam(p, t.ID(), timeline.ParamEvent{Tick: ctx.Cursor, Kind: kind, Value: v})
	if err != nil {
		return ctx, rejected(ev, err)
	}
	return in.submit(ctx, ctx, ev, cmd)
}

// defaultParam is the lane value before its first event.
func defaultParam(kind timeline.ParamKind) int {
	if kind == timeline.ParamVolume {
		return 127
	}
	return 0
}
