package timeline

// Builders read prior values from the current project so callers only name
// the new state. The returned commands are validated again when applied.

// NewAddTrack appends a new empty track after index (or at the end when
// index is out of range).
func NewAddTrack(p *Project, index int, inst InstrumentRef) AddTrack {
	if index < 0 || index > len(p.tracks) {
		index = len(p.tracks)
	}
	t := newTrack(p.nextTrackID())
	if inst.Bank != "" {
		t.instrument = inst
	}
	return AddTrack{Index: index, Track: t.data()}
}

// NewRemoveTrack removes the track at index.
func NewRemoveTrack(p *Project, index int) (RemoveTrack, error) {
	t := p.Track(index)
	if t == nil {
		return RemoveTrack{}, invalid("remove track", "index %d out of range", index)
	}
	return RemoveTrack{Index: index, Track: t.data()}, nil
}

func NewSetMute(p *Project, id TrackID, mute bool) (SetMute, error) {
	t, err := p.trackFor("set mute", id)
	if err != nil {
		return SetMute{}, err
	}
	return SetMute{Track: id, Old: t.mute, New: mute}, nil
}

func NewSetSolo(p *Project, id TrackID, solo bool) (SetSolo, error) {
	t, err := p.trackFor("set solo", id)
	if err != nil {
		return SetSolo{}, err
	}
	return SetSolo{Track: id, Old: t.solo, New: solo}, nil
}

func NewSetGain(p *Project, id TrackID, gain int) (SetGain, error) {
	t, err := p.trackFor("set gain", id)
	if err != nil {
		return SetGain{}, err
	}
	return SetGain{Track: id, Old: t.gain, New: gain}, nil
}

func NewSetInstrument(p *Project, id TrackID, inst InstrumentRef) (SetInstrument, error) {
	t, err := p.trackFor("set instrument", id)
	if err != nil {
		return SetInstrument{}, err
	}
	return SetInstrument{Track: id, Old: t.instrument, New: inst}, nil
}

func NewRenameTrack(p *Project, id TrackID, name string) (RenameTrack, error) {
	t, err := p.trackFor("rename track", id)
	if err != nil {
		return RenameTrack{}, err
	}
	return RenameTrack{Track: id, Old: t.name, New: name}, nil
}

// NewSetTempo inserts a breakpoint at tick or replaces the existing one.
func NewSetTempo(p *Project, tick Tick, bpm float64) Command {
	pt := TempoPoint{Tick: tick, BPM: bpm}
	if i, found := p.tempo.find(tick); found {
		return ReplaceTempo{Old: p.tempo[i], New: pt}
	}
	return InsertTempo{Point: pt}
}

// NewRemoveTempo removes the breakpoint at tick.
func NewRemoveTempo(p *Project, tick Tick) (RemoveTempo, error) {
	i, found := p.tempo.find(tick)
	if !found {
		return RemoveTempo{}, invalid("remove tempo", "no tempo breakpoint at tick %d", tick)
	}
	return RemoveTempo{Point: p.tempo[i]}, nil
}

// NewSetTimeSig inserts a time signature at tick or replaces the existing one.
func NewSetTimeSig(p *Project, tick Tick, num, den int) Command {
	ts := TimeSig{Tick: tick, Num: num, Den: den}
	if i, found := p.timeSigs.find(tick); found {
		return ReplaceTimeSig{Old: p.timeSigs[i], New: ts}
	}
	return InsertTimeSig{Sig: ts}
}

// NewSetParam inserts a parameter event or replaces the one with the same
// tick and kind.
func NewSetParam(p *Project, id TrackID, ev ParamEvent) (Command, error) {
	t, err := p.trackFor("set param", id)
	if err != nil {
		return nil, err
	}
	if i, found := t.findParam(ev); found {
		return ReplaceParam{Track: id, Old: t.params[i], New: ev}, nil
	}
	return InsertParam{Track: id, Event: ev}, nil
}

func NewSetLoop(p *Project, r LoopRegion) SetLoop {
	return SetLoop{Old: p.loop, New: r}
}

func NewSetPlayhead(p *Project, t Tick) SetPlayhead {
	return SetPlayhead{Old: p.playhead, New: t}
}

// NewReplaceProject swaps p for next. Both are copied.
func NewReplaceProject(p, next *Project) ReplaceProject {
	return ReplaceProject{Old: p.Clone(), New: next.Clone()}
}

// NewComposite groups steps into one undo unit. A single step is returned
// unwrapped.
func NewComposite(name string, steps ...Command) Command {
	if len(steps) == 1 {
		return steps[0]
	}
	return Composite{Name: name, Steps: steps}
}
