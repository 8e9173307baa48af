package persist

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

// MIDI controller numbers used for parameter lanes.
const (
	ccVolume     = 7
	ccPan        = 10
	ccExpression = 11
)

var (
	ErrNotMetric = errors.New("midi file does not use metric ticks")
	ErrNoNotes   = errors.New("midi file has no notes")
)

// Event classes order events that share a tick: setup first, then note-offs,
// then controllers, then note-ons.
const (
	classSetup = iota
	classNoteOff
	classControl
	classNoteOn
)

type timedMessage struct {
	tick  timeline.Tick
	class int
	msg   smf.Message
}

// ExportMIDI writes p as a format 1 standard MIDI file at the project's
// resolution. Track 0 carries tempo and meter; track i plays on channel
// i mod 16. Mute, solo and the loop region are not exported.
func ExportMIDI(w io.Writer, p *timeline.Project) error {
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(p.PPQ())

	var conductor []timedMessage
	for _, ts := range p.TimeSignatures() {
		conductor = append(conductor, timedMessage{tick: ts.Tick, class: classSetup, msg: smf.MetaMeter(uint8(ts.Num), uint8(ts.Den))})
	}
	for _, tp := range p.Tempo() {
		conductor = append(conductor, timedMessage{tick: tp.Tick, class: classSetup, msg: smf.MetaTempo(tp.BPM)})
	}
	if err := sm.Add(buildTrack(conductor)); err != nil {
		return errors.Wrap(err, "add conductor track")
	}

	for i := 0; i < p.NumTracks(); i++ {
		t := p.Track(i)
		ch := uint8(i % 16)
		msgs := []timedMessage{
			{class: classSetup, msg: smf.MetaTrackSequenceName(t.Name())},
			{class: classSetup, msg: smf.Message(midi.ProgramChange(ch, uint8(t.Instrument().Program)))},
			{class: classSetup, msg: smf.Message(midi.ControlChange(ch, ccExpression, uint8(t.Gain())))},
		}
		for _, n := range t.Notes() {
			msgs = append(msgs,
				timedMessage{tick: n.Start, class: classNoteOn, msg: smf.Message(midi.NoteOn(ch, uint8(n.Pitch), uint8(n.Velocity)))},
				timedMessage{tick: n.End(), class: classNoteOff, msg: smf.Message(midi.NoteOff(ch, uint8(n.Pitch)))},
			)
		}
		for _, e := range t.Params() {
			msgs = append(msgs, timedMessage{tick: e.Tick, class: classControl, msg: paramMessage(ch, e)})
		}
		if err := sm.Add(buildTrack(msgs)); err != nil {
			return errors.Wrapf(err, "add track %d", i+1)
		}
	}
	_, err := sm.WriteTo(w)
	return errors.Wrap(err, "write midi")
}

// WriteMIDIFile exports p to path.
func WriteMIDIFile(path string, p *timeline.Project) error {
	var buf bytes.Buffer
	if err := ExportMIDI(&buf, p); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

func paramMessage(ch uint8, e timeline.ParamEvent) smf.Message {
	switch e.Kind {
	case timeline.ParamPan:
		return smf.Message(midi.ControlChange(ch, ccPan, uint8(timeline.Clamp(e.Value+64, 0, 127))))
	case timeline.ParamPitchBend:
		return smf.Message(midi.Pitchbend(ch, int16(e.Value)))
	default:
		return smf.Message(midi.ControlChange(ch, ccVolume, uint8(e.Value)))
	}
}

// buildTrack sorts msgs by tick and class and converts them to delta times.
func buildTrack(msgs []timedMessage) smf.Track {
	slices.SortStableFunc(msgs, func(a, b timedMessage) int {
		if a.tick != b.tick {
			return cmpTick(a.tick, b.tick)
		}
		return a.class - b.class
	})
	var tr smf.Track
	var last timeline.Tick
	for _, m := range msgs {
		tr.Add(uint32(m.tick-last), m.msg)
		last = m.tick
	}
	tr.Close(0)
	return tr
}

func cmpTick(a, b timeline.Tick) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ImportMIDI reads a standard MIDI file into a new project. Every channel
// of every file track that carries notes becomes one project track. Note-ons
// pair with note-offs first in, first out per key; zero-length notes and
// notes that duplicate an earlier start and pitch are dropped. Gain comes
// from an expression controller at tick 0.
func ImportMIDI(r io.Reader, bank string) (p *timeline.Project, err error) {
	// malformed files can panic inside the reader
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, errors.Errorf("read midi: %v", rec)
		}
	}()

	sm, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errors.Wrap(err, "read midi")
	}
	ticks, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, ErrNotMetric
	}

	d := timeline.ProjectData{PPQ: int(ticks.Resolution())}
	tempo := map[timeline.Tick]float64{}
	meter := map[timeline.Tick]timeline.TimeSig{}
	var lanes []*lane
	for _, tr := range sm.Tracks {
		lanes = append(lanes, readTrack(tr, tempo, meter)...)
	}

	for _, l := range lanes {
		if len(l.notes) == 0 {
			continue
		}
		id := timeline.TrackID(len(d.Tracks) + 1)
		name := l.name
		if name == "" {
			name = fmt.Sprintf("Track %d", id)
		}
		d.Tracks = append(d.Tracks, timeline.TrackData{
			ID:         id,
			Name:       name,
			Instrument: timeline.InstrumentRef{Bank: bank, Program: l.program},
			Notes:      l.notes,
			Params:     l.params,
			Gain:       l.gain,
		})
	}
	if len(d.Tracks) == 0 {
		return nil, ErrNoNotes
	}
	if len(d.Tracks) > timeline.MaxTracks {
		d.Tracks = d.Tracks[:timeline.MaxTracks]
	}

	if _, ok := tempo[0]; !ok {
		tempo[0] = timeline.DefaultBPM
	}
	for tick, bpm := range tempo {
		d.Tempo = append(d.Tempo, timeline.TempoPoint{Tick: tick, BPM: timeline.Clamp(bpm, timeline.MinBPM, timeline.MaxBPM)})
	}
	if _, ok := meter[0]; !ok {
		meter[0] = timeline.TimeSig{Num: 4, Den: 4}
	}
	for _, ts := range meter {
		d.TimeSignatures = append(d.TimeSignatures, ts)
	}

	p, err = timeline.Assemble(d)
	return p, errors.Wrap(err, "import midi")
}

// ReadMIDIFile imports the file at path.
func ReadMIDIFile(path, bank string) (*timeline.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	p, err := ImportMIDI(bytes.NewReader(data), bank)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// lane collects one channel of one file track.
type lane struct {
	name    string
	program int
	gain    int
	notes   []timeline.Note
	params  []timeline.ParamEvent
	open    map[uint8][]timeline.Note
	seen    map[[2]int64]bool
}

func (l *lane) start(key, vel uint8, tick timeline.Tick) {
	l.open[key] = append(l.open[key], timeline.Note{Pitch: int(key), Velocity: int(vel), Start: tick})
}

func (l *lane) end(key uint8, tick timeline.Tick) {
	q := l.open[key]
	if len(q) == 0 {
		return
	}
	n := q[0]
	l.open[key] = q[1:]
	n.Duration = tick - n.Start
	at := [2]int64{int64(n.Start), int64(n.Pitch)}
	if n.Duration <= 0 || l.seen[at] {
		return
	}
	l.seen[at] = true
	l.notes = append(l.notes, n)
}

func (l *lane) param(e timeline.ParamEvent) {
	for i := range l.params {
		if l.params[i].Tick == e.Tick && l.params[i].Kind == e.Kind {
			l.params[i].Value = e.Value
			return
		}
	}
	l.params = append(l.params, e)
}

func readTrack(tr smf.Track, tempo map[timeline.Tick]float64, meter map[timeline.Tick]timeline.TimeSig) []*lane {
	var (
		byChannel [16]*lane
		order     []*lane
		name      string
		tick      timeline.Tick
	)
	get := func(ch uint8) *lane {
		if byChannel[ch] == nil {
			byChannel[ch] = &lane{
				gain: timeline.MaxGain,
				open: map[uint8][]timeline.Note{},
				seen: map[[2]int64]bool{},
			}
			order = append(order, byChannel[ch])
		}
		return byChannel[ch]
	}

	for _, ev := range tr {
		tick += timeline.Tick(ev.Delta)
		var (
			ch, key, vel, ctl, val uint8
			rel                    int16
			abs                    uint16
			bpm                    float64
			num, den               uint8
			text                   string
		)
		msg := midi.Message(ev.Message)
		switch {
		case ev.Message.GetMetaTempo(&bpm):
			tempo[tick] = bpm
		case ev.Message.GetMetaMeter(&num, &den):
			meter[tick] = timeline.TimeSig{Tick: tick, Num: int(num), Den: int(den)}
		case ev.Message.GetMetaTrackName(&text):
			name = text
		case msg.GetNoteStart(&ch, &key, &vel):
			get(ch).start(key, vel, tick)
		case msg.GetNoteEnd(&ch, &key):
			get(ch).end(key, tick)
		case msg.GetProgramChange(&ch, &val):
			if tick == 0 {
				get(ch).program = int(val)
			}
		case msg.GetControlChange(&ch, &ctl, &val):
			l := get(ch)
			switch ctl {
			case ccVolume:
				l.param(timeline.ParamEvent{Tick: tick, Kind: timeline.ParamVolume, Value: int(val)})
			case ccPan:
				l.param(timeline.ParamEvent{Tick: tick, Kind: timeline.ParamPan, Value: timeline.Clamp(int(val)-64, -64, 64)})
			case ccExpression:
				if tick == 0 {
					l.gain = int(val)
				}
			}
		case msg.GetPitchBend(&ch, &rel, &abs):
			get(ch).param(timeline.ParamEvent{Tick: tick, Kind: timeline.ParamPitchBend, Value: int(rel)})
		}
	}

	for _, l := range order {
		for key := range l.open {
			for len(l.open[key]) > 0 {
				l.end(key, tick)
			}
		}
		l.name = name
	}
	return order
}
