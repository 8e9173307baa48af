// Package persist saves and loads projects: YAML project documents, standard
// MIDI files, and debounced recovery saves.
package persist

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

// FormatVersion is written to every document. Documents with a newer
// version are refused.
const FormatVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported document version")

// Document is the on-disk form of a project. Undo history is not saved.
type Document struct {
	Version        int        `yaml:"version"`
	PPQ            int        `yaml:"ppq"`
	Tempo          []tempoDoc `yaml:"tempo"`
	TimeSignatures []meterDoc `yaml:"time_signatures"`
	Loop           *loopDoc   `yaml:"loop,omitempty"`
	Playhead       int64      `yaml:"playhead,omitempty"`
	Tracks         []trackDoc `yaml:"tracks"`
}

type tempoDoc struct {
	Tick int64   `yaml:"tick"`
	BPM  float64 `yaml:"bpm"`
}

type meterDoc struct {
	Tick int64 `yaml:"tick"`
	Num  int   `yaml:"num"`
	Den  int   `yaml:"den"`
}

type loopDoc struct {
	Start int64 `yaml:"start"`
	End   int64 `yaml:"end"`
}

type trackDoc struct {
	ID      uint64     `yaml:"id"`
	Name    string     `yaml:"name"`
	Bank    string     `yaml:"bank"`
	Program int        `yaml:"program"`
	Mute    bool       `yaml:"mute,omitempty"`
	Solo    bool       `yaml:"solo,omitempty"`
	Gain    int        `yaml:"gain"`
	Notes   []noteDoc  `yaml:"notes,omitempty"`
	Params  []paramDoc `yaml:"params,omitempty"`
}

type noteDoc struct {
	Start    int64 `yaml:"start"`
	Duration int64 `yaml:"dur"`
	Pitch    int   `yaml:"pitch"`
	Velocity int   `yaml:"vel"`
}

type paramDoc struct {
	Tick  int64  `yaml:"tick"`
	Kind  string `yaml:"kind"`
	Value int    `yaml:"value"`
}

// Each note and param is written on one line.
func (n noteDoc) MarshalYAML() (any, error)  { return flow(plainNote(n)) }
func (e paramDoc) MarshalYAML() (any, error) { return flow(plainParam(e)) }

type (
	plainNote  noteDoc
	plainParam paramDoc
)

func flow(v any) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	node.Style = yaml.FlowStyle
	return &node, nil
}

// NewDocument converts p to its document form.
func NewDocument(p *timeline.Project) *Document {
	d := p.Data()
	doc := &Document{
		Version:  FormatVersion,
		PPQ:      d.PPQ,
		Playhead: int64(d.Playhead),
	}
	for _, tp := range d.Tempo {
		doc.Tempo = append(doc.Tempo, tempoDoc{Tick: int64(tp.Tick), BPM: tp.BPM})
	}
	for _, ts := range d.TimeSignatures {
		doc.TimeSignatures = append(doc.TimeSignatures, meterDoc{Tick: int64(ts.Tick), Num: ts.Num, Den: ts.Den})
	}
	if !d.Loop.IsZero() {
		doc.Loop = &loopDoc{Start: int64(d.Loop.Start), End: int64(d.Loop.End)}
	}
	for _, td := range d.Tracks {
		t := trackDoc{
			ID:      uint64(td.ID),
			Name:    td.Name,
			Bank:    td.Instrument.Bank,
			Program: td.Instrument.Program,
			Mute:    td.Mute,
			Solo:    td.Solo,
			Gain:    td.Gain,
		}
		for _, n := range td.Notes {
			t.Notes = append(t.Notes, noteDoc{Start: int64(n.Start), Duration: int64(n.Duration), Pitch: n.Pitch, Velocity: n.Velocity})
		}
		for _, e := range td.Params {
			t.Params = append(t.Params, paramDoc{Tick: int64(e.Tick), Kind: e.Kind.String(), Value: e.Value})
		}
		doc.Tracks = append(doc.Tracks, t)
	}
	return doc
}

// Project validates the document and builds the project it describes.
func (doc *Document) Project() (*timeline.Project, error) {
	if doc.Version > FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", doc.Version)
	}
	d := timeline.ProjectData{
		PPQ:      doc.PPQ,
		Playhead: timeline.Tick(doc.Playhead),
	}
	for _, tp := range doc.Tempo {
		d.Tempo = append(d.Tempo, timeline.TempoPoint{Tick: timeline.Tick(tp.Tick), BPM: tp.BPM})
	}
	for _, ts := range doc.TimeSignatures {
		d.TimeSignatures = append(d.TimeSignatures, timeline.TimeSig{Tick: timeline.Tick(ts.Tick), Num: ts.Num, Den: ts.Den})
	}
	if doc.Loop != nil {
		d.Loop = timeline.LoopRegion{Start: timeline.Tick(doc.Loop.Start), End: timeline.Tick(doc.Loop.End)}
	}
	for _, t := range doc.Tracks {
		td := timeline.TrackData{
			ID:         timeline.TrackID(t.ID),
			Name:       t.Name,
			Instrument: timeline.InstrumentRef{Bank: t.Bank, Program: t.Program},
			Mute:       t.Mute,
			Solo:       t.Solo,
			Gain:       t.Gain,
		}
		for _, n := range t.Notes {
			td.Notes = append(td.Notes, timeline.Note{
				Pitch:    n.Pitch,
				Velocity: n.Velocity,
				Start:    timeline.Tick(n.Start),
				Duration: timeline.Tick(n.Duration),
			})
		}
		for _, e := range t.Params {
			kind, err := timeline.ParseParamKind(e.Kind)
			if err != nil {
				return nil, errors.Wrapf(err, "track %d", t.ID)
			}
			td.Params = append(td.Params, timeline.ParamEvent{Tick: timeline.Tick(e.Tick), Kind: kind, Value: e.Value})
		}
		d.Tracks = append(d.Tracks, td)
	}
	return timeline.Assemble(d)
}

// Encode writes p as YAML.
func Encode(w io.Writer, p *timeline.Project) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(NewDocument(p)); err != nil {
		return errors.Wrap(err, "encode project")
	}
	return errors.Wrap(enc.Close(), "encode project")
}

// Decode reads a YAML project. Unknown keys are an error.
func Decode(r io.Reader) (*timeline.Project, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode project")
	}
	return doc.Project()
}

// Save writes p to path through a temporary file so a crash never leaves a
// truncated project behind.
func Save(path string, p *timeline.Project) error {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

// Load reads a project saved by Save.
func Load(path string) (*timeline.Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	p, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
