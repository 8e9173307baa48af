package bank

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

// Definitions is the YAML form of user instrument banks:
//
//	banks:
//	  - name: chip
//	    instruments:
//	      - program: 0
//	        name: lead
//	        wave: saw
//	        attack: 0.01
//	        release: 0.3
//	      - program: 1
//	        wavb: 00407f40c081c0   # signed 8-bit hex, one cycle
type Definitions struct {
	Banks []BankDef `yaml:"banks"`
}

type BankDef struct {
	Name        string          `yaml:"name"`
	Instruments []InstrumentDef `yaml:"instruments"`
}

type InstrumentDef struct {
	Program      int      `yaml:"program"`
	Name         string   `yaml:"name,omitempty"`
	Wave         string   `yaml:"wave,omitempty"`
	WAVB         string   `yaml:"wavb,omitempty"`
	Attack       *float64 `yaml:"attack,omitempty"`
	Decay        *float64 `yaml:"decay,omitempty"`
	Sustain      *float64 `yaml:"sustain,omitempty"`
	Release      *float64 `yaml:"release,omitempty"`
	Gain         *float64 `yaml:"gain,omitempty"`
	VibratoDepth float64  `yaml:"vibrato_depth,omitempty"`
	VibratoRate  float64  `yaml:"vibrato_rate,omitempty"`
}

// LoadDefinitionsFile reads bank definitions from path.
func LoadDefinitionsFile(path string) ([]*TableBank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	banks, err := LoadDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return banks, nil
}

// LoadDefinitions decodes YAML bank definitions.
func LoadDefinitions(r io.Reader) ([]*TableBank, error) {
	var defs Definitions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode bank definitions: %w", err)
	}
	var out []*TableBank
	for _, bd := range defs.Banks {
		if bd.Name == "" {
			return nil, fmt.Errorf("bank definition without a name")
		}
		b := NewTableBank(bd.Name)
		for _, id := range bd.Instruments {
			ins, err := id.build()
			if err != nil {
				return nil, fmt.Errorf("bank %q program %d: %w", bd.Name, id.Program, err)
			}
			b.Set(id.Program, ins)
		}
		out = append(out, b)
	}
	return out, nil
}

func (d InstrumentDef) build() (*Instrument, error) {
	if d.Program < 0 || d.Program > timeline.MaxProgram {
		return nil, fmt.Errorf("program out of range 0..%d", timeline.MaxProgram)
	}
	ins := &Instrument{
		Name:     d.Name,
		Envelope: builtinEnvelopes[0],
		Gain:     0.8,
		Vibrato:  Vibrato{Depth: d.VibratoDepth, Rate: d.VibratoRate, Waveform: 2},
	}
	switch {
	case d.WAVB != "":
		ins.Table = ParseWAVB(d.WAVB)
		if len(ins.Table) == 0 {
			return nil, fmt.Errorf("invalid wavb data")
		}
	case d.Wave != "":
		w, ok := ParseWaveform(d.Wave)
		if !ok {
			return nil, fmt.Errorf("unknown wave %q", d.Wave)
		}
		ins.Table = Waveform(w, tableSize)
		ins.Gain = waveGain(w)
	default:
		ins.Table = Waveform(WaveSine, tableSize)
	}
	if ins.Name == "" {
		ins.Name = fmt.Sprintf("program %d", d.Program)
	}
	set := func(dst *float64, v *float64, lo, hi float64, what string) error {
		if v == nil {
			return nil
		}
		if *v < lo || *v > hi {
			return fmt.Errorf("%s %.3f out of range %.3f..%.3f", what, *v, lo, hi)
		}
		*dst = *v
		return nil
	}
	for _, f := range []struct {
		dst    *float64
		v      *float64
		lo, hi float64
		what   string
	}{
		{&ins.Envelope.Attack, d.Attack, 0, 10, "attack"},
		{&ins.Envelope.Decay, d.Decay, 0, 10, "decay"},
		{&ins.Envelope.Sustain, d.Sustain, 0, 1, "sustain"},
		{&ins.Envelope.Release, d.Release, 0, 30, "release"},
		{&ins.Gain, d.Gain, 0, 2, "gain"},
	} {
		if err := set(f.dst, f.v, f.lo, f.hi, f.what); err != nil {
			return nil, err
		}
	}
	return ins, nil
}

// ParseWAVB converts pairs of hex digits holding signed 8-bit values into
// samples normalized to [-1, 1]. Whitespace is ignored.
func ParseWAVB(h string) []float32 {
	h = strings.Join(strings.Fields(h), "")
	data, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(int8(b)) / 127.0
	}
	return out
}
