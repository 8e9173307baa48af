package bank

import (
	"math"
	"sync"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

const (
	tableSize = 256
	twoPi     = math.Pi * 2
)

// Waveform shapes of the builtin bank. Program p uses waveform p % 8.
const (
	WaveSine = iota
	WaveSaw
	WaveTriangle
	WaveSquare
	WavePulse25
	WavePulse12
	WaveHalfSine
	WaveFM
)

// envelope families, selected by program / 8 (mod 4)
var builtinEnvelopes = [...]Envelope{
	{Attack: 0.005, Decay: 0.12, Sustain: 0.75, Release: 0.2}, // keys
	{Attack: 0.002, Decay: 0.25, Sustain: 0.0, Release: 0.1},  // pluck
	{Attack: 0.08, Decay: 0.3, Sustain: 0.85, Release: 0.6},   // pad
	{Attack: 0.01, Decay: 0.05, Sustain: 0.9, Release: 0.05},  // organ
}

var waveNames = [...]string{"sine", "saw", "triangle", "square", "pulse25", "pulse12", "halfsine", "fm"}

var (
	builtinOnce sync.Once
	builtin     *TableBank
)

// Builtin returns the bank compiled into the engine, registered as
// timeline.DefaultBank. It defines all 128 programs and is deterministic.
func Builtin() *TableBank {
	builtinOnce.Do(func() {
		b := NewTableBank(timeline.DefaultBank)
		var tables [len(waveNames)][]float32
		for w := range tables {
			tables[w] = Waveform(w, tableSize)
		}
		for p := 0; p <= timeline.MaxProgram; p++ {
			w := p % len(waveNames)
			family := (p / len(waveNames)) % len(builtinEnvelopes)
			ins := &Instrument{
				Name:     waveNames[w],
				Table:    tables[w],
				Envelope: builtinEnvelopes[family],
				Gain:     waveGain(w),
			}
			// The upper half of the program range adds a gentle vibrato.
			if p >= 64 {
				ins.Vibrato = Vibrato{Depth: 0.15, Rate: 5.5, Waveform: 2}
			}
			b.Set(p, ins)
		}
		builtin = b
	})
	return builtin
}

// WaveformName returns the name of builtin waveform w.
func WaveformName(w int) string {
	if w < 0 || w >= len(waveNames) {
		return ""
	}
	return waveNames[w]
}

// ParseWaveform returns the builtin waveform with the given name.
func ParseWaveform(name string) (int, bool) {
	for i, n := range waveNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Waveform renders one cycle of builtin waveform w into n samples.
func Waveform(w, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		phase := twoPi * float64(i) / float64(n)
		out[i] = float32(waveformSample(phase, w))
	}
	return out
}

func waveformSample(phase float64, w int) float64 {
	switch w {
	case WaveSaw:
		return 1.0 - 2.0*phase/twoPi
	case WaveTriangle:
		return 2.0*math.Abs(2.0*phase/twoPi-1.0) - 1.0
	case WaveSquare:
		if phase < math.Pi {
			return 1
		}
		return -1
	case WavePulse25:
		if phase < math.Pi/2 {
			return 1
		}
		return -1
	case WavePulse12:
		if phase < math.Pi/4 {
			return 1
		}
		return -1
	case WaveHalfSine:
		if s := math.Sin(phase); s > 0 {
			return s
		}
		return 0
	case WaveFM:
		// two-operator serial patch: modulator at 2x, index 1.6
		return math.Sin(phase + 1.6*math.Sin(2*phase))
	default:
		return math.Sin(phase)
	}
}

// waveGain evens out loudness between bright and soft waveforms.
func waveGain(w int) float64 {
	switch w {
	case WaveSquare, WavePulse25, WavePulse12, WaveSaw:
		return 0.5
	case WaveHalfSine:
		return 0.9
	}
	return 0.8
}
