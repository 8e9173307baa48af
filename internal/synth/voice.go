package synth

import (
	"math"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/scheduler"
)

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envFade
)

type voice struct {
	active   bool
	order    uint64
	track    int
	pitch    int
	velocity int
	amp      float64

	table   []float32
	freq    float64
	phase   float64 // position in the table [0, len)
	vibrato vibrato

	env        float64
	stage      envState
	sustain    float64
	attackStep float64
	decayStep  float64
	releaseSec float64
	step       float64 // per-sample decrement while releasing or fading
}

func (v *voice) start(sampleRate float64, in *scheduler.Instruction, velocityAmp float64) {
	ins := in.Instrument
	env := ins.Envelope
	*v = voice{
		active:   true,
		order:    in.Order,
		track:    in.Track,
		pitch:    in.Pitch,
		velocity: in.Velocity,
		amp:      ins.Gain * (0.2 + float64(in.Velocity)/127.0*velocityAmp),
		table:    ins.Table,
		freq:     midiToFreq(in.Pitch),
		stage:    envAttack,
		sustain:  clamp(env.Sustain, 0, 1),
	}
	v.attackStep = stepFor(1, env.Attack, sampleRate)
	v.decayStep = stepFor(1-v.sustain, env.Decay, sampleRate)
	v.releaseSec = env.Release
	v.vibrato.set(ins.Vibrato)
}

// stepFor returns the per-sample change that covers span in secs seconds.
// A zero duration completes in one sample.
func stepFor(span, secs, sampleRate float64) float64 {
	if secs <= 0 {
		return math.Max(span, 1)
	}
	return span / (secs * sampleRate)
}

// before reports whether v should be stolen ahead of o: earlier note-on,
// then lower velocity. Equal voices keep slot order.
func (v *voice) before(o *voice) bool {
	if v.order != o.order {
		return v.order < o.order
	}
	return v.velocity < o.velocity
}

// release starts the release stage from the current level.
func (v *voice) release(sampleRate float64) {
	if v.stage == envRelease || v.stage == envFade {
		return
	}
	v.stage = envRelease
	v.step = stepFor(v.env, v.releaseSec, sampleRate)
}

func (v *voice) advanceEnv() float64 {
	switch v.stage {
	case envAttack:
		v.env += v.attackStep
		if v.env >= 1 {
			v.env = 1
			v.stage = envDecay
		}
	case envDecay:
		v.env -= v.decayStep
		if v.env <= v.sustain {
			v.env = v.sustain
			v.stage = envSustain
		}
	case envSustain:
		if v.sustain <= silence {
			v.active = false
			v.env = 0
		}
	case envRelease, envFade:
		v.env -= v.step
		if v.env <= silence {
			v.env = 0
			v.active = false
		}
	}
	return v.env
}

// render writes the voice's mono signal into out. bend is the channel pitch
// bend in semitones. Samples after the voice ends are zero.
func (v *voice) render(out []float32, sampleRate, bend float64) {
	n := len(v.table)
	size := float64(n)
	inc := v.freq * size / sampleRate
	if bend != 0 {
		inc *= math.Pow(2, bend/12.0)
	}
	for k := range out {
		env := v.advanceEnv()
		if !v.active {
			clear(out[k:])
			return
		}
		step := inc
		if v.vibrato.active() {
			step *= math.Pow(2, v.vibrato.sample(sampleRate)/12.0)
		}
		// Linear interpolation between adjacent samples.
		i0 := int(v.phase)
		frac := v.phase - float64(i0)
		i1 := i0 + 1
		if i1 >= n {
			i1 = 0
		}
		sig := float64(v.table[i0])*(1-frac) + float64(v.table[i1])*frac
		out[k] = float32(sig * env * v.amp)

		v.phase += step
		for v.phase >= size {
			v.phase -= size
		}
	}
}

func midiToFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// vibrato is a per-voice pitch LFO. Depth is in semitones.
type vibrato struct {
	depth    float64
	rateHz   float64
	waveform int
	phase    float64 // [0, 1)
}

const (
	lfoSaw = iota
	lfoSquare
	lfoTriangle
	lfoSine
)

func (l *vibrato) set(v bank.Vibrato) {
	l.depth = v.Depth
	l.rateHz = v.Rate
	l.waveform = v.Waveform
	if l.waveform < lfoSaw || l.waveform > lfoSine {
		l.waveform = lfoTriangle
	}
	l.phase = 0
}

func (l *vibrato) active() bool { return l.depth != 0 && l.rateHz != 0 }

// sample advances the oscillator by one sample and returns a value in
// [-depth, depth].
func (l *vibrato) sample(sampleRate float64) float64 {
	var w float64
	switch l.waveform {
	case lfoSaw:
		w = 1.0 - 2.0*l.phase
	case lfoSquare:
		w = -1.0
		if l.phase < 0.5 {
			w = 1.0
		}
	case lfoSine:
		w = math.Sin(2 * math.Pi * l.phase)
	default:
		if l.phase < 0.5 {
			w = 4.0*l.phase - 1.0
		} else {
			w = 3.0 - 4.0*l.phase
		}
	}
	l.phase += l.rateHz / sampleRate
	for l.phase >= 1.0 {
		l.phase -= 1.0
	}
	return w * l.depth
}
