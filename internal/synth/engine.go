// Package synth renders scheduler instructions into interleaved stereo audio
// with a fixed pool of wavetable voices.
package synth

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"

	"github.com/cbegin/keyseq-go/internal/scheduler"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

const (
	maxVoices      = 256
	bendRange      = 2.0 // semitones at full pitch-bend deflection
	silence        = 0.0001
	defaultVolume  = 1.0
	defaultMaxSize = 4096
)

// StealPolicy decides which voice is reclaimed when the pool is full.
type StealPolicy int

const (
	// StealOldest takes the voice with the earliest note-on, then the lowest
	// velocity, then the lowest slot.
	StealOldest StealPolicy = iota
	// StealReleasedFirst applies the same order to voices already releasing
	// and falls back to StealOldest when none are.
	StealReleasedFirst
)

func (p StealPolicy) String() string {
	if p == StealReleasedFirst {
		return "released-first"
	}
	return "oldest"
}

func ParseStealPolicy(s string) (StealPolicy, error) {
	switch s {
	case "", "oldest":
		return StealOldest, nil
	case "released-first":
		return StealReleasedFirst, nil
	}
	return 0, fmt.Errorf("unknown steal policy %q", s)
}

// Params controls the engine.
type Params struct {
	Polyphony    int
	MasterGain   float64
	VelocityAmp  float64
	Steal        StealPolicy
	StealFadeSec float64 // fade applied to a stolen voice
	MaxBlock     int     // largest segment rendered in one pass

	Limiter            bool
	LimiterThresholdDB float64
	LimiterRatio       float64
	LimiterAttackMs    float64
	LimiterReleaseMs   float64
}

func DefaultParams() Params {
	return Params{
		Polyphony:          32,
		MasterGain:         0.5,
		VelocityAmp:        0.8,
		Steal:              StealOldest,
		StealFadeSec:       0.005,
		MaxBlock:           defaultMaxSize,
		Limiter:            true,
		LimiterThresholdDB: -3,
		LimiterRatio:       8,
		LimiterAttackMs:    1,
		LimiterReleaseMs:   80,
	}
}

// channel is the per-track state driven by parameter instructions.
type channel struct {
	volume float64
	pan    float64
	bend   float64 // semitones
}

// VoiceInfo describes a sounding voice.
type VoiceInfo struct {
	Slot      int
	Track     int
	Pitch     int
	Velocity  int
	Order     uint64
	Releasing bool
}

// Engine is not safe for concurrent use except for SetMasterGain and
// MasterGain, which may be called from any goroutine.
type Engine struct {
	sampleRate float64
	params     Params
	voices     []voice
	tails      []voice
	channels   [timeline.MaxTracks]channel
	masterGain uint64
	limiter    *limiter
	stolen     uint64

	mono []float32
	tmp  []float32
	mixL []float32
	mixR []float32
}

func New(sampleRate int, params Params) *Engine {
	if params.Polyphony <= 0 {
		params.Polyphony = DefaultParams().Polyphony
	}
	if params.Polyphony > maxVoices {
		params.Polyphony = maxVoices
	}
	if params.MaxBlock <= 0 {
		params.MaxBlock = defaultMaxSize
	}
	e := &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Polyphony),
		tails:      make([]voice, params.Polyphony),
		masterGain: math.Float64bits(params.MasterGain),
		mono:       make([]float32, params.MaxBlock),
		tmp:        make([]float32, params.MaxBlock),
		mixL:       make([]float32, params.MaxBlock),
		mixR:       make([]float32, params.MaxBlock),
	}
	if params.Limiter {
		e.limiter = newLimiter(sampleRate, params.LimiterThresholdDB, params.LimiterRatio,
			params.LimiterAttackMs, params.LimiterReleaseMs)
	}
	e.resetChannels()
	return e
}

func (e *Engine) Params() Params { return e.params }

// Render fills dst (interleaved stereo) and applies instrs at their frame
// offsets. Instructions must be ordered by frame.
func (e *Engine) Render(dst []float32, instrs []scheduler.Instruction) {
	frames := len(dst) / 2
	cursor := 0
	for i := range instrs {
		in := &instrs[i]
		at := min(max(in.Frame, cursor), frames)
		if at > cursor {
			e.renderSegment(dst, cursor, at)
			cursor = at
		}
		e.apply(in)
	}
	if cursor < frames {
		e.renderSegment(dst, cursor, frames)
	}
}

func (e *Engine) apply(in *scheduler.Instruction) {
	switch in.Kind {
	case scheduler.NoteOn:
		e.noteOn(in)
	case scheduler.NoteOff:
		for i := range e.voices {
			v := &e.voices[i]
			if v.active && v.order == in.Order && v.pitch == in.Pitch && v.track == in.Track {
				v.release(e.sampleRate)
			}
		}
	case scheduler.Param:
		if in.Track < 0 || in.Track >= len(e.channels) {
			return
		}
		ch := &e.channels[in.Track]
		switch in.Param {
		case timeline.ParamVolume:
			ch.volume = float64(in.Value) / 127.0
		case timeline.ParamPan:
			ch.pan = float64(in.Value)
		case timeline.ParamPitchBend:
			ch.bend = float64(in.Value) / 8192.0 * bendRange
		}
	case scheduler.AllNotesOff:
		for i := range e.voices {
			if e.voices[i].active {
				e.voices[i].release(e.sampleRate)
			}
		}
	case scheduler.AllSoundOff:
		for i := range e.voices {
			e.voices[i].active = false
		}
		for i := range e.tails {
			e.tails[i].active = false
		}
	}
}

func (e *Engine) noteOn(in *scheduler.Instruction) {
	ins := in.Instrument
	if ins == nil || len(ins.Table) == 0 || in.Track < 0 || in.Track >= len(e.channels) {
		return
	}
	slot := e.allocate()
	e.voices[slot].start(e.sampleRate, in, e.params.VelocityAmp)
}

// allocate returns a free slot, stealing one if the pool is full.
func (e *Engine) allocate() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	victim := -1
	if e.params.Steal == StealReleasedFirst {
		victim = e.oldest(true)
	}
	if victim < 0 {
		victim = e.oldest(false)
	}
	e.fadeOut(&e.voices[victim])
	e.stolen++
	return victim
}

func (e *Engine) oldest(releasingOnly bool) int {
	best := -1
	for i := range e.voices {
		v := &e.voices[i]
		if releasingOnly && v.stage != envRelease {
			continue
		}
		if best < 0 || v.before(&e.voices[best]) {
			best = i
		}
	}
	return best
}

// fadeOut moves v onto a tail slot where it fades quickly instead of being
// cut. When every tail slot is busy the quietest tail is dropped.
func (e *Engine) fadeOut(v *voice) {
	slot := -1
	for i := range e.tails {
		if !e.tails[i].active {
			slot = i
			break
		}
		if slot < 0 || e.tails[i].env < e.tails[slot].env {
			slot = i
		}
	}
	t := &e.tails[slot]
	*t = *v
	t.stage = envFade
	fade := e.params.StealFadeSec * e.sampleRate
	if fade < 1 {
		fade = 1
	}
	t.step = t.env / fade
	v.active = false
}

func (e *Engine) renderSegment(dst []float32, from, to int) {
	for from < to {
		n := min(to-from, len(e.mono))
		e.mix(n)
		gain := float32(e.MasterGain())
		for k := 0; k < n; k++ {
			l, r := e.mixL[k]*gain, e.mixR[k]*gain
			if e.limiter != nil {
				l, r = e.limiter.process(l, r)
			}
			dst[(from+k)*2] = clamp32(l)
			dst[(from+k)*2+1] = clamp32(r)
		}
		from += n
	}
}

func (e *Engine) mix(n int) {
	mixL := vek32.Zeros_Into(e.mixL, n)
	mixR := vek32.Zeros_Into(e.mixR, n)
	for _, pool := range [2][]voice{e.voices, e.tails} {
		for i := range pool {
			v := &pool[i]
			if !v.active {
				continue
			}
			ch := &e.channels[v.track]
			mono := e.mono[:n]
			v.render(mono, e.sampleRate, ch.bend)
			// Equal-power pan.
			angle := ((ch.pan + 64.0) / 128.0) * (math.Pi / 2.0)
			gl := float32(math.Cos(angle) * ch.volume)
			gr := float32(math.Sin(angle) * ch.volume)
			vek32.Add_Inplace(mixL, vek32.MulNumber_Into(e.tmp[:n], mono, gl))
			vek32.Add_Inplace(mixR, vek32.MulNumber_Into(e.tmp[:n], mono, gr))
		}
	}
}

// SetMasterGain sets the output gain atomically.
func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	atomic.StoreUint64(&e.masterGain, math.Float64bits(gain))
}

func (e *Engine) MasterGain() float64 {
	return math.Float64frombits(atomic.LoadUint64(&e.masterGain))
}

// ActiveVoiceCount returns the voices still sounding, fading tails included.
func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for _, pool := range [2][]voice{e.voices, e.tails} {
		for i := range pool {
			if pool[i].active {
				n++
			}
		}
	}
	return n
}

// Stolen returns how many voices have been stolen since New or Reset.
func (e *Engine) Stolen() uint64 { return e.stolen }

// Voices lists the pool voices in slot order. Tails are not included.
func (e *Engine) Voices() []VoiceInfo {
	var out []VoiceInfo
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		out = append(out, VoiceInfo{
			Slot:      i,
			Track:     v.track,
			Pitch:     v.pitch,
			Velocity:  v.velocity,
			Order:     v.order,
			Releasing: v.stage == envRelease,
		})
	}
	return out
}

// Reset silences every voice and restores default channel state.
func (e *Engine) Reset() {
	for i := range e.voices {
		e.voices[i] = voice{}
		e.tails[i] = voice{}
	}
	e.resetChannels()
	e.stolen = 0
	if e.limiter != nil {
		e.limiter.reset()
	}
}

func (e *Engine) resetChannels() {
	for i := range e.channels {
		e.channels[i] = channel{volume: defaultVolume}
	}
}

func clamp32(v float32) float32 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
