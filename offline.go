package keyseq

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/config"
	"github.com/cbegin/keyseq-go/internal/scheduler"
	"github.com/cbegin/keyseq-go/internal/synth"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

// RenderOptions control an offline render.
type RenderOptions struct {
	Config *config.Config
	// Resolver defaults to the built-in bank.
	Resolver bank.Resolver
	// From is the tick playback starts at.
	From timeline.Tick
	// Seconds fixes the length of the render. When zero, rendering runs until
	// the transport stops at the project end and the voices have decayed,
	// capped at MaxSeconds.
	Seconds    float64
	MaxSeconds float64
}

func (o RenderOptions) resolver() bank.Resolver {
	if o.Resolver == nil {
		return bank.NewRegistry(bank.Builtin())
	}
	return o.Resolver
}

// RenderProject renders p through the same scheduler and synthesizer used for
// live playback and returns interleaved stereo samples. The loop region is
// not played. Unlike live playback, an unresolved instrument is an error.
func RenderProject(p *timeline.Project, opts RenderOptions) ([]float32, error) {
	return renderProject(p, opts, nil)
}

// renderProject calls trace, when set, with the first frame of every block
// and the instructions scheduled for it.
func renderProject(p *timeline.Project, opts RenderOptions, trace func(int, []scheduler.Instruction)) ([]float32, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolver := opts.resolver()
	maxSeconds := opts.MaxSeconds
	if maxSeconds <= 0 {
		maxSeconds = 600
	}

	if opts.Seconds <= 0 && p.End() <= opts.From {
		return nil, nil
	}

	b := bridge.New()
	snap, err := b.Publish(p, resolver)
	if snap.Err != nil {
		return nil, snap.Err
	}
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(cfg.SampleRate, nil, scheduler.Options{StopAtEnd: true})
	sched.Control(bridge.Request{Kind: bridge.RequestPlay, Tick: opts.From})
	engine := synth.New(cfg.SampleRate, cfg.SynthParams())

	block := cfg.BlockSize
	limit := int(maxSeconds * float64(cfg.SampleRate))
	if opts.Seconds > 0 {
		limit = int(opts.Seconds * float64(cfg.SampleRate))
	}
	out := make([]float32, 0, min(limit, cfg.SampleRate*10)*2)
	buf := make([]float32, block*2)
	for frames := 0; frames < limit; frames += block {
		n := min(block, limit-frames)
		instrs := sched.Schedule(snap, n)
		if trace != nil {
			trace(frames, instrs)
		}
		engine.Render(buf[:n*2], instrs)
		out = append(out, buf[:n*2]...)
		if opts.Seconds <= 0 && sched.State() == bridge.Stopped && engine.ActiveVoiceCount() == 0 {
			break
		}
	}
	return out, nil
}

// TrackRender is one track rendered on its own.
type TrackRender struct {
	Index      int // position in the project
	Name       string
	Instrument string // resolved instrument name
	Samples    []float32
}

// RenderTracks renders every audible track of p alone, with the mix's tempo,
// parameter lanes and track gain. Each render ends when that track's last
// note has decayed. Tracks without notes after From are skipped.
func RenderTracks(p *timeline.Project, opts RenderOptions) ([]TrackRender, error) {
	resolver := opts.resolver()
	opts.Resolver = resolver
	d := p.Data()
	var out []TrackRender
	for i := 0; i < p.NumTracks(); i++ {
		if !p.Audible(i) {
			continue
		}
		stem := d
		stem.Tracks = slices.Clone(d.Tracks)
		for j := range stem.Tracks {
			stem.Tracks[j].Solo = false
			if j != i {
				stem.Tracks[j].Mute = true
				stem.Tracks[j].Notes = nil
				stem.Tracks[j].Params = nil
			}
		}
		stem.Tracks[i].Mute = false
		sp, err := timeline.Assemble(stem)
		if err != nil {
			return nil, err
		}
		samples, err := RenderProject(sp, opts)
		if err != nil {
			return nil, fmt.Errorf("render track %d: %w", i, err)
		}
		if samples == nil {
			continue
		}
		tr := p.Track(i)
		ins, err := resolver.Resolve(tr.Instrument())
		if err != nil {
			return nil, err
		}
		out = append(out, TrackRender{Index: i, Name: tr.Name(), Instrument: ins.Name, Samples: samples})
	}
	return out, nil
}

// Suffixes for StemPath.
const (
	SuffixIndex       = "index"
	SuffixPreset      = "preset"
	SuffixIndexPreset = "index-preset"
)

// StemPath derives the file for one track render from the mix path:
// song.wav becomes song_2.wav, song_sine.wav or song_2_sine.wav.
func StemPath(path string, r TrackRender, suffix string) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	preset := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			return c
		}
		return '_'
	}, r.Instrument)
	var tag string
	switch suffix {
	case SuffixIndex, "":
		tag = fmt.Sprint(r.Index)
	case SuffixPreset:
		tag = preset
	case SuffixIndexPreset:
		tag = fmt.Sprintf("%d_%s", r.Index, preset)
	default:
		return "", fmt.Errorf("unknown stem suffix %q", suffix)
	}
	return base + "_" + tag + ext, nil
}

// EncodeWAVFloat32LE wraps interleaved samples in a WAVE_FORMAT_IEEE_FLOAT file.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3) // IEEE float
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
