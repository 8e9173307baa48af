// Package audio connects a sample source to an output device.
package audio

import (
	"encoding/binary"
	"io"
	"math"
)

// BytesPerFrame is the size of one interleaved stereo float32 frame.
const BytesPerFrame = 8

// Source fills dst with interleaved stereo samples. It is called from the
// device's audio goroutine.
type Source interface {
	Process(dst []float32)
}

// FinishingSource is a Source that can signal when playback has ended.
// When Finished returns true, the stream returns io.EOF after the current
// read.
type FinishingSource interface {
	Source
	Finished() bool
}

// SourceFunc adapts a function to Source.
type SourceFunc func(dst []float32)

func (f SourceFunc) Process(dst []float32) { f(dst) }

// StreamReader encodes a Source as little-endian float32 PCM. Its buffer is
// allocated once; larger reads are served in several passes. It is meant for
// a single reader.
type StreamReader struct {
	source Source
	buf    []float32
}

// NewStreamReader returns a reader that asks source for at most maxFrames
// frames at a time.
func NewStreamReader(source Source, maxFrames int) *StreamReader {
	if maxFrames <= 0 {
		maxFrames = 512
	}
	return &StreamReader{source: source, buf: make([]float32, maxFrames*2)}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	frames := len(p) / BytesPerFrame
	n := 0
	for frames > 0 {
		chunk := min(frames, len(r.buf)/2)
		buf := r.buf[:chunk*2]
		r.source.Process(buf)
		for _, v := range buf {
			binary.LittleEndian.PutUint32(p[n:], math.Float32bits(v))
			n += 4
		}
		frames -= chunk
	}
	if fs, ok := r.source.(FinishingSource); ok && fs.Finished() {
		return n, io.EOF
	}
	return n, nil
}

func (r *StreamReader) Close() error { return nil }
