package audio

import (
	"fmt"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// ebiten allows one audio context per process.
var (
	ebitenOnce sync.Once
	ebitenCtx  *ebitaudio.Context
	ebitenRate int
)

func sharedEbitenContext(sampleRate int) (*ebitaudio.Context, error) {
	ebitenOnce.Do(func() {
		ebitenRate = sampleRate
		ebitenCtx = ebitaudio.NewContext(sampleRate)
	})
	if ebitenRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", ebitenRate, sampleRate)
	}
	return ebitenCtx, nil
}

type ebitenOutput struct {
	player *ebitaudio.Player
	reader *StreamReader
}

func openEbiten(src Source, opts Options) (Output, error) {
	ctx, err := sharedEbitenContext(opts.SampleRate)
	if err != nil {
		return nil, deviceError("ebiten", "open", err)
	}
	reader := NewStreamReader(src, opts.BlockFrames)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, deviceError("ebiten", "open", err)
	}
	pl.SetBufferSize(opts.bufferDuration())
	return &ebitenOutput{player: pl, reader: reader}, nil
}

func (o *ebitenOutput) Play() error {
	o.player.Play()
	return nil
}

func (o *ebitenOutput) Pause() error {
	o.player.Pause()
	return nil
}

func (o *ebitenOutput) Close() error {
	o.player.Pause()
	if err := o.player.Close(); err != nil {
		return deviceError("ebiten", "close", err)
	}
	return o.reader.Close()
}

func (o *ebitenOutput) Err() error { return nil }
