package audio

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
	otoRate int
)

func sharedOtoContext(opts Options) (*oto.Context, error) {
	otoOnce.Do(func() {
		otoRate = opts.SampleRate
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   opts.SampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
			BufferSize:   opts.bufferDuration(),
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != opts.SampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", otoRate, opts.SampleRate)
	}
	return otoCtx, nil
}

type otoOutput struct {
	ctx    *oto.Context
	player *oto.Player
	reader *StreamReader
}

func openOto(src Source, opts Options) (Output, error) {
	ctx, err := sharedOtoContext(opts)
	if err != nil {
		return nil, deviceError("oto", "open", err)
	}
	reader := NewStreamReader(src, opts.BlockFrames)
	pl := ctx.NewPlayer(reader)
	pl.SetBufferSize(opts.BlockFrames * BytesPerFrame * 2)
	return &otoOutput{ctx: ctx, player: pl, reader: reader}, nil
}

func (o *otoOutput) Play() error {
	if err := o.ctx.Resume(); err != nil {
		return deviceError("oto", "resume", err)
	}
	o.player.Play()
	return nil
}

func (o *otoOutput) Pause() error {
	o.player.Pause()
	return nil
}

func (o *otoOutput) Close() error {
	o.player.Pause()
	if err := o.player.Close(); err != nil {
		return deviceError("oto", "close", err)
	}
	return o.reader.Close()
}

func (o *otoOutput) Err() error {
	if err := o.ctx.Err(); err != nil {
		return deviceError("oto", "context", err)
	}
	return deviceError("oto", "player", o.player.Err())
}
