package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Output is a running audio device.
type Output interface {
	Play() error
	Pause() error
	Close() error
	// Err reports an asynchronous device failure, or nil.
	Err() error
}

// DeviceError reports a failed audio device. It only ends output; the
// engine keeps its state and the device can be reopened.
type DeviceError struct {
	Backend string
	Op      string
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func deviceError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Backend: backend, Op: op, Err: errors.WithStack(err)}
}

var ErrUnknownBackend = errors.New("unknown audio backend")

// Options configure an output.
type Options struct {
	SampleRate int
	// BlockFrames is the largest block requested from the source and sets
	// the device buffer.
	BlockFrames int
}

func (o Options) bufferDuration() time.Duration {
	return time.Duration(o.BlockFrames) * time.Second / time.Duration(o.SampleRate) * 2
}

// Open starts an output on the named backend: "ebiten", "oto" or "none".
// The output starts paused.
func Open(backend string, src Source, opts Options) (Output, error) {
	if opts.SampleRate <= 0 {
		return nil, deviceError(backend, "open", fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate))
	}
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = 512
	}
	switch backend {
	case "ebiten":
		return openEbiten(src, opts)
	case "oto":
		return openOto(src, opts)
	case "none":
		return NewNull(src, opts), nil
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "%q", backend)
}

// Null pulls blocks from its source in real time without producing sound.
type Null struct {
	src   Source
	opts  Options
	buf   []float32
	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	pulls int
}

func NewNull(src Source, opts Options) *Null {
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = 512
	}
	return &Null{src: src, opts: opts, buf: make([]float32, opts.BlockFrames*2)}
}

func (n *Null) Play() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return nil
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	period := time.Duration(n.opts.BlockFrames) * time.Second / time.Duration(n.opts.SampleRate)
	go n.run(period, n.stop, n.done)
	return nil
}

func (n *Null) run(period time.Duration, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n.src.Process(n.buf)
			n.mu.Lock()
			n.pulls++
			n.mu.Unlock()
			if fs, ok := n.src.(FinishingSource); ok && fs.Finished() {
				return
			}
		}
	}
}

func (n *Null) Pause() error {
	n.mu.Lock()
	stop, done := n.stop, n.done
	n.stop, n.done = nil, nil
	n.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (n *Null) Close() error { return n.Pause() }
func (n *Null) Err() error   { return nil }

// Pulls reports how many blocks have been requested from the source.
func (n *Null) Pulls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pulls
}
