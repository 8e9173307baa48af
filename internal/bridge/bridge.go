// Package bridge is the only crossing point between the control path and the
// real-time audio path.
//
// The control path publishes immutable snapshots of the project and sends
// transport requests. The audio path loads the latest snapshot at block
// boundaries, drains requests, publishes transport state through atomics and
// posts warnings. Neither side ever waits on the other.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

const (
	requestBuffer = 64
	signalBuffer  = 32
)

// Snapshot is an immutable view of the project handed to the audio path.
// Instruments is indexed like the project's tracks; a nil entry marks an
// instrument that failed to resolve and renders silent.
type Snapshot struct {
	Version     uint64
	Generation  uint64
	Project     *timeline.Project
	Instruments []*bank.Instrument
	Err         error
}

// Instrument returns the resolved instrument of track i, or nil.
func (s *Snapshot) Instrument(i int) *bank.Instrument {
	if i < 0 || i >= len(s.Instruments) {
		return nil
	}
	return s.Instruments[i]
}

type PlayState int32

const (
	Stopped PlayState = iota
	Playing
	Paused
)

func (s PlayState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// TransportState is what the control path observes of the transport.
// Applied is the sequence number of the last request the audio path acted on.
type TransportState struct {
	State      PlayState
	Playhead   timeline.Tick
	LoopActive bool
	Loops      uint64
	Applied    uint64
}

type RequestKind int

const (
	RequestPlay RequestKind = iota
	RequestStop
	RequestPause
	RequestSeek
	RequestLoopActive
)

// Request asks the transport to change at the next block boundary.
type Request struct {
	Kind RequestKind
	Tick timeline.Tick
	On   bool
	Seq  uint64 // assigned by Send
}

type WarningKind int

const (
	WarnSnapshotStale WarningKind = iota
	WarnSnapshotInvalid
	WarnInstructionOverflow
)

func (k WarningKind) String() string {
	switch k {
	case WarnSnapshotStale:
		return "snapshot stale"
	case WarnSnapshotInvalid:
		return "snapshot invalid"
	case WarnInstructionOverflow:
		return "instruction overflow"
	}
	return fmt.Sprintf("warning(%d)", int(k))
}

// Warning is posted by the audio path when it degrades a block.
type Warning struct {
	Kind     WarningKind
	Version  uint64
	Playhead timeline.Tick
}

// Err converts w into an error for logging and reporting.
func (w Warning) Err() error {
	return &StaleSnapshotError{Warning: w}
}

// StaleSnapshotError reports a block rendered silent because the audio path
// had no usable snapshot.
type StaleSnapshotError struct {
	Warning Warning
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("%s at tick %d (snapshot version %d); block rendered silent",
		e.Warning.Kind, e.Warning.Playhead, e.Warning.Version)
}

type NoticeKind int

const (
	NoticeLoopCompleted NoticeKind = iota
	NoticePlaybackEnded
)

// Notice reports transport milestones to the control path.
type Notice struct {
	Kind  NoticeKind
	Loops uint64
}

// TrySend sends v on c unless that would block.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type Bridge struct {
	snap       atomic.Pointer[Snapshot]
	version    atomic.Uint64
	generation atomic.Uint64

	requests chan Request
	sendMu   sync.Mutex // control path only
	sent     uint64
	warnings chan Warning
	notices  chan Notice

	state      atomic.Int32
	playhead   atomic.Int64
	loopActive atomic.Bool
	loops      atomic.Uint64
	applied    atomic.Uint64

	logger *slog.Logger
}

func New(opts ...Option) *Bridge {
	b := &Bridge{
		requests: make(chan Request, requestBuffer),
		warnings: make(chan Warning, signalBuffer),
		notices:  make(chan Notice, signalBuffer),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish clones p, validates it, resolves every track's instrument and makes
// the result the current snapshot. It always publishes; the returned error
// joins instrument resolution failures, which only silence the tracks
// concerned. Control path only.
func (b *Bridge) Publish(p *timeline.Project, r bank.Resolver) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    b.version.Add(1),
		Generation: b.generation.Load(),
		Project:    p.Clone(),
	}
	if err := snap.Project.Validate(); err != nil {
		snap.Err = err
		b.logger.Warn("publishing inconsistent project", "version", snap.Version, "err", err)
	}
	snap.Instruments = make([]*bank.Instrument, snap.Project.NumTracks())
	var errs []error
	for i := range snap.Instruments {
		tr := snap.Project.Track(i)
		if r == nil {
			break
		}
		ins, err := r.Resolve(tr.Instrument())
		if err != nil {
			b.logger.Warn("instrument unresolved, track will be silent",
				"track", tr.Name(), "instrument", tr.Instrument().String(), "err", err)
			errs = append(errs, err)
			continue
		}
		snap.Instruments[i] = ins
	}
	b.snap.Store(snap)
	return snap, errors.Join(errs...)
}

// Load returns the latest snapshot, or nil before the first Publish.
func (b *Bridge) Load() *Snapshot { return b.snap.Load() }

// NextGeneration marks the project as replaced. Snapshots published before
// the call are stale until the next Publish.
func (b *Bridge) NextGeneration() uint64 { return b.generation.Add(1) }

func (b *Bridge) Generation() uint64 { return b.generation.Load() }

// Send queues a transport request. It reports false when the queue is full.
func (b *Bridge) Send(req Request) bool {
	_, ok := b.SendSeq(req)
	return ok
}

// SendSeq queues req under the next sequence number and returns it. Sequence
// numbers are only consumed by requests that were queued.
func (b *Bridge) SendSeq(req Request) (uint64, bool) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	req.Seq = b.sent + 1
	if !TrySend(b.requests, req) {
		return 0, false
	}
	b.sent = req.Seq
	return req.Seq, true
}

// Next returns the oldest queued request without blocking. Audio path only.
func (b *Bridge) Next() (Request, bool) {
	select {
	case req := <-b.requests:
		return req, true
	default:
		return Request{}, false
	}
}

// Drain hands every queued request to fn.
func (b *Bridge) Drain(fn func(Request)) {
	for req, ok := b.Next(); ok; req, ok = b.Next() {
		fn(req)
	}
}

// PublishTransport stores the transport state. Audio path only.
func (b *Bridge) PublishTransport(ts TransportState) {
	b.state.Store(int32(ts.State))
	b.playhead.Store(int64(ts.Playhead))
	b.loopActive.Store(ts.LoopActive)
	b.loops.Store(ts.Loops)
	b.applied.Store(ts.Applied)
}

// Transport returns the most recently published transport state. Fields are
// individually current but may come from adjacent blocks.
func (b *Bridge) Transport() TransportState {
	return TransportState{
		State:      PlayState(b.state.Load()),
		Playhead:   timeline.Tick(b.playhead.Load()),
		LoopActive: b.loopActive.Load(),
		Loops:      b.loops.Load(),
		Applied:    b.applied.Load(),
	}
}

// Warn posts w, dropping it if the control path is behind.
func (b *Bridge) Warn(w Warning) bool { return TrySend(b.warnings, w) }

// Notify posts n, dropping it if the control path is behind.
func (b *Bridge) Notify(n Notice) bool { return TrySend(b.notices, n) }

func (b *Bridge) Warnings() <-chan Warning { return b.warnings }
func (b *Bridge) Notices() <-chan Notice   { return b.notices }
