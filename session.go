// Package keyseq is a keyboard-driven music sequencer engine.
//
// A Session owns the project, its undo history and the audio path. Input
// events are resolved on the caller's goroutine (the control path); every
// accepted edit publishes an immutable snapshot that the audio path renders
// sample-accurately without taking locks.
package keyseq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cbegin/keyseq-go/internal/audio"
	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/config"
	"github.com/cbegin/keyseq-go/internal/history"
	"github.com/cbegin/keyseq-go/internal/ingest"
	"github.com/cbegin/keyseq-go/internal/persist"
	"github.com/cbegin/keyseq-go/internal/scheduler"
	"github.com/cbegin/keyseq-go/internal/synth"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

var (
	ErrTransportBusy = errors.New("transport request queue is full")
	ErrNoPath        = errors.New("project has no file name")
)

// deviceCheckInterval is how often Watch polls the output for failures.
const deviceCheckInterval = 250 * time.Millisecond

type Session struct {
	mu       sync.Mutex
	cfg      *config.Config
	logger   *slog.Logger
	registry *bank.Registry
	stack    *history.Stack
	ingestor *ingest.Ingestor
	ctx      ingest.Context
	path     string
	autosave *persist.Autosaver

	bridge    *bridge.Bridge
	sched     *scheduler.Scheduler
	engine    *synth.Engine
	sampleTap func([]float32)

	outMu sync.Mutex
	out   audio.Output

	reqMu     sync.Mutex
	requested requestedTransport
}

// requestedTransport is the transport as the control path has asked for it.
// Each seq is the request that last set the field; a field overrides the
// published state until the audio path has applied that request.
type requestedTransport struct {
	ts       bridge.TransportState
	stateSeq uint64
	headSeq  uint64
	loopSeq  uint64
}

// NewSession builds a session. Audio output is not opened until Start.
func NewSession(opts ...SessionOption) (*Session, error) {
	sc := defaultSessionConfig()
	for _, opt := range opts {
		opt(&sc)
	}
	cfg := sc.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := bank.NewRegistry(bank.Builtin())
	for _, b := range sc.banks {
		registry.Add(b)
	}
	for _, path := range cfg.Banks {
		banks, err := bank.LoadDefinitionsFile(path)
		if err != nil {
			return nil, err
		}
		for _, b := range banks {
			registry.Add(b)
		}
	}

	project := sc.project
	if project == nil {
		project = timeline.New(timeline.WithPPQ(cfg.PPQ))
	}

	s := &Session{
		cfg:       cfg,
		logger:    sc.logger,
		registry:  registry,
		ctx:       ingest.NewContext(),
		bridge:    bridge.New(bridge.WithLogger(sc.logger)),
		engine:    synth.New(cfg.SampleRate, cfg.SynthParams()),
		sampleTap: sc.sampleTap,
	}
	s.sched = scheduler.New(cfg.SampleRate, s.bridge, scheduler.Options{StopAtEnd: cfg.StopAtEnd})
	s.stack = history.New(project, history.WithLogger(sc.logger))
	s.ingestor = ingest.New(s.stack,
		ingest.WithTransport(s),
		ingest.WithLibrary(registry.Refs()),
		ingest.WithLogger(sc.logger),
	)
	if cfg.RecoveryPath != "" {
		s.autosave = persist.NewAutosaver(cfg.RecoveryPath, cfg.RecoveryDelay, sc.logger)
	}
	s.publish(false)
	return s, nil
}

// publish hands the current project to the audio path. replaced marks a
// whole-project swap, after which older snapshots are stale.
func (s *Session) publish(replaced bool) {
	p := s.stack.Project()
	if replaced {
		s.bridge.NextGeneration()
	}
	snap, err := s.bridge.Publish(p, s.registry)
	if err != nil {
		s.logger.Debug("snapshot published with unresolved instruments", "version", snap.Version)
	}
	if s.autosave != nil && snap.Version > 1 {
		s.autosave.Schedule(p)
	}
}

// Handle resolves one input event against the session's selection context.
func (s *Session) Handle(ev ingest.Event) ingest.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleLocked(ev)
}

func (s *Session) handleLocked(ev ingest.Event) ingest.Outcome {
	var out ingest.Outcome
	s.ctx, out = s.ingestor.Handle(s.ctx, ev)
	switch {
	case out.Changed():
		s.publish(out.Command != nil && out.Command.Kind() == timeline.KindReplaceProject)
	case out.Kind == ingest.OutcomeExternal && ev == ingest.SaveFile && s.path != "":
		if err := persist.Save(s.path, s.stack.Project()); err != nil {
			out.Err = err
			out.Reason = err.Error()
		}
	}
	return out
}

// Replay handles events in order and returns one outcome per event.
func (s *Session) Replay(events []ingest.Event) []ingest.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs := make([]ingest.Outcome, len(events))
	for i, ev := range events {
		outs[i] = s.handleLocked(ev)
	}
	return outs
}

// Apply submits a command directly, bypassing event resolution.
func (s *Session) Apply(cmd timeline.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stack.Apply(cmd); err != nil {
		return err
	}
	s.publish(cmd.Kind() == timeline.KindReplaceProject)
	return nil
}

func (s *Session) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, err := s.stack.Undo()
	if err != nil {
		return err
	}
	s.publish(cmd.Kind() == timeline.KindReplaceProject)
	return nil
}

func (s *Session) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, err := s.stack.Redo()
	if err != nil {
		return err
	}
	s.publish(cmd.Kind() == timeline.KindReplaceProject)
	return nil
}

// Project returns a copy of the current project.
func (s *Session) Project() *timeline.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Project().Clone()
}

// Context returns the current selection context.
func (s *Session) Context() ingest.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Path returns the file the project was loaded from or last saved to.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Transport controls. They only queue requests and are safe from any
// goroutine; the audio path applies them at the next block boundary.

func (s *Session) send(req bridge.Request) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	cur := s.transportLocked()
	seq, ok := s.bridge.SendSeq(req)
	if !ok {
		return ErrTransportBusy
	}
	r := &s.requested
	switch req.Kind {
	case bridge.RequestPlay:
		r.ts.State, r.stateSeq = bridge.Playing, seq
		r.ts.Playhead, r.headSeq = max(req.Tick, 0), seq
	case bridge.RequestStop:
		r.ts.State, r.stateSeq = bridge.Stopped, seq
	case bridge.RequestPause:
		if cur.State == bridge.Playing {
			r.ts.State, r.stateSeq = bridge.Paused, seq
		}
	case bridge.RequestSeek:
		r.ts.Playhead, r.headSeq = max(req.Tick, 0), seq
	case bridge.RequestLoopActive:
		r.ts.LoopActive, r.loopSeq = req.On, seq
	}
	return nil
}

func (s *Session) Play(from timeline.Tick) error {
	return s.send(bridge.Request{Kind: bridge.RequestPlay, Tick: from})
}

func (s *Session) Stop() error  { return s.send(bridge.Request{Kind: bridge.RequestStop}) }
func (s *Session) Pause() error { return s.send(bridge.Request{Kind: bridge.RequestPause}) }

func (s *Session) Seek(t timeline.Tick) error {
	return s.send(bridge.Request{Kind: bridge.RequestSeek, Tick: t})
}

func (s *Session) SetLoopActive(on bool) error {
	return s.send(bridge.Request{Kind: bridge.RequestLoopActive, On: on})
}

// Transport returns the transport state as last published by the audio path,
// with requests it has not applied yet taken as already in effect.
func (s *Session) Transport() bridge.TransportState {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.transportLocked()
}

func (s *Session) transportLocked() bridge.TransportState {
	ts := s.bridge.Transport()
	r := s.requested
	if ts.Applied < r.stateSeq {
		ts.State = r.ts.State
	}
	if ts.Applied < r.headSeq {
		ts.Playhead = r.ts.Playhead
	}
	if ts.Applied < r.loopSeq {
		ts.LoopActive = r.ts.LoopActive
	}
	return ts
}

// SetMasterGain changes the output level immediately.
func (s *Session) SetMasterGain(gain float64) { s.engine.SetMasterGain(gain) }

func (s *Session) MasterGain() float64 { return s.engine.MasterGain() }

// Process renders the next block of interleaved stereo samples. It is the
// audio path: call it from one goroutine only.
func (s *Session) Process(dst []float32) {
	instrs := s.sched.Schedule(s.bridge.Load(), len(dst)/2)
	s.engine.Render(dst, instrs)
	if s.sampleTap != nil {
		s.sampleTap(dst)
	}
}

// Start opens the configured audio output and begins pulling blocks.
func (s *Session) Start() error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out != nil {
		return nil
	}
	out, err := audio.Open(s.cfg.Backend, audio.SourceFunc(s.Process), audio.Options{
		SampleRate:  s.cfg.SampleRate,
		BlockFrames: s.cfg.BlockSize,
	})
	if err != nil {
		return err
	}
	if err := out.Play(); err != nil {
		out.Close()
		return err
	}
	s.out = out
	s.logger.Info("audio started", "backend", s.cfg.Backend, "sample_rate", s.cfg.SampleRate, "block", s.cfg.BlockSize)
	return nil
}

// RestartAudio closes the output and opens it again. Project and transport
// state are kept.
func (s *Session) RestartAudio() error {
	s.outMu.Lock()
	out := s.out
	s.out = nil
	s.outMu.Unlock()
	if out != nil {
		if err := out.Close(); err != nil {
			s.logger.Warn("closing failed audio output", "err", err)
		}
	}
	return s.Start()
}

func (s *Session) deviceErr() error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return nil
	}
	return s.out.Err()
}

// Watch logs audio path warnings and hands transport notices to onNotice
// until ctx is done. A failed output device is reopened. onNotice may be nil.
func (s *Session) Watch(ctx context.Context, onNotice func(bridge.Notice)) error {
	tick := time.NewTicker(deviceCheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-s.bridge.Warnings():
			s.logger.Warn("audio block degraded", "err", w.Err())
		case n := <-s.bridge.Notices():
			s.logger.Debug("transport notice", "kind", n.Kind, "loops", n.Loops)
			if onNotice != nil {
				onNotice(n)
			}
		case <-tick.C:
			err := s.deviceErr()
			if err == nil {
				continue
			}
			var de *audio.DeviceError
			if !errors.As(err, &de) {
				return err
			}
			s.logger.Error("audio device failed, restarting", "err", err)
			if err := s.RestartAudio(); err != nil {
				s.logger.Error("audio restart failed", "err", err)
			}
		}
	}
}

// ReadProject reads a project file. Standard MIDI files are recognised by
// extension and take their instruments from the built-in bank; anything
// else is read as a YAML project.
func ReadProject(path string) (*timeline.Project, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi":
		return persist.ReadMIDIFile(path, timeline.DefaultBank)
	}
	return persist.Load(path)
}

// Load replaces the project with the file at path and drops the undo
// history.
func (s *Session) Load(path string) error {
	p, err := ReadProject(path)
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack.Reset(p)
	s.ctx = ingest.NewContext()
	s.path = path
	s.publish(true)
	s.logger.Info("project loaded", "path", path, "tracks", p.NumTracks())
	return nil
}

// Save writes the project as YAML. An empty path saves to Path().
func (s *Session) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		path = s.path
	}
	if path == "" {
		return ErrNoPath
	}
	if err := persist.Save(path, s.stack.Project()); err != nil {
		return err
	}
	s.path = path
	s.logger.Info("project saved", "path", path)
	return nil
}

// ExportMIDI writes the project as a standard MIDI file.
func (s *Session) ExportMIDI(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := persist.WriteMIDIFile(path, s.stack.Project()); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// Close stops audio output and writes any pending recovery save.
func (s *Session) Close() error {
	s.outMu.Lock()
	out := s.out
	s.out = nil
	s.outMu.Unlock()
	var errs []error
	if out != nil {
		errs = append(errs, out.Close())
	}
	if s.autosave != nil {
		errs = append(errs, s.autosave.Flush())
	}
	return errors.Join(errs...)
}
