package keyseq

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/config"
	"github.com/cbegin/keyseq-go/internal/history"
	"github.com/cbegin/keyseq-go/internal/ingest"
	"github.com/cbegin/keyseq-go/internal/persist"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendNone
	return cfg
}

func newTestSession(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(append([]SessionOption{WithConfig(testConfig())}, opts...)...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func peak(buf []float32) float32 {
	var m float32
	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		m = max(m, v)
	}
	return m
}

func TestSessionEditsPublishSnapshots(t *testing.T) {
	s := newTestSession(t)
	v0 := s.bridge.Load().Version

	outs := s.Replay([]ingest.Event{ingest.NextPanel, ingest.AddTrack})
	if outs[1].Kind != ingest.OutcomeApplied {
		t.Fatalf("AddTrack outcome = %v (%s)", outs[1].Kind, outs[1].Reason)
	}
	snap := s.bridge.Load()
	if snap.Version != v0+1 || snap.Project.NumTracks() != 2 {
		t.Fatalf("snapshot version %d with %d tracks", snap.Version, snap.Project.NumTracks())
	}

	if err := s.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := s.bridge.Load().Project.NumTracks(); got != 1 {
		t.Fatalf("after undo snapshot has %d tracks", got)
	}
	if err := s.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if err := s.Redo(); !errors.Is(err, history.ErrNothingToRedo) {
		t.Fatalf("second Redo = %v", err)
	}
	if got := s.Project().NumTracks(); got != 2 {
		t.Fatalf("project has %d tracks", got)
	}
}

func TestSessionNavigationDoesNotPublish(t *testing.T) {
	s := newTestSession(t)
	v0 := s.bridge.Load().Version
	s.Handle(ingest.NextPanel)
	s.Handle(ingest.CursorRight)
	if s.bridge.Load().Version != v0 {
		t.Fatal("navigation published a snapshot")
	}
	if s.Context().Panel != ingest.PanelTracks {
		t.Fatalf("panel = %v", s.Context().Panel)
	}
}

func TestSessionPlaysEnteredNotes(t *testing.T) {
	s := newTestSession(t)
	s.Replay([]ingest.Event{ingest.NextPanel, ingest.NextPanel, ingest.Arm, ingest.C, ingest.E, ingest.G})
	if n := s.Project().Track(0).NumNotes(); n != 3 {
		t.Fatalf("entered %d notes", n)
	}

	buf := make([]float32, 512*2)
	s.Process(buf)
	if peak(buf) != 0 {
		t.Fatal("sound before Play")
	}

	if out := s.Handle(ingest.Play); out.Kind != ingest.OutcomeTransport {
		t.Fatalf("Play outcome = %v (%s)", out.Kind, out.Reason)
	}
	s.Process(buf)
	if peak(buf) == 0 {
		t.Fatal("no sound after Play")
	}
	ts := s.Transport()
	if ts.State != bridge.Playing || ts.Playhead <= 0 {
		t.Fatalf("transport = %+v", ts)
	}

	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	s.Process(buf)
	paused := s.Transport().Playhead
	s.Process(buf)
	if s.Transport().State != bridge.Paused || s.Transport().Playhead != paused {
		t.Fatalf("pause did not freeze the playhead: %+v", s.Transport())
	}
}

func TestSessionTransportQueueFull(t *testing.T) {
	s := newTestSession(t)
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = s.Play(0)
	}
	if !errors.Is(err, ErrTransportBusy) {
		t.Fatalf("flooding the queue gave %v", err)
	}
	buf := make([]float32, 64*2)
	s.Process(buf)
	if err := s.Stop(); err != nil {
		t.Fatalf("queue not drained: %v", err)
	}
}

func TestSessionTogglesWithoutAudio(t *testing.T) {
	p := timeline.New()
	if err := p.Apply(timeline.NewSetLoop(p, timeline.LoopRegion{Start: 480, End: 1920})); err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, WithProject(p))

	// nothing calls Process, so the audio path never publishes
	s.Replay([]ingest.Event{ingest.ToggleLoop, ingest.ToggleLoop, ingest.ToggleLoop, ingest.PlayStop, ingest.PlayStop})
	var got []bridge.Request
	s.bridge.Drain(func(r bridge.Request) { got = append(got, r) })
	want := []bridge.Request{
		{Kind: bridge.RequestLoopActive, On: true, Seq: 1},
		{Kind: bridge.RequestLoopActive, On: false, Seq: 2},
		{Kind: bridge.RequestLoopActive, On: true, Seq: 3},
		{Kind: bridge.RequestPlay, Seq: 4},
		{Kind: bridge.RequestStop, Seq: 5},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("requests = %+v\nwant %+v", got, want)
	}
	if ts := s.Transport(); !ts.LoopActive || ts.State != bridge.Stopped {
		t.Fatalf("requested transport = %+v", ts)
	}

	// requests applied by the audio path replace the requested view
	s.Handle(ingest.PlayStop)
	s.Handle(ingest.Pause)
	buf := make([]float32, 64*2)
	s.Process(buf)
	ts := s.Transport()
	if ts.State != bridge.Paused || ts.Applied != 7 {
		t.Fatalf("after Process transport = %+v", ts)
	}
	s.Handle(ingest.PlayStop)
	s.Handle(ingest.PlayStop)
	s.Process(buf)
	if ts := s.Transport(); ts.State != bridge.Stopped {
		t.Fatalf("resume then stop left %v", ts.State)
	}
}

func TestSessionNewFileBumpsGeneration(t *testing.T) {
	s := newTestSession(t)
	gen := s.bridge.Generation()
	s.Replay([]ingest.Event{ingest.NextPanel, ingest.AddTrack, ingest.NewFile})
	if s.bridge.Generation() != gen+1 {
		t.Fatalf("generation %d, want %d", s.bridge.Generation(), gen+1)
	}
	if s.Project().NumTracks() != 1 {
		t.Fatal("NewFile did not reset the project")
	}
	if err := s.Undo(); err != nil {
		t.Fatal(err)
	}
	if s.bridge.Generation() != gen+2 || s.Project().NumTracks() != 2 {
		t.Fatal("undoing NewFile must restore the project as a new generation")
	}
}

func TestSessionSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t)
	s.Replay([]ingest.Event{ingest.NextPanel, ingest.NextPanel, ingest.Arm, ingest.C, ingest.D})

	if err := s.Save(""); !errors.Is(err, ErrNoPath) {
		t.Fatalf("Save without a path = %v", err)
	}
	path := filepath.Join(dir, "song.yaml")
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	if s.Path() != path {
		t.Fatalf("path = %q", s.Path())
	}

	s.Handle(ingest.E)
	if out := s.Handle(ingest.SaveFile); out.Kind != ingest.OutcomeExternal || out.Err != nil {
		t.Fatalf("SaveFile = %+v", out)
	}
	saved, err := persist.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Track(0).NumNotes() != 3 {
		t.Fatalf("SaveFile wrote %d notes", saved.Track(0).NumNotes())
	}

	other := newTestSession(t)
	gen := other.bridge.Generation()
	if err := other.Load(path); err != nil {
		t.Fatal(err)
	}
	if !other.Project().Equal(saved) {
		t.Fatal("loaded project differs from file")
	}
	if other.bridge.Generation() != gen+1 {
		t.Fatal("load must start a new generation")
	}
	if err := other.Undo(); !errors.Is(err, history.ErrNothingToUndo) {
		t.Fatalf("load must clear history, Undo = %v", err)
	}

	mid := filepath.Join(dir, "song.mid")
	if err := s.ExportMIDI(mid); err != nil {
		t.Fatal(err)
	}
	if err := other.Load(mid); err != nil {
		t.Fatal(err)
	}
	if got := other.Project().Track(0).Notes(); len(got) != 3 {
		t.Fatalf("midi load gave %d notes", len(got))
	}
}

func TestSessionRecoverySave(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryPath = filepath.Join(t.TempDir(), "recovery.yaml")
	cfg.RecoveryDelay = time.Hour
	s, err := NewSession(WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	s.Replay([]ingest.Event{ingest.NextPanel, ingest.AddTrack})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	p, err := persist.Load(cfg.RecoveryPath)
	if err != nil {
		t.Fatal(err)
	}
	if p.NumTracks() != 2 {
		t.Fatalf("recovery file has %d tracks", p.NumTracks())
	}
}

func TestSessionWatchReportsEnd(t *testing.T) {
	p := timeline.New()
	if err := p.Apply(timeline.InsertNote{Track: p.Track(0).ID(), Note: timeline.Note{Pitch: 60, Velocity: 100, Duration: 48}}); err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, WithProject(p))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ended := make(chan struct{})
	once := sync.OnceFunc(func() { close(ended) })
	go s.Watch(ctx, func(n bridge.Notice) {
		if n.Kind == bridge.NoticePlaybackEnded {
			once()
		}
	})
	select {
	case <-ended:
	case <-ctx.Done():
		t.Fatal("playback never ended")
	}
}

func TestSessionMasterGain(t *testing.T) {
	s := newTestSession(t)
	s.SetMasterGain(0.25)
	if got := s.MasterGain(); got != 0.25 {
		t.Fatalf("master gain = %v", got)
	}
	s.SetMasterGain(-1)
	if got := s.MasterGain(); got != 0 {
		t.Fatalf("master gain should clamp to 0, got %v", got)
	}
}

func TestNewSessionRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = "jack"
	if _, err := NewSession(WithConfig(cfg)); err == nil {
		t.Fatal("expected config error")
	}
}
