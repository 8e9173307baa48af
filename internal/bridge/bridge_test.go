package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/cbegin/keyseq-go/internal/bank"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

func TestPublishClonesProject(t *testing.T) {
	b := New()
	if b.Load() != nil {
		t.Fatalf("expected no snapshot before publish")
	}
	p := timeline.New()
	snap, err := b.Publish(p, bank.NewRegistry(bank.Builtin()))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	id := p.Track(0).ID()
	if err := p.Apply(timeline.InsertNote{Track: id, Note: timeline.Note{Pitch: 60, Velocity: 100, Duration: 10}}); err != nil {
		t.Fatal(err)
	}
	if snap.Project.Track(0).NumNotes() != 0 {
		t.Fatalf("snapshot observed a later edit")
	}
	if b.Load() != snap || snap.Version != 1 {
		t.Fatalf("unexpected current snapshot %+v", b.Load())
	}
	if snap.Instrument(0) == nil {
		t.Fatalf("expected builtin instrument to resolve")
	}
}

func TestPublishReportsUnresolvedInstruments(t *testing.T) {
	b := New()
	p := timeline.New()
	cmd := timeline.NewAddTrack(p, 1, timeline.InstrumentRef{Bank: "missing", Program: 3})
	if err := p.Apply(cmd); err != nil {
		t.Fatal(err)
	}
	snap, err := b.Publish(p, bank.NewRegistry(bank.Builtin()))
	var rerr *bank.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if snap == nil || b.Load() != snap {
		t.Fatalf("snapshot must be published despite resolution errors")
	}
	if snap.Instrument(0) == nil || snap.Instrument(1) != nil {
		t.Fatalf("expected only the second track to be silent")
	}
}

func TestGenerationMarksReplacement(t *testing.T) {
	b := New()
	first, _ := b.Publish(timeline.New(), nil)
	gen := b.NextGeneration()
	if first.Generation >= gen {
		t.Fatalf("old snapshot generation %d should be behind %d", first.Generation, gen)
	}
	second, _ := b.Publish(timeline.New(), nil)
	if second.Generation != gen || second.Version != first.Version+1 {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
}

func TestSendNeverBlocks(t *testing.T) {
	b := New()
	sent := 0
	for i := 0; i < requestBuffer*2; i++ {
		if b.Send(Request{Kind: RequestSeek, Tick: timeline.Tick(i)}) {
			sent++
		}
	}
	if sent != requestBuffer {
		t.Fatalf("sent %d requests, want %d", sent, requestBuffer)
	}
	var got []timeline.Tick
	b.Drain(func(r Request) { got = append(got, r.Tick) })
	if len(got) != requestBuffer || got[0] != 0 || got[len(got)-1] != requestBuffer-1 {
		t.Fatalf("drain returned %v", got)
	}
	for i := 0; i < signalBuffer+4; i++ {
		b.Warn(Warning{Kind: WarnSnapshotStale})
	}
	if len(b.Warnings()) != signalBuffer {
		t.Fatalf("expected full warning queue")
	}
}

func TestSendSeqSkipsRejectedRequests(t *testing.T) {
	b := New()
	for i := 0; i < requestBuffer; i++ {
		b.Send(Request{Kind: RequestStop})
	}
	if seq, ok := b.SendSeq(Request{Kind: RequestPlay}); ok || seq != 0 {
		t.Fatalf("full queue accepted request %d", seq)
	}
	var last uint64
	b.Drain(func(r Request) {
		if r.Seq != last+1 {
			t.Fatalf("seq %d after %d", r.Seq, last)
		}
		last = r.Seq
	})
	seq, ok := b.SendSeq(Request{Kind: RequestPlay})
	if !ok || seq != requestBuffer+1 {
		t.Fatalf("SendSeq = %d, %v", seq, ok)
	}
}

// Readers on another goroutine must only ever observe whole snapshots.
func TestConcurrentPublishAndLoad(t *testing.T) {
	b := New()
	p := timeline.New()
	id := p.Track(0).ID()
	b.Publish(p, nil)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for {
			select {
			case <-done:
				return
			default:
			}
			snap := b.Load()
			if snap.Version < last {
				t.Errorf("version went backwards: %d < %d", snap.Version, last)
				return
			}
			last = snap.Version
			if n := snap.Project.Track(0).NumNotes(); uint64(n) != snap.Version-1 {
				t.Errorf("snapshot %d holds %d notes", snap.Version, n)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		n := timeline.Note{Pitch: 60, Velocity: 90, Start: timeline.Tick(i * 10), Duration: 5}
		if err := p.Apply(timeline.InsertNote{Track: id, Note: n}); err != nil {
			t.Fatal(err)
		}
		b.Publish(p, nil)
	}
	close(done)
	wg.Wait()
}

func TestTransportRoundTrip(t *testing.T) {
	b := New()
	ts := TransportState{State: Paused, Playhead: 1234, LoopActive: true, Loops: 3, Applied: 7}
	b.PublishTransport(ts)
	if got := b.Transport(); got != ts {
		t.Fatalf("transport = %+v, want %+v", got, ts)
	}
	var serr *StaleSnapshotError
	if err := (Warning{Kind: WarnSnapshotStale}).Err(); !errors.As(err, &serr) {
		t.Fatalf("expected *StaleSnapshotError, got %T", err)
	}
}
