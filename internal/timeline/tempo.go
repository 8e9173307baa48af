package timeline

import (
	"fmt"
	"sort"
)

const (
	DefaultBPM = 120.0
	MinBPM     = 1.0
	MaxBPM     = 999.0
)

// TempoPoint sets the tempo from Tick until the next breakpoint.
type TempoPoint struct {
	Tick Tick
	BPM  float64
}

// TimeSig sets the meter from Tick until the next breakpoint.
type TimeSig struct {
	Tick Tick
	Num  int
	Den  int
}

func (ts TimeSig) String() string { return fmt.Sprintf("%d/%d", ts.Num, ts.Den) }

// TempoMap is sorted by tick and tick-unique. It always starts at tick 0.
type TempoMap []TempoPoint

// TimeSigMap is sorted by tick and tick-unique. It always starts at tick 0.
type TimeSigMap []TimeSig

// latest returns the index of the last element whose tick is <= t, or -1.
func latest(n int, t Tick, tickAt func(int) Tick) int {
	return sort.Search(n, func(i int) bool { return tickAt(i) > t }) - 1
}

// exact returns the index of the element at tick t.
func exact(n int, t Tick, tickAt func(int) Tick) (int, bool) {
	i := sort.Search(n, func(i int) bool { return tickAt(i) >= t })
	return i, i < n && tickAt(i) == t
}

// At returns the breakpoint in effect at t.
func (m TempoMap) At(t Tick) TempoPoint {
	i := latest(len(m), t, func(i int) Tick { return m[i].Tick })
	if i < 0 {
		return TempoPoint{BPM: DefaultBPM}
	}
	return m[i]
}

// NextChange returns the tick of the first breakpoint after t.
func (m TempoMap) NextChange(t Tick) (Tick, bool) {
	i := latest(len(m), t, func(i int) Tick { return m[i].Tick }) + 1
	if i < len(m) {
		return m[i].Tick, true
	}
	return 0, false
}

func (m TempoMap) find(t Tick) (int, bool) {
	return exact(len(m), t, func(i int) Tick { return m[i].Tick })
}

// At returns the time signature in effect at t.
func (m TimeSigMap) At(t Tick) TimeSig {
	i := latest(len(m), t, func(i int) Tick { return m[i].Tick })
	if i < 0 {
		return TimeSig{Num: 4, Den: 4}
	}
	return m[i]
}

func (m TimeSigMap) find(t Tick) (int, bool) {
	return exact(len(m), t, func(i int) Tick { return m[i].Tick })
}

func validateTempo(op string, tp TempoPoint) error {
	if tp.Tick < 0 {
		return invalid(op, "negative tempo tick %d", tp.Tick)
	}
	if tp.BPM < MinBPM || tp.BPM > MaxBPM {
		return invalid(op, "tempo %.2f out of range %.0f..%.0f", tp.BPM, MinBPM, MaxBPM)
	}
	return nil
}

func validateTimeSig(op string, ts TimeSig) error {
	if ts.Tick < 0 {
		return invalid(op, "negative time signature tick %d", ts.Tick)
	}
	if ts.Num < 1 || ts.Num > 32 {
		return invalid(op, "numerator %d out of range 1..32", ts.Num)
	}
	switch ts.Den {
	case 1, 2, 4, 8, 16, 32:
	default:
		return invalid(op, "denominator %d is not a power of two in 1..32", ts.Den)
	}
	return nil
}

// SecondsPerTick is the duration of one tick at bpm.
func SecondsPerTick(bpm float64, ppq int) float64 {
	return 60.0 / (bpm * float64(ppq))
}

// SamplesPerTick is the length of one tick in frames. The product is formed
// first so whole-number results stay exact.
func SamplesPerTick(sampleRate, bpm float64, ppq int) float64 {
	return sampleRate * 60.0 / (bpm * float64(ppq))
}

// SecondsAt integrates the piecewise-constant tempo from tick 0 to t.
func (m TempoMap) SecondsAt(t Tick, ppq int) float64 {
	var secs float64
	for i, tp := range m {
		if tp.Tick >= t {
			break
		}
		end := t
		if i+1 < len(m) && m[i+1].Tick < t {
			end = m[i+1].Tick
		}
		secs += float64(end-tp.Tick) * SecondsPerTick(tp.BPM, ppq)
	}
	return secs
}
