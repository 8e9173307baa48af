// Package bank resolves instrument references to renderable voice data.
package bank

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cbegin/keyseq-go/internal/timeline"
)

var (
	ErrUnknownBank    = errors.New("unknown bank")
	ErrUnknownProgram = errors.New("unknown program")
)

// ResolutionError reports an instrument reference that could not be
// resolved. Notes using it render silent.
type ResolutionError struct {
	Ref timeline.InstrumentRef
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve instrument %v: %v", e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Envelope is an ADSR shape. Times are in seconds, Sustain is a level.
type Envelope struct {
	Attack  float64
	Decay   float64
	Sustain float64
	Release float64
}

// Vibrato is a pitch LFO applied per voice. Depth is in semitones.
type Vibrato struct {
	Depth    float64
	Rate     float64
	Waveform int
}

// Instrument is immutable once returned by a Bank.
type Instrument struct {
	Name     string
	Table    []float32 // one cycle, played with linear interpolation
	Envelope Envelope
	Vibrato  Vibrato
	Gain     float64
}

// Bank is a set of programs.
type Bank interface {
	Name() string
	Instrument(program int) (*Instrument, error)
}

// Resolver turns a reference into an instrument.
type Resolver interface {
	Resolve(ref timeline.InstrumentRef) (*Instrument, error)
}

// Registry is a Resolver over named banks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	banks map[string]Bank
}

func NewRegistry(banks ...Bank) *Registry {
	r := &Registry{banks: make(map[string]Bank)}
	for _, b := range banks {
		r.Add(b)
	}
	return r
}

// Add registers b, replacing any bank with the same name.
func (r *Registry) Add(b Bank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banks[b.Name()] = b
}

// Names returns the registered bank names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.banks))
	for n := range r.banks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Resolve(ref timeline.InstrumentRef) (*Instrument, error) {
	r.mu.RLock()
	b, ok := r.banks[ref.Bank]
	r.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{Ref: ref, Err: ErrUnknownBank}
	}
	ins, err := b.Instrument(ref.Program)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Err: err}
	}
	return ins, nil
}

// TableBank is a Bank backed by a program map.
type TableBank struct {
	name     string
	programs map[int]*Instrument
}

func NewTableBank(name string) *TableBank {
	return &TableBank{name: name, programs: make(map[int]*Instrument)}
}

func (b *TableBank) Name() string { return b.name }

// Set stores ins under program.
func (b *TableBank) Set(program int, ins *Instrument) {
	b.programs[program] = ins
}

func (b *TableBank) Instrument(program int) (*Instrument, error) {
	ins, ok := b.programs[program]
	if !ok {
		return nil, fmt.Errorf("%w %d in bank %q", ErrUnknownProgram, program, b.name)
	}
	return ins, nil
}

// Programs returns the defined program numbers in order.
func (b *TableBank) Programs() []int {
	out := make([]int, 0, len(b.programs))
	for p := range b.programs {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Refs lists every program of every bank that can enumerate its programs,
// ordered by bank name then program.
func (r *Registry) Refs() []timeline.InstrumentRef {
	var out []timeline.InstrumentRef
	for _, name := range r.Names() {
		r.mu.RLock()
		b := r.banks[name]
		r.mu.RUnlock()
		lister, ok := b.(interface{ Programs() []int })
		if !ok {
			continue
		}
		for _, p := range lister.Programs() {
			out = append(out, timeline.InstrumentRef{Bank: name, Program: p})
		}
	}
	return out
}
