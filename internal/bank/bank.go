// Package bank holds the sample slots referenced by grid cells.
//
// Each slot is an immutable Slot value behind an atomic pointer: the control
// goroutine swaps in a new value on every change and the audio side reads
// whichever value is current.
package bank

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/pitch"
)

var (
	ErrInvalidSlot  = errors.New("bank: slot index out of range")
	ErrInvalidValue = errors.New("bank: slot value out of range")
)

const (
	DefaultVolume = 1.0
	DefaultPitch  = 1.0
)

// Slot describes one sample slot. Frames, SampleRate and Channels come from
// probing the file at load time.
type Slot struct {
	Loaded     bool    `json:"loaded"`
	Path       string  `json:"path,omitempty"`
	Name       string  `json:"name,omitempty"`
	ID         string  `json:"id,omitempty"`
	Volume     float32 `json:"volume"`
	Pitch      float32 `json:"pitch"`
	Frames     int     `json:"frames,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// Validate checks a slot read from outside the process.
func (s *Slot) Validate() error {
	if !(s.Volume >= 0 && s.Volume <= 1) {
		return errors.Wrapf(ErrInvalidValue, "volume %v", s.Volume)
	}
	if !(s.Pitch >= pitch.MinRatio && s.Pitch <= pitch.MaxRatio) {
		return errors.Wrapf(ErrInvalidValue, "pitch %v", s.Pitch)
	}
	if s.Loaded && (s.Path == "" || s.ID == "") {
		return errors.Wrap(ErrInvalidValue, "loaded slot without path or id")
	}
	if s.Frames < 0 || s.SampleRate < 0 || s.Channels < 0 {
		return errors.Wrapf(ErrInvalidValue, "format %d frames %d Hz %d ch", s.Frames, s.SampleRate, s.Channels)
	}
	return nil
}

func emptySlot() *Slot {
	return &Slot{Volume: DefaultVolume, Pitch: DefaultPitch}
}

// Prober reads file metadata without decoding audio.
type Prober interface {
	Probe(path string) (decode.Info, error)
}

type Bank struct {
	mu     sync.Mutex // serialises writers
	slots  []atomic.Pointer[Slot]
	prober Prober
}

func New(size int, prober Prober) *Bank {
	b := &Bank{slots: make([]atomic.Pointer[Slot], size), prober: prober}
	for i := range b.slots {
		b.slots[i].Store(emptySlot())
	}
	return b
}

func (b *Bank) Len() int { return len(b.slots) }

// Slot returns a copy of slot i.
func (b *Bank) Slot(i int) (Slot, bool) {
	if i < 0 || i >= len(b.slots) {
		return Slot{}, false
	}
	return *b.slots[i].Load(), true
}

func (b *Bank) update(i int, fn func(s *Slot) error) error {
	if i < 0 || i >= len(b.slots) {
		return errors.Wrapf(ErrInvalidSlot, "slot %d", i)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := *b.slots[i].Load()
	if err := fn(&next); err != nil {
		return err
	}
	b.slots[i].Store(&next)
	return nil
}

// Load points slot i at path after probing the file. Default volume and
// pitch of the slot are kept.
func (b *Bank) Load(i int, path string) error {
	return b.update(i, func(s *Slot) error {
		info, err := b.prober.Probe(path)
		if err != nil {
			return errors.Wrapf(err, "load slot %d", i)
		}
		s.Loaded = true
		s.Path = path
		s.Name = displayName(path)
		s.ID = uuid.NewString()
		s.Frames = info.Frames
		s.SampleRate = info.SampleRate
		s.Channels = info.Channels
		return nil
	})
}

// Unload empties slot i. Cells that reference it stay and trigger silence.
func (b *Bank) Unload(i int) error {
	return b.update(i, func(s *Slot) error {
		*s = Slot{Volume: s.Volume, Pitch: s.Pitch}
		return nil
	})
}

func (b *Bank) SetVolume(i int, v float32) error {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return b.update(i, func(s *Slot) error {
		s.Volume = v
		return nil
	})
}

func (b *Bank) SetPitch(i int, p float32) error {
	p = float32(pitch.Clamp(float64(p)))
	return b.update(i, func(s *Slot) error {
		s.Pitch = p
		return nil
	})
}

// Capture copies every slot.
func (b *Bank) Capture() []Slot {
	out := make([]Slot, len(b.slots))
	for i := range b.slots {
		out[i] = *b.slots[i].Load()
	}
	return out
}

// Restore replaces slots from a capture. Slots beyond len(slots) are emptied.
func (b *Bank) Restore(slots []Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if i < len(slots) {
			s := slots[i]
			b.slots[i].Store(&s)
		} else {
			b.slots[i].Store(emptySlot())
		}
	}
}

func displayName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
