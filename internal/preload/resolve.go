package preload

import (
	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/pitch"
)

// Trigger is a cell resolved against the sample bank at the moment of use.
type Trigger struct {
	Slot       int
	ID         string
	Path       string
	Volume     float32
	Pitch      float32
	Frames     int
	SampleRate int
}

// Key identifies what a preloaded item was prepared for. Volume is applied
// at trigger time and is not part of it.
type Key struct {
	Slot  int
	ID    string
	Pitch float32
}

func (t Trigger) Key() Key { return Key{Slot: t.Slot, ID: t.ID, Pitch: t.Pitch} }

// SampleKey identifies a decode of frames frames of this trigger's sample.
func (t Trigger) SampleKey(frames int) pitch.SampleKey {
	return pitch.SampleKey{ID: t.ID, Frames: frames}
}

// Resolve combines a cell with the current bank defaults. Inheriting values
// are read from the slot now, never from an earlier copy. ok is false for an
// empty cell or an unloaded slot.
func Resolve(cell grid.Cell, b *bank.Bank) (Trigger, bool) {
	if cell.Empty() {
		return Trigger{}, false
	}
	s, ok := b.Slot(cell.Slot)
	if !ok || !s.Loaded {
		return Trigger{}, false
	}
	return Trigger{
		Slot:       cell.Slot,
		ID:         s.ID,
		Path:       s.Path,
		Volume:     cell.Volume.Resolve(s.Volume),
		Pitch:      cell.Pitch.Resolve(s.Pitch),
		Frames:     s.Frames,
		SampleRate: s.SampleRate,
	}, true
}
