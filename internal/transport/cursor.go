package transport

import (
	"github.com/cbegin/sampleseq-go/internal/grid"
)

// Cursor is a playback position on the absolute step timeline.
type Cursor struct {
	Step        int
	Section     int
	SectionLoop int
	Done        bool // song finished
}

// FramesPerStep is the length of one sixteenth note.
func FramesPerStep(sampleRate, bpm int) float64 {
	if bpm <= 0 {
		bpm = DefaultBPM
	}
	return float64(sampleRate) * 60 / (float64(bpm) * 4)
}

// Region returns the [start, end) range playback is confined to. Song mode
// uses the bounds of the current section, loop mode the configured region
// clipped to the grid.
func Region(c Cursor, s *Settings, t *grid.Table) (int, int) {
	if s.Mode == ModeSong {
		if sec, ok := t.Section(c.Section); ok {
			return sec.StartStep, sec.End()
		}
		return 0, t.Steps
	}
	start, end := s.RegionStart, s.RegionEnd
	if end > t.Steps || end <= 0 {
		end = t.Steps
	}
	if start < 0 || start >= end {
		start = 0
	}
	return start, end
}

// Begin returns the cursor for starting playback at step.
func Begin(step int, s *Settings, t *grid.Table) Cursor {
	if step < 0 || step >= t.Steps {
		step = 0
	}
	if s.Mode == ModeSong {
		sec := t.SectionAt(step)
		if sec < 0 {
			sec = 0
		}
		return Cursor{Step: step, Section: sec}
	}
	start, end := Region(Cursor{}, s, t)
	if step < start || step >= end {
		step = start
	}
	return Cursor{Step: step, Section: max(t.SectionAt(step), 0)}
}

// Next returns the cursor one step after c.
//
// Loop mode wraps inside the region and counts wraps in SectionLoop. Song mode
// repeats each section LoopCount times, then moves to the next section, and
// marks the cursor Done after the last one.
func Next(c Cursor, s *Settings, t *grid.Table) Cursor {
	if c.Done {
		return c
	}
	next := c.Step + 1
	if s.Mode != ModeSong {
		start, end := Region(c, s, t)
		loop := c.SectionLoop
		if next >= end || next < start {
			next = start
			loop++
		}
		return Cursor{Step: next, Section: max(t.SectionAt(next), 0), SectionLoop: loop}
	}
	sec, ok := t.Section(c.Section)
	if !ok {
		// Section table shrank under us; restart from the top.
		first, _ := t.Section(0)
		return Cursor{Step: first.StartStep}
	}
	if next >= sec.StartStep && next < sec.End() {
		return Cursor{Step: next, Section: c.Section, SectionLoop: c.SectionLoop}
	}
	if c.SectionLoop+1 < s.LoopCount(c.Section) {
		return Cursor{Step: sec.StartStep, Section: c.Section, SectionLoop: c.SectionLoop + 1}
	}
	if nextSec, ok := t.Section(c.Section + 1); ok {
		return Cursor{Step: nextSec.StartStep, Section: c.Section + 1}
	}
	return Cursor{Step: c.Step, Section: c.Section, SectionLoop: c.SectionLoop, Done: true}
}
