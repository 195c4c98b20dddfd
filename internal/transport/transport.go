// Package transport holds tempo, region and mode settings and the rules for
// moving from one step to the next.
package transport

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	MaxSections = 64
	MinBPM      = 20
	MaxBPM      = 300
	DefaultBPM  = 120
)

var (
	ErrInvalidBPM     = errors.New("transport: bpm out of range")
	ErrInvalidRegion  = errors.New("transport: invalid region")
	ErrInvalidSection = errors.New("transport: section index out of range")
)

type Mode int

const (
	ModeLoop Mode = iota
	ModeSong
)

func (m Mode) String() string {
	if m == ModeSong {
		return "song"
	}
	return "loop"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "loop":
		return ModeLoop, nil
	case "song":
		return ModeSong, nil
	}
	return 0, fmt.Errorf("transport: unknown mode %q (expected loop|song)", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	return m.UnmarshalText([]byte(node.Value))
}

// Settings is immutable once stored in a Transport.
type Settings struct {
	BPM         int   `json:"bpm"`
	RegionStart int   `json:"region_start"`
	RegionEnd   int   `json:"region_end"`
	Mode        Mode  `json:"mode"`
	LoopCounts  []int `json:"section_loop_counts"`
}

// LoopCount returns how often section i repeats in song mode.
func (s *Settings) LoopCount(i int) int {
	if i < 0 || i >= len(s.LoopCounts) || s.LoopCounts[i] < 1 {
		return 1
	}
	return s.LoopCounts[i]
}

// Validate checks settings read from outside the process. A region end past
// the grid is allowed; Region clips it during playback.
func (s *Settings) Validate() error {
	if s.BPM < MinBPM || s.BPM > MaxBPM {
		return errors.Wrapf(ErrInvalidBPM, "%d", s.BPM)
	}
	if s.RegionStart < 0 || s.RegionEnd <= s.RegionStart {
		return errors.Wrapf(ErrInvalidRegion, "[%d,%d)", s.RegionStart, s.RegionEnd)
	}
	if s.Mode != ModeLoop && s.Mode != ModeSong {
		return fmt.Errorf("transport: invalid mode %d", int(s.Mode))
	}
	if len(s.LoopCounts) > MaxSections {
		return errors.Wrapf(ErrInvalidSection, "%d loop counts", len(s.LoopCounts))
	}
	for i, n := range s.LoopCounts {
		if n < 0 {
			return errors.Wrapf(ErrInvalidSection, "section %d loop count %d", i, n)
		}
	}
	return nil
}

// State is the part of the transport recorded in undo history. Playing and
// current step are deliberately absent.
type State struct {
	Settings
	CurrentSection     int `json:"current_section"`
	CurrentSectionLoop int `json:"current_section_loop"`
}

func (st *State) Validate() error {
	if err := st.Settings.Validate(); err != nil {
		return err
	}
	if st.CurrentSection < 0 || st.CurrentSection >= MaxSections || st.CurrentSectionLoop < 0 {
		return errors.Wrapf(ErrInvalidSection, "position %d/%d", st.CurrentSection, st.CurrentSectionLoop)
	}
	return nil
}

// Transport is written by the control goroutine. The section position is
// also advanced by the engine while playing.
type Transport struct {
	mu          sync.Mutex // serialises settings writers
	settings    atomic.Pointer[Settings]
	section     atomic.Int32
	sectionLoop atomic.Int32
}

func New(bpm, regionEnd int) *Transport {
	t := &Transport{}
	if bpm < MinBPM || bpm > MaxBPM {
		bpm = DefaultBPM
	}
	t.settings.Store(&Settings{
		BPM:        bpm,
		RegionEnd:  regionEnd,
		LoopCounts: make([]int, MaxSections),
	})
	return t
}

// Settings returns the current settings. The result must not be modified.
func (t *Transport) Settings() *Settings { return t.settings.Load() }

func (t *Transport) update(fn func(s *Settings) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.settings.Load()
	next := *cur
	next.LoopCounts = append([]int(nil), cur.LoopCounts...)
	if err := fn(&next); err != nil {
		return err
	}
	t.settings.Store(&next)
	return nil
}

func (t *Transport) SetBPM(bpm int) error {
	if bpm < MinBPM || bpm > MaxBPM {
		return errors.Wrapf(ErrInvalidBPM, "%d", bpm)
	}
	return t.update(func(s *Settings) error {
		s.BPM = bpm
		return nil
	})
}

// SetRegion sets the loop region [start, end). Bounds against the grid are
// checked by the caller.
func (t *Transport) SetRegion(start, end int) error {
	if start < 0 || end <= start {
		return errors.Wrapf(ErrInvalidRegion, "[%d,%d)", start, end)
	}
	return t.update(func(s *Settings) error {
		s.RegionStart, s.RegionEnd = start, end
		return nil
	})
}

func (t *Transport) SetMode(m Mode) error {
	if m != ModeLoop && m != ModeSong {
		return fmt.Errorf("transport: invalid mode %d", int(m))
	}
	return t.update(func(s *Settings) error {
		s.Mode = m
		return nil
	})
}

func (t *Transport) SetSectionLoopCount(section, n int) error {
	if section < 0 || section >= MaxSections {
		return errors.Wrapf(ErrInvalidSection, "%d", section)
	}
	if n < 1 {
		n = 1
	}
	return t.update(func(s *Settings) error {
		s.LoopCounts[section] = n
		return nil
	})
}

// Position returns the current section and how many times it has looped.
func (t *Transport) Position() (section, loop int) {
	return int(t.section.Load()), int(t.sectionLoop.Load())
}

func (t *Transport) SetPosition(section, loop int) {
	t.section.Store(int32(section))
	t.sectionLoop.Store(int32(loop))
}

func (t *Transport) Capture() State {
	sec, loop := t.Position()
	s := *t.settings.Load()
	s.LoopCounts = append([]int(nil), s.LoopCounts...)
	return State{Settings: s, CurrentSection: sec, CurrentSectionLoop: loop}
}

func (t *Transport) Apply(st State) {
	t.mu.Lock()
	s := st.Settings
	counts := make([]int, MaxSections)
	copy(counts, s.LoopCounts)
	s.LoopCounts = counts
	t.settings.Store(&s)
	t.mu.Unlock()
	t.SetPosition(st.CurrentSection, st.CurrentSectionLoop)
}
