// Package grid holds the step×column cell matrix and its section table.
//
// A Table is immutable once published. Every mutation builds a new Table and
// swaps it in atomically, so the audio goroutine can read cells without a
// lock and undo history can keep tables by pointer.
package grid

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/cbegin/sampleseq-go/internal/pitch"
)

var (
	ErrOutOfRange      = errors.New("grid: index out of range")
	ErrInvalidSections = errors.New("grid: sections must tile the grid")
	ErrLastStep        = errors.New("grid: cannot delete the last step")
)

// Section is a contiguous run of steps. Sections tile the grid in order.
type Section struct {
	StartStep int `json:"start_step" yaml:"start_step"`
	NumSteps  int `json:"num_steps" yaml:"num_steps"`
}

func (s Section) End() int { return s.StartStep + s.NumSteps }

type Table struct {
	Columns  int       `json:"columns"`
	Steps    int       `json:"steps"`
	Cells    []Cell    `json:"cells"`
	Sections []Section `json:"sections"`
}

func newTable(steps, columns int) *Table {
	t := &Table{
		Columns:  columns,
		Steps:    steps,
		Cells:    make([]Cell, steps*columns),
		Sections: []Section{{StartStep: 0, NumSteps: steps}},
	}
	for i := range t.Cells {
		t.Cells[i] = EmptyCell
	}
	return t
}

func (t *Table) clone() *Table {
	return &Table{
		Columns:  t.Columns,
		Steps:    t.Steps,
		Cells:    append([]Cell(nil), t.Cells...),
		Sections: append([]Section(nil), t.Sections...),
	}
}

// Cell returns the cell at (step, col), or EmptyCell when out of range.
func (t *Table) Cell(step, col int) Cell {
	if step < 0 || step >= t.Steps || col < 0 || col >= t.Columns {
		return EmptyCell
	}
	return t.Cells[step*t.Columns+col]
}

// SectionAt returns the index of the section containing step, or -1.
func (t *Table) SectionAt(step int) int {
	for i, s := range t.Sections {
		if step >= s.StartStep && step < s.End() {
			return i
		}
	}
	return -1
}

func (t *Table) Section(i int) (Section, bool) {
	if i < 0 || i >= len(t.Sections) {
		return Section{}, false
	}
	return t.Sections[i], true
}

// Validate checks a table that did not come from a Grid, such as one read
// from a file.
func (t *Table) Validate() error {
	if t.Steps <= 0 || t.Columns <= 0 {
		return errors.Wrapf(ErrOutOfRange, "table %d×%d", t.Steps, t.Columns)
	}
	if len(t.Cells) != t.Steps*t.Columns {
		return errors.Errorf("grid: %d cells for %d×%d table", len(t.Cells), t.Steps, t.Columns)
	}
	if !validSections(t.Sections, t.Steps) {
		return ErrInvalidSections
	}
	return nil
}

func validSections(sections []Section, steps int) bool {
	if len(sections) == 0 {
		return false
	}
	next := 0
	for _, s := range sections {
		if s.StartStep != next || s.NumSteps <= 0 {
			return false
		}
		next = s.End()
	}
	return next == steps
}

// Grid is written from the control goroutine and read from anywhere.
type Grid struct {
	mu       sync.Mutex // serialises writers
	table    atomic.Pointer[Table]
	maxSteps int
}

// New returns a grid of steps×columns empty cells in a single section.
// maxSteps bounds InsertStep and AppendSection.
func New(steps, columns, maxSteps int) *Grid {
	if maxSteps < steps {
		maxSteps = steps
	}
	g := &Grid{maxSteps: maxSteps}
	g.table.Store(newTable(steps, columns))
	return g
}

// Table returns the current immutable table.
func (g *Grid) Table() *Table { return g.table.Load() }

func (g *Grid) Columns() int { return g.table.Load().Columns }
func (g *Grid) Steps() int   { return g.table.Load().Steps }

// Restore replaces the whole table, e.g. when applying an undo snapshot.
func (g *Grid) Restore(t *Table) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table.Store(t)
}

func (g *Grid) update(fn func(t *Table) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.table.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	g.table.Store(next)
	return nil
}

// SetCell writes a cell. Pitch overrides are clamped to the supported range.
func (g *Grid) SetCell(step, col int, c Cell) error {
	if c.Pitch.Set {
		c.Pitch.Value = float32(pitch.Clamp(float64(c.Pitch.Value)))
	}
	if c.Volume.Set {
		c.Volume.Value = clampVolume(c.Volume.Value)
	}
	if c.Slot < 0 {
		c = EmptyCell
	}
	return g.update(func(t *Table) error {
		if step < 0 || step >= t.Steps || col < 0 || col >= t.Columns {
			return errors.Wrapf(ErrOutOfRange, "cell (%d,%d)", step, col)
		}
		t.Cells[step*t.Columns+col] = c
		return nil
	})
}

func (g *Grid) ClearCell(step, col int) error {
	return g.SetCell(step, col, EmptyCell)
}

// InsertStep inserts an empty row before step at. at == Steps appends to the
// last section.
func (g *Grid) InsertStep(at int) error {
	return g.update(func(t *Table) error {
		if at < 0 || at > t.Steps {
			return errors.Wrapf(ErrOutOfRange, "insert step %d", at)
		}
		if t.Steps+1 > g.maxSteps {
			return errors.Wrapf(ErrOutOfRange, "grid is full at %d steps", g.maxSteps)
		}
		row := make([]Cell, t.Columns)
		for i := range row {
			row[i] = EmptyCell
		}
		pos := at * t.Columns
		t.Cells = append(t.Cells[:pos], append(row, t.Cells[pos:]...)...)
		t.Steps++
		owner := t.SectionAt(at)
		if owner < 0 {
			owner = len(t.Sections) - 1
		}
		t.Sections[owner].NumSteps++
		for i := owner + 1; i < len(t.Sections); i++ {
			t.Sections[i].StartStep++
		}
		return nil
	})
}

// DeleteStep removes row at. A section left without steps is removed.
func (g *Grid) DeleteStep(at int) error {
	return g.update(func(t *Table) error {
		if at < 0 || at >= t.Steps {
			return errors.Wrapf(ErrOutOfRange, "delete step %d", at)
		}
		if t.Steps == 1 {
			return ErrLastStep
		}
		pos := at * t.Columns
		t.Cells = append(t.Cells[:pos], t.Cells[pos+t.Columns:]...)
		t.Steps--
		owner := t.SectionAt(at)
		t.Sections[owner].NumSteps--
		for i := owner + 1; i < len(t.Sections); i++ {
			t.Sections[i].StartStep--
		}
		if t.Sections[owner].NumSteps == 0 {
			t.Sections = append(t.Sections[:owner], t.Sections[owner+1:]...)
		}
		return nil
	})
}

// SetSections replaces the section table. The sections must tile the grid.
func (g *Grid) SetSections(sections []Section) error {
	return g.update(func(t *Table) error {
		if !validSections(sections, t.Steps) {
			return ErrInvalidSections
		}
		t.Sections = append([]Section(nil), sections...)
		return nil
	})
}

// AppendSection grows the grid by numSteps empty rows forming a new section.
func (g *Grid) AppendSection(numSteps int) error {
	return g.update(func(t *Table) error {
		if numSteps <= 0 || t.Steps+numSteps > g.maxSteps {
			return errors.Wrapf(ErrOutOfRange, "append section of %d steps", numSteps)
		}
		for i := 0; i < numSteps*t.Columns; i++ {
			t.Cells = append(t.Cells, EmptyCell)
		}
		t.Sections = append(t.Sections, Section{StartStep: t.Steps, NumSteps: numSteps})
		t.Steps += numSteps
		return nil
	})
}

// Reset replaces the grid with steps empty rows in a single section.
func (g *Grid) Reset(steps int) error {
	return g.update(func(t *Table) error {
		if steps <= 0 || steps > g.maxSteps {
			return errors.Wrapf(ErrOutOfRange, "reset to %d steps", steps)
		}
		*t = *newTable(steps, t.Columns)
		return nil
	})
}

func clampVolume(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
