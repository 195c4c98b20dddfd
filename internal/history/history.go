// Package history keeps a bounded linear undo/redo list of whole-sequencer
// snapshots.
package history

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

const MaxEntries = 100

// Snapshot is one history entry. It must not be modified after capture;
// the grid table is shared with the live grid by pointer.
type Snapshot struct {
	Grid      *grid.Table     `json:"grid"`
	Transport transport.State `json:"transport"`
	Bank      []bank.Slot     `json:"bank"`

	digest []byte
}

// Equal reports whether two snapshots hold the same edits. The section
// position is left out: the engine advances it during playback, and undo
// history follows user edits only.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return bytes.Equal(s.digest, o.digest)
}

func (s *Snapshot) seal() error {
	masked := *s
	masked.Transport.CurrentSection = 0
	masked.Transport.CurrentSectionLoop = 0
	data, err := json.Marshal(&masked)
	if err != nil {
		return errors.Wrap(err, "history: encode snapshot")
	}
	s.digest = data
	return nil
}

// Export encodes s as JSON.
func Export(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "history: encode snapshot")
	}
	return data, nil
}

// Import decodes a snapshot written by Export.
func Import(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "history: decode snapshot")
	}
	if s.Grid == nil {
		return nil, errors.New("history: snapshot has no grid")
	}
	if err := s.Grid.Validate(); err != nil {
		return nil, errors.Wrap(err, "history: snapshot grid")
	}
	if err := s.Transport.Validate(); err != nil {
		return nil, errors.Wrap(err, "history: snapshot transport")
	}
	for i := range s.Bank {
		if err := s.Bank[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "history: snapshot slot %d", i)
		}
	}
	if err := s.seal(); err != nil {
		return nil, err
	}
	return &s, nil
}

type Manager struct {
	mu        sync.Mutex
	grid      *grid.Grid
	transport *transport.Transport
	bank      *bank.Bank
	entries   []*Snapshot
	cursor    int
	applying  atomic.Bool
	log       *slog.Logger
}

// New returns a manager whose first entry is the current state.
func New(g *grid.Grid, t *transport.Transport, b *bank.Bank, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{grid: g, transport: t, bank: b, log: log}
	m.Reset()
	return m
}

// Capture snapshots the current state.
func (m *Manager) Capture() (*Snapshot, error) {
	s := &Snapshot{
		Grid:      m.grid.Table(),
		Transport: m.transport.Capture(),
		Bank:      m.bank.Capture(),
	}
	if err := s.seal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply restores s. The grid goes first because the transport's section
// position refers to the grid's section table.
func (m *Manager) Apply(s *Snapshot) {
	m.applying.Store(true)
	defer m.applying.Store(false)
	m.grid.Restore(s.Grid)
	m.transport.Apply(s.Transport)
	m.bank.Restore(s.Bank)
}

// Applying reports whether a snapshot is being applied right now.
func (m *Manager) Applying() bool { return m.applying.Load() }

// Reset drops all history and records the current state as the only entry.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.Capture()
	if err != nil {
		m.log.Error("history reset failed", "err", err)
		return
	}
	m.entries = append(m.entries[:0], s)
	m.cursor = 0
}

// Record appends the current state after a mutation. It does nothing while
// a snapshot is being applied or when nothing changed since the entry at
// the cursor. Entries after the cursor are discarded.
func (m *Manager) Record() bool {
	if m.applying.Load() {
		return false
	}
	s, err := m.Capture()
	if err != nil {
		m.log.Error("history record failed", "err", err)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 && m.entries[m.cursor].Equal(s) {
		return false
	}
	m.entries = append(m.entries[:m.cursor+1], s)
	if over := len(m.entries) - MaxEntries; over > 0 {
		m.entries = append(m.entries[:0], m.entries[over:]...)
	}
	m.cursor = len(m.entries) - 1
	return true
}

// Undo restores the previous entry.
func (m *Manager) Undo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == 0 {
		return false
	}
	m.cursor--
	m.Apply(m.entries[m.cursor])
	return true
}

// Redo restores the next entry.
func (m *Manager) Redo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor >= len(m.entries)-1 {
		return false
	}
	m.cursor++
	m.Apply(m.entries[m.cursor])
	return true
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor < len(m.entries)-1
}

// Len returns the number of entries, including the baseline.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Current returns the entry at the cursor.
func (m *Manager) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[m.cursor]
}
