// Package sampleseq is a step sequencer that plays decoded audio samples
// from a grid of cells.
//
// A Sequencer owns the grid, the sample bank and the transport settings, a
// preloader that decodes upcoming samples off the audio thread, and the
// engine that mixes them. Editing methods are meant to be called from one
// control goroutine. Process is called by the audio device.
package sampleseq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cbegin/sampleseq-go/internal/audio"
	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/config"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/effects"
	"github.com/cbegin/sampleseq-go/internal/engine"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/history"
	"github.com/cbegin/sampleseq-go/internal/pitch"
	"github.com/cbegin/sampleseq-go/internal/preload"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

type (
	Override = grid.Override
	Cell     = grid.Cell
	Section  = grid.Section
	Slot     = bank.Slot
	Mode     = transport.Mode
	State    = engine.State
)

const (
	ModeLoop = transport.ModeLoop
	ModeSong = transport.ModeSong
)

// Inherit returns an override that resolves from the sample slot when the
// cell triggers.
func Inherit() Override { return grid.Inherit() }

// Value returns an override pinned to v.
func Value(v float32) Override { return grid.Value(v) }

var ErrOutOfRange = grid.ErrOutOfRange

// Stats is a point-in-time copy of the playback counters.
type Stats struct {
	Steps           int64
	Triggers        int64
	Restarts        int64
	PreloadHits     int64
	PreloadMisses   int64
	Dropped         int64
	DecodeFailures  int64
	RebuildFailures int64
	Prepared        int64
	Stale           int64
	BudgetSkips     int64
	BudgetUsed      int64
}

type Sequencer struct {
	cfg       seqConfig
	grid      *grid.Grid
	bank      *bank.Bank
	transport *transport.Transport
	decoder   decode.Decoder
	factory   pitch.Factory
	preloader *preload.Preloader
	engine    *engine.Engine
	history   *history.Manager
	bus       *effects.Chain
	gain      *effects.Gain
	log       *slog.Logger

	readerMu sync.Mutex
	reader   *engine.StateReader

	deviceMu sync.Mutex
	device   audio.Device
}

func New(opts ...Option) (*Sequencer, error) {
	cfg := defaultSeqConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 || cfg.channels <= 0 {
		return nil, errors.New("sample rate and channels must be positive")
	}
	if cfg.columns <= 0 || cfg.steps <= 0 || cfg.slots <= 0 {
		return nil, errors.New("columns, steps and slots must be positive")
	}
	log := cfg.logger
	if log == nil {
		log = slog.Default()
	}
	dec := cfg.decoder
	if dec == nil {
		dec = decode.New(cfg.channels)
	}
	factory, err := pitch.NewFactory(cfg.strategy, cfg.channels, cfg.sampleRate)
	if err != nil {
		return nil, err
	}
	s := &Sequencer{
		cfg:       cfg,
		grid:      grid.New(cfg.steps, cfg.columns, cfg.maxSteps),
		bank:      bank.New(cfg.slots, dec),
		transport: transport.New(transport.DefaultBPM, cfg.steps),
		decoder:   dec,
		factory:   factory,
		gain:      effects.NewGain(1),
		log:       log,
	}
	s.preloader = preload.New(s.grid, s.bank, s.transport, dec, factory, nil, preload.Options{
		Columns:  cfg.columns,
		Channels: cfg.channels,
		Interval: cfg.preloadInterval,
		Target:   cfg.preloadTarget,
		Minimum:  cfg.preloadMin,
		Budget:   preload.NewBudget(cfg.budget),
		Logger:   log,
	})
	s.engine = engine.New(s.grid, s.bank, s.transport, dec, factory, s.preloader, engine.Options{
		SampleRate:   cfg.sampleRate,
		Channels:     cfg.channels,
		Columns:      cfg.columns,
		Rise:         cfg.rise,
		Fall:         cfg.fall,
		SyncFallback: cfg.fallback,
		MaxFrames:    max(cfg.bufferFrames, engine.DefaultMaxFrames),
		Logger:       log,
	})
	s.preloader.SetCursor(s.engine.CursorSource())
	s.bus = effects.NewChain(s.gain, effects.NewLimiter(cfg.sampleRate, cfg.limiterDB, 0.5, 80))
	s.history = history.New(s.grid, s.transport, s.bank, log)
	s.reader = s.engine.NewStateReader()
	return s, nil
}

func (s *Sequencer) SampleRate() int { return s.cfg.sampleRate }
func (s *Sequencer) Channels() int   { return s.cfg.channels }

// Process renders the next buffer of interleaved frames. It must only be
// called from one goroutine at a time.
func (s *Sequencer) Process(dst []float32) {
	s.engine.Process(dst)
	s.bus.Process(dst, s.cfg.channels)
	if s.cfg.sampleTap != nil {
		s.cfg.sampleTap(dst)
	}
}

// record adds a history entry after a successful edit.
func (s *Sequencer) record(err error) error {
	if err == nil {
		s.history.Record()
	}
	return err
}

func (s *Sequencer) SetCell(step, col, slot int, volume, pitch Override) error {
	if slot < 0 || slot >= s.bank.Len() {
		return fmt.Errorf("cell (%d,%d): %w", step, col, bank.ErrInvalidSlot)
	}
	return s.record(s.grid.SetCell(step, col, grid.Cell{Slot: slot, Volume: volume, Pitch: pitch}))
}

func (s *Sequencer) ClearCell(step, col int) error {
	return s.record(s.grid.ClearCell(step, col))
}

func (s *Sequencer) Cell(step, col int) Cell { return s.grid.Table().Cell(step, col) }

func (s *Sequencer) Steps() int   { return s.grid.Steps() }
func (s *Sequencer) Columns() int { return s.grid.Columns() }

func (s *Sequencer) InsertStep(at int) error { return s.record(s.grid.InsertStep(at)) }
func (s *Sequencer) DeleteStep(at int) error { return s.record(s.grid.DeleteStep(at)) }

func (s *Sequencer) SetSections(sections []Section) error {
	if len(sections) > transport.MaxSections {
		return fmt.Errorf("%d sections, max %d: %w", len(sections), transport.MaxSections, grid.ErrInvalidSections)
	}
	return s.record(s.grid.SetSections(sections))
}

func (s *Sequencer) AppendSection(numSteps int) error {
	if len(s.grid.Table().Sections) >= transport.MaxSections {
		return fmt.Errorf("section limit %d: %w", transport.MaxSections, grid.ErrInvalidSections)
	}
	return s.record(s.grid.AppendSection(numSteps))
}

func (s *Sequencer) Sections() []Section {
	return append([]Section(nil), s.grid.Table().Sections...)
}

// Settings returns the current transport settings. The result must not be
// modified.
func (s *Sequencer) Settings() *transport.Settings { return s.transport.Settings() }

func (s *Sequencer) SetBPM(bpm int) error { return s.record(s.transport.SetBPM(bpm)) }

// SetRegion sets the loop region [start, end).
func (s *Sequencer) SetRegion(start, end int) error {
	if end > s.grid.Steps() {
		return fmt.Errorf("region end %d beyond %d steps: %w", end, s.grid.Steps(), ErrOutOfRange)
	}
	return s.record(s.transport.SetRegion(start, end))
}

func (s *Sequencer) SetMode(m Mode) error { return s.record(s.transport.SetMode(m)) }

func (s *Sequencer) SetSectionLoopCount(section, n int) error {
	return s.record(s.transport.SetSectionLoopCount(section, n))
}

func (s *Sequencer) LoadSample(slot int, path string) error {
	return s.record(s.bank.Load(slot, path))
}

func (s *Sequencer) UnloadSample(slot int) error { return s.record(s.bank.Unload(slot)) }

func (s *Sequencer) SetSampleVolume(slot int, v float32) error {
	return s.record(s.bank.SetVolume(slot, v))
}

func (s *Sequencer) SetSamplePitch(slot int, p float32) error {
	return s.record(s.bank.SetPitch(slot, p))
}

func (s *Sequencer) Slot(i int) (Slot, bool) { return s.bank.Slot(i) }

// Start sets the tempo and begins playback at step.
func (s *Sequencer) Start(bpm, step int) error {
	if step < 0 || step >= s.grid.Steps() {
		return fmt.Errorf("start step %d: %w", step, ErrOutOfRange)
	}
	if bpm != s.transport.Settings().BPM {
		if err := s.SetBPM(bpm); err != nil {
			return err
		}
	}
	s.log.Info("transport start", "bpm", bpm, "step", step)
	s.engine.Start(step)
	return nil
}

// Stop fades out every column.
func (s *Sequencer) Stop() {
	s.log.Info("transport stop")
	s.engine.Stop()
}

func (s *Sequencer) Undo() bool    { return s.history.Undo() }
func (s *Sequencer) Redo() bool    { return s.history.Redo() }
func (s *Sequencer) CanUndo() bool { return s.history.CanUndo() }
func (s *Sequencer) CanRedo() bool { return s.history.CanRedo() }

// ExportSnapshot encodes the current grid, transport settings and sample
// bank as JSON.
func (s *Sequencer) ExportSnapshot() ([]byte, error) {
	snap, err := s.history.Capture()
	if err != nil {
		return nil, err
	}
	return history.Export(snap)
}

// ImportSnapshot applies a snapshot written by ExportSnapshot. It becomes a
// new undo entry.
func (s *Sequencer) ImportSnapshot(data []byte) error {
	snap, err := history.Import(data)
	if err != nil {
		return err
	}
	if snap.Grid.Columns != s.grid.Columns() || len(snap.Bank) > s.bank.Len() {
		return fmt.Errorf("snapshot is %d columns/%d slots, sequencer is %d/%d", snap.Grid.Columns, len(snap.Bank), s.grid.Columns(), s.bank.Len())
	}
	s.history.Apply(snap)
	s.history.Record()
	return nil
}

// State returns the most recently published playback state.
func (s *Sequencer) State() State {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	st, _ := s.reader.Read()
	return st
}

// NewStateReader returns a lock-free reader for a single goroutine, such as
// a UI frame loop.
func (s *Sequencer) NewStateReader() *engine.StateReader {
	return s.engine.NewStateReader()
}

func (s *Sequencer) Stats() Stats {
	e, p := &s.engine.Stats, &s.preloader.Stats
	return Stats{
		Steps:           e.Steps.Load(),
		Triggers:        e.Triggers.Load(),
		Restarts:        e.Restarts.Load(),
		PreloadHits:     e.PreloadHits.Load(),
		PreloadMisses:   e.PreloadMisses.Load(),
		Dropped:         e.Dropped.Load(),
		DecodeFailures:  e.DecodeFailures.Load() + p.DecodeFailures.Load(),
		RebuildFailures: e.RebuildFailures.Load(),
		Prepared:        p.Prepared.Load(),
		Stale:           p.Stale.Load(),
		BudgetSkips:     p.BudgetSkips.Load(),
		BudgetUsed:      s.preloader.Budget().Used(),
	}
}

// SetMasterVolume sets the output level. 1.0 is unity.
func (s *Sequencer) SetMasterVolume(v float32) {
	s.gain.Set(max(v, 0))
}

func (s *Sequencer) MasterVolume() float32 { return s.gain.Level() }

// Run drives the preloader and releases retired sources until ctx is
// cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.preloader.Run(ctx)
	})
	g.Go(func() error {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				s.engine.Reap()
				return nil
			case <-tk.C:
				s.engine.Reap()
			}
		}
	})
	return g.Wait()
}

// OpenDevice starts output on backend.
func (s *Sequencer) OpenDevice(backend audio.Backend) error {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if s.device != nil {
		return errors.New("device already open")
	}
	buf := time.Duration(s.cfg.bufferFrames) * time.Second / time.Duration(s.cfg.sampleRate)
	dev, err := audio.Open(backend, s.cfg.sampleRate, s.cfg.channels, buf, s)
	if err != nil {
		return err
	}
	s.device = dev
	dev.Play()
	return nil
}

// Close stops the device, if any, and frees every decoded sample. Run must
// have returned.
func (s *Sequencer) Close() error {
	s.deviceMu.Lock()
	dev := s.device
	s.device = nil
	s.deviceMu.Unlock()
	var err error
	if dev != nil {
		err = dev.Close()
	}
	s.preloader.ReleaseAll()
	s.engine.Release()
	return err
}

// ApplyPattern replaces the grid, transport and bank with pattern and
// clears undo history.
func (s *Sequencer) ApplyPattern(p *config.Pattern) error {
	steps := p.TotalSteps()
	if steps == 0 {
		steps = s.grid.Steps()
	}
	if err := s.grid.Reset(steps); err != nil {
		return err
	}
	if len(p.Sections) > 0 {
		if err := s.grid.SetSections(p.GridSections()); err != nil {
			return err
		}
	}
	tr := transport.State{Settings: transport.Settings{
		BPM:       transport.DefaultBPM,
		RegionEnd: steps,
		Mode:      p.Mode,
	}}
	if p.BPM != 0 {
		tr.BPM = p.BPM
	}
	if p.RegionEnd > 0 {
		if p.RegionEnd > steps || p.RegionStart < 0 || p.RegionStart >= p.RegionEnd {
			return fmt.Errorf("pattern region [%d,%d): %w", p.RegionStart, p.RegionEnd, ErrOutOfRange)
		}
		tr.RegionStart, tr.RegionEnd = p.RegionStart, p.RegionEnd
	}
	tr.LoopCounts = make([]int, transport.MaxSections)
	for i, sec := range p.Sections {
		tr.LoopCounts[i] = max(sec.Loops, 1)
	}
	s.transport.Apply(tr)
	s.bank.Restore(nil)
	for _, smp := range p.Samples {
		if err := s.bank.Load(smp.Slot, smp.Path); err != nil {
			return err
		}
		if smp.Volume != nil {
			if err := s.bank.SetVolume(smp.Slot, *smp.Volume); err != nil {
				return err
			}
		}
		if smp.Pitch != nil {
			if err := s.bank.SetPitch(smp.Slot, *smp.Pitch); err != nil {
				return err
			}
		}
	}
	for _, c := range p.Cells {
		if c.Slot < 0 || c.Slot >= s.bank.Len() {
			return fmt.Errorf("pattern cell (%d,%d): %w", c.Step, c.Column, bank.ErrInvalidSlot)
		}
		if err := s.grid.SetCell(c.Step, c.Column, grid.Cell{Slot: c.Slot, Volume: c.Volume, Pitch: c.Pitch}); err != nil {
			return err
		}
	}
	s.history.Reset()
	return nil
}
