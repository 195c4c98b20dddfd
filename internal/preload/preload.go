// Package preload decodes the samples of the next step into memory before
// the engine reaches it.
//
// Each column has one staging slot. A slot's item is handed to the engine by
// pointer exactly once. The consuming flag is held by whichever side is
// touching the slot's pointers: the engine while it takes an item, the
// preloader while it releases or fills the slot. Neither side waits for the
// other; a failed claim is a skip.
package preload

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/pitch"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

const (
	DefaultInterval = 2 * time.Millisecond
	DefaultTarget   = 1500 * time.Millisecond
	DefaultMinimum  = 250 * time.Millisecond
	DefaultBudget   = 100 << 20
)

// Item is a fully decoded sample ready to play. Ownership moves with the
// pointer.
type Item struct {
	Buffer *decode.Buffer
	Source pitch.Source
	Key    Key
	Step   int
	Bytes  int64 // reserved against the budget while staged
}

// recent is the last buffer the preloader decoded for a column. Buffers are
// read-only once decoded, so a repeat of the same sample shares it.
type recent struct {
	id     string
	frames int
	buf    *decode.Buffer
}

type slot struct {
	ready     atomic.Bool
	consuming atomic.Bool
	step      atomic.Int64
	item      atomic.Pointer[Item]
}

// CursorSource reports where playback currently is.
type CursorSource interface {
	Cursor() (transport.Cursor, bool)
}

type Stats struct {
	Prepared       atomic.Int64
	Taken          atomic.Int64
	Stale          atomic.Int64
	Released       atomic.Int64
	BudgetSkips    atomic.Int64
	BusySkips      atomic.Int64
	DecodeFailures atomic.Int64
	Reused         atomic.Int64
}

type Options struct {
	Columns  int
	Channels int
	Interval time.Duration
	// Target is how much of each sample to decode ahead; shorter samples
	// are decoded whole. Minimum puts a floor under Target.
	Target  time.Duration
	Minimum time.Duration
	Budget  *Budget
	Logger  *slog.Logger
}

type Preloader struct {
	opts      Options
	grid      *grid.Grid
	bank      *bank.Bank
	transport *transport.Transport
	decoder   decode.Decoder
	factory   pitch.Factory
	cursor    CursorSource
	slots     []slot
	recent    []recent // preloader goroutine only
	budget    *Budget
	log       *slog.Logger
	Stats     Stats
}

func New(g *grid.Grid, b *bank.Bank, t *transport.Transport, dec decode.Decoder, factory pitch.Factory, cursor CursorSource, opts Options) *Preloader {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Target <= 0 {
		opts.Target = DefaultTarget
	}
	if opts.Minimum <= 0 {
		opts.Minimum = DefaultMinimum
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.Budget == nil {
		opts.Budget = NewBudget(DefaultBudget)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Preloader{
		opts:      opts,
		grid:      g,
		bank:      b,
		transport: t,
		decoder:   dec,
		factory:   factory,
		cursor:    cursor,
		slots:     make([]slot, opts.Columns),
		recent:    make([]recent, opts.Columns),
		budget:    opts.Budget,
		log:       log,
	}
}

// SetCursor attaches the playback position source. It must be called
// before Run.
func (p *Preloader) SetCursor(c CursorSource) { p.cursor = c }

func (p *Preloader) Budget() *Budget { return p.budget }

// HeadFrames is how many frames of a trigger's sample are decoded, on the
// preload path and the engine's fallback path alike.
func (p *Preloader) HeadFrames(t Trigger) int {
	return HeadFrames(t, p.opts.Target, p.opts.Minimum)
}

func HeadFrames(t Trigger, target, minimum time.Duration) int {
	if t.SampleRate <= 0 {
		return 0
	}
	if target < minimum {
		target = minimum
	}
	n := int(target.Seconds() * float64(t.SampleRate))
	if t.Frames > 0 && t.Frames < n {
		return t.Frames
	}
	return n
}

// Run ticks until ctx is cancelled, then releases everything still staged.
func (p *Preloader) Run(ctx context.Context) error {
	tk := time.NewTicker(p.opts.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			p.ReleaseAll()
			return nil
		case <-tk.C:
			p.Tick()
		}
	}
}

// Tick stages the step after the current playback position.
func (p *Preloader) Tick() {
	if p.cursor == nil {
		return
	}
	cur, playing := p.cursor.Cursor()
	if !playing {
		return
	}
	t := p.grid.Table()
	next := transport.Next(cur, p.transport.Settings(), t)
	if next.Done {
		return
	}
	cols := min(len(p.slots), t.Columns)
	for col := 0; col < cols; col++ {
		p.stage(col, next.Step, t.Cell(next.Step, col))
	}
}

func (p *Preloader) stage(col, step int, cell grid.Cell) {
	sl := &p.slots[col]
	trig, ok := Resolve(cell, p.bank)
	if ok && sl.ready.Load() && int(sl.step.Load()) == step {
		if it := sl.item.Load(); it != nil && it.Key == trig.Key() {
			return
		}
	}
	if !ok && !sl.ready.Load() && sl.item.Load() == nil {
		return
	}
	if !sl.consuming.CompareAndSwap(false, true) {
		p.Stats.BusySkips.Add(1)
		return
	}
	defer sl.consuming.Store(false)
	p.release(sl)
	if !ok {
		return
	}
	it := p.build(col, step, trig)
	if it == nil {
		return
	}
	sl.item.Store(it)
	sl.step.Store(int64(step))
	sl.ready.Store(true)
	p.Stats.Prepared.Add(1)
}

func (p *Preloader) build(col, step int, trig Trigger) *Item {
	frames := p.HeadFrames(trig)
	est := int64(frames * p.opts.Channels * 4)
	if p.factory.Strategy() == pitch.StrategyCached && trig.Pitch > 0 {
		est += int64(float64(est) / float64(trig.Pitch))
	}
	if !p.budget.TryReserve(est) {
		p.Stats.BudgetSkips.Add(1)
		p.log.Debug("preload skipped: memory budget", "column", col, "step", step, "bytes", est, "used", p.budget.Used())
		return nil
	}
	buf, err := p.decode(col, trig, frames)
	if err != nil {
		p.budget.Release(est)
		p.Stats.DecodeFailures.Add(1)
		p.log.Warn("preload decode failed", "column", col, "step", step, "path", trig.Path, "err", err)
		return nil
	}
	src, err := p.factory.Create(buf, trig.SampleKey(buf.Frames), float64(trig.Pitch))
	if err != nil {
		p.budget.Release(est)
		p.Stats.DecodeFailures.Add(1)
		p.log.Warn("preload source failed", "column", col, "step", step, "path", trig.Path, "err", err)
		return nil
	}
	return &Item{Buffer: buf, Source: src, Key: trig.Key(), Step: step, Bytes: est}
}

// decode returns the head of trig's sample, reusing the column's previous
// buffer when it holds the same decode.
func (p *Preloader) decode(col int, trig Trigger, frames int) (*decode.Buffer, error) {
	r := &p.recent[col]
	if r.buf != nil && r.id == trig.ID && r.frames == frames {
		p.Stats.Reused.Add(1)
		return r.buf, nil
	}
	buf, err := p.decoder.Decode(trig.Path, frames)
	if err != nil {
		*r = recent{}
		return nil, err
	}
	*r = recent{id: trig.ID, frames: frames, buf: buf}
	return buf, nil
}

// release frees a slot's item. The caller holds the consuming flag.
func (p *Preloader) release(sl *slot) {
	sl.ready.Store(false)
	if it := sl.item.Swap(nil); it != nil {
		it.Source.Close()
		p.budget.Release(it.Bytes)
		p.Stats.Released.Add(1)
	}
}

// ReleaseAll frees every slot that is not being consumed and forgets the
// buffers kept for reuse.
func (p *Preloader) ReleaseAll() {
	clear(p.recent)
	for i := range p.slots {
		sl := &p.slots[i]
		if !sl.consuming.CompareAndSwap(false, true) {
			continue
		}
		p.release(sl)
		sl.consuming.Store(false)
	}
}

// Take hands the staged item for (col, step) to the caller if it was
// prepared for key. A mismatching item is marked stale and left for the
// preloader to free. Take never blocks and never frees memory.
func (p *Preloader) Take(col, step int, key Key) *Item {
	if col < 0 || col >= len(p.slots) {
		return nil
	}
	sl := &p.slots[col]
	if !sl.ready.Load() || int(sl.step.Load()) != step {
		return nil
	}
	if !sl.consuming.CompareAndSwap(false, true) {
		return nil
	}
	it := sl.item.Load()
	if it == nil || it.Step != step || it.Key != key {
		sl.ready.Store(false)
		sl.consuming.Store(false)
		p.Stats.Stale.Add(1)
		return nil
	}
	sl.item.Store(nil)
	sl.ready.Store(false)
	sl.consuming.Store(false)
	p.budget.Release(it.Bytes)
	p.Stats.Taken.Add(1)
	return it
}

// Staged reports the item currently held for col and whether it is ready.
func (p *Preloader) Staged(col int) (*Item, bool) {
	if col < 0 || col >= len(p.slots) {
		return nil, false
	}
	sl := &p.slots[col]
	return sl.item.Load(), sl.ready.Load()
}
