package preload

import (
	"context"
	"testing"
	"time"

	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/pitch"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

type fixedCursor struct {
	c       transport.Cursor
	playing bool
}

func (f *fixedCursor) Cursor() (transport.Cursor, bool) { return f.c, f.playing }

type fixture struct {
	grid   *grid.Grid
	bank   *bank.Bank
	mem    *decode.Memory
	cursor *fixedCursor
	pre    *Preloader
}

func newFixture(t *testing.T, budget int64) *fixture {
	t.Helper()
	mem := decode.NewMemory()
	mem.Put("a.wav", make([]float32, 2*4800), 2, 48000)
	mem.Put("b.wav", make([]float32, 2*96000), 2, 48000)
	b := bank.New(8, mem)
	if err := b.Load(0, "a.wav"); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(1, "b.wav"); err != nil {
		t.Fatal(err)
	}
	g := grid.New(16, 4, 16)
	tr := transport.New(120, 16)
	f, _ := pitch.NewFactory(pitch.StrategyResample, 2, 48000)
	cur := &fixedCursor{c: transport.Cursor{Step: 4}, playing: true}
	pre := New(g, b, tr, mem, f, cur, Options{Columns: 4, Channels: 2, Budget: NewBudget(budget)})
	return &fixture{grid: g, bank: b, mem: mem, cursor: cur, pre: pre}
}

func keyFor(t *testing.T, f *fixture, step, col int) Key {
	t.Helper()
	trig, ok := Resolve(f.grid.Table().Cell(step, col), f.bank)
	if !ok {
		t.Fatalf("cell (%d,%d) does not resolve", step, col)
	}
	return trig.Key()
}

func TestTickStagesNextStep(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 1, grid.Cell{Slot: 0})
	f.pre.Tick()
	it, ready := f.pre.Staged(1)
	if !ready || it == nil || it.Step != 5 {
		t.Fatalf("staged = %+v ready=%v", it, ready)
	}
	if it.Buffer.Frames != 4800 {
		t.Fatalf("short sample should load whole, got %d frames", it.Buffer.Frames)
	}
	if f.pre.Budget().Used() != it.Bytes {
		t.Fatalf("budget used = %d, want %d", f.pre.Budget().Used(), it.Bytes)
	}
	f.pre.Tick()
	if got := f.pre.Stats.Prepared.Load(); got != 1 {
		t.Fatalf("second tick re-prepared: prepared = %d", got)
	}
	if f.mem.Decodes() != 1 {
		t.Fatalf("decodes = %d, want 1", f.mem.Decodes())
	}
}

func TestLongSampleGetsHead(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 1})
	f.pre.Tick()
	it, _ := f.pre.Staged(0)
	if it == nil || it.Buffer.Frames != 72000 || it.Buffer.TotalFrames != 96000 {
		t.Fatalf("head decode = %+v", it)
	}
}

func TestTakeTransfersOwnershipOnce(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 2, grid.Cell{Slot: 0})
	f.pre.Tick()
	key := keyFor(t, f, 5, 2)
	it := f.pre.Take(2, 5, key)
	if it == nil {
		t.Fatalf("expected item")
	}
	staged, ready := f.pre.Staged(2)
	if staged != nil || ready {
		t.Fatalf("slot still holds item after take: %+v ready=%v", staged, ready)
	}
	if again := f.pre.Take(2, 5, key); again != nil {
		t.Fatalf("item handed out twice")
	}
	if f.pre.Budget().Used() != 0 {
		t.Fatalf("budget not released on take: %d", f.pre.Budget().Used())
	}
}

func TestTakeWrongStepMisses(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 0})
	f.pre.Tick()
	if it := f.pre.Take(0, 6, keyFor(t, f, 5, 0)); it != nil {
		t.Fatalf("take for another step succeeded")
	}
	if _, ready := f.pre.Staged(0); !ready {
		t.Fatalf("miss for another step should leave slot ready")
	}
}

func TestEditAfterStagingIsStale(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 1, grid.Cell{Slot: 0})
	f.pre.Tick()
	_ = f.grid.SetCell(5, 1, grid.Cell{Slot: 1})
	if it := f.pre.Take(1, 5, keyFor(t, f, 5, 1)); it != nil {
		t.Fatalf("stale item handed out")
	}
	if f.pre.Stats.Stale.Load() != 1 {
		t.Fatalf("stale = %d", f.pre.Stats.Stale.Load())
	}
	f.cursor.c = transport.Cursor{Step: 5}
	f.pre.Tick()
	if f.pre.Stats.Released.Load() != 1 {
		t.Fatalf("stale buffer not released, released = %d", f.pre.Stats.Released.Load())
	}
}

func TestZeroBudgetSkips(t *testing.T) {
	f := newFixture(t, 0)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 0})
	f.pre.Tick()
	if _, ready := f.pre.Staged(0); ready {
		t.Fatalf("staged with zero budget")
	}
	if f.mem.Decodes() != 0 {
		t.Fatalf("decoded despite zero budget")
	}
	if f.pre.Stats.BudgetSkips.Load() != 1 {
		t.Fatalf("budget skips = %d", f.pre.Stats.BudgetSkips.Load())
	}
}

func TestBusySlotIsNotReleased(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 0})
	f.pre.Tick()
	f.pre.slots[0].consuming.Store(true)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 1})
	f.pre.Tick()
	if it, _ := f.pre.Staged(0); it == nil || it.Key.Slot != 0 {
		t.Fatalf("slot was modified while consuming")
	}
	if f.pre.Stats.BusySkips.Load() == 0 {
		t.Fatalf("expected a busy skip")
	}
	f.pre.slots[0].consuming.Store(false)
	f.pre.Tick()
	if it, ready := f.pre.Staged(0); !ready || it.Key.Slot != 1 {
		t.Fatalf("slot not restaged after consumer finished")
	}
}

func TestStoppedDoesNothing(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	f.cursor.playing = false
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 0})
	f.pre.Tick()
	if _, ready := f.pre.Staged(0); ready {
		t.Fatalf("staged while stopped")
	}
}

func TestRunReleasesOnCancel(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	_ = f.grid.SetCell(5, 0, grid.Cell{Slot: 0})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.pre.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for f.pre.Stats.Prepared.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.pre.Budget().Used() != 0 {
		t.Fatalf("budget used after shutdown = %d", f.pre.Budget().Used())
	}
}

func TestResolveInheritsCurrentDefaults(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	cell := grid.Cell{Slot: 0, Volume: grid.Inherit(), Pitch: grid.Value(2)}
	_ = f.bank.SetVolume(0, 0.8)
	trig, _ := Resolve(cell, f.bank)
	if trig.Volume != 0.8 || trig.Pitch != 2 {
		t.Fatalf("trigger = %+v", trig)
	}
	_ = f.bank.SetVolume(0, 0.3)
	trig, _ = Resolve(cell, f.bank)
	if trig.Volume != 0.3 {
		t.Fatalf("volume = %v, want 0.3", trig.Volume)
	}
	_ = f.bank.Unload(0)
	if _, ok := Resolve(cell, f.bank); ok {
		t.Fatalf("unloaded slot resolved")
	}
}

func TestRepeatedSampleSharesDecode(t *testing.T) {
	f := newFixture(t, DefaultBudget)
	for step := 5; step < 8; step++ {
		_ = f.grid.SetCell(step, 2, grid.Cell{Slot: 0})
	}
	for step := 5; step < 8; step++ {
		f.cursor.c = transport.Cursor{Step: step - 1}
		f.pre.Tick()
		it := f.pre.Take(2, step, keyFor(t, f, step, 2))
		if it == nil {
			t.Fatalf("step %d not staged", step)
		}
		it.Source.Close()
	}
	if f.mem.Decodes() != 1 || f.pre.Stats.Reused.Load() != 2 {
		t.Fatalf("decodes=%d reused=%d, want 1 and 2", f.mem.Decodes(), f.pre.Stats.Reused.Load())
	}
	if err := f.bank.Load(0, "a.wav"); err != nil {
		t.Fatal(err)
	}
	f.cursor.c = transport.Cursor{Step: 4}
	f.pre.Tick()
	if f.mem.Decodes() != 2 {
		t.Fatalf("reloaded sample reused an old decode: decodes=%d", f.mem.Decodes())
	}
}
