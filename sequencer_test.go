package sampleseq

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/cbegin/sampleseq-go/internal/config"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/grid"
)

const testRate = 48000

func newTestSequencer(t *testing.T, opts ...Option) (*Sequencer, *decode.Memory) {
	t.Helper()
	mem := decode.NewMemory()
	for _, name := range []string{"kick.wav", "snare.wav"} {
		s := make([]float32, testRate*2)
		for i := range s {
			s[i] = 0.5
		}
		mem.Put(name, s, 2, testRate)
	}
	base := []Option{
		WithSampleRate(testRate),
		WithChannels(2),
		WithColumns(4),
		WithSteps(16, 64),
		WithSlots(8),
		WithDecoder(mem),
	}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mem
}

func peak(buf []float32) float32 {
	var p float32
	for _, v := range buf {
		p = max(p, float32(math.Abs(float64(v))))
	}
	return p
}

func TestSetCellRejectsUnknownSlot(t *testing.T) {
	s, _ := newTestSequencer(t)
	if err := s.SetCell(0, 0, 8, Inherit(), Inherit()); err == nil {
		t.Fatalf("expected error for slot 8")
	}
	if err := s.SetCell(16, 0, 0, Inherit(), Inherit()); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	if s.CanUndo() {
		t.Fatalf("failed edits must not be recorded")
	}
}

func TestEditsAreUndoable(t *testing.T) {
	s, _ := newTestSequencer(t)
	if err := s.LoadSample(0, "kick.wav"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCell(3, 1, 0, Value(0.5), Inherit()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBPM(140); err != nil {
		t.Fatal(err)
	}
	if !s.Undo() || s.transport.Settings().BPM != 120 {
		t.Fatalf("undo did not revert bpm")
	}
	if !s.Undo() || s.Cell(3, 1) != grid.EmptyCell {
		t.Fatalf("undo did not clear cell: %+v", s.Cell(3, 1))
	}
	if !s.Undo() {
		t.Fatalf("undo of load failed")
	}
	if slot, _ := s.Slot(0); slot.Loaded {
		t.Fatalf("slot still loaded after undo")
	}
	if s.Undo() {
		t.Fatalf("undo past the first entry")
	}
	for i := 0; i < 3; i++ {
		if !s.Redo() {
			t.Fatalf("redo %d failed", i)
		}
	}
	if s.transport.Settings().BPM != 140 || s.Cell(3, 1).Slot != 0 {
		t.Fatalf("redo did not restore edits")
	}
}

func TestSetRegionBeyondGrid(t *testing.T) {
	s, _ := newTestSequencer(t)
	if err := s.SetRegion(0, 17); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	if err := s.SetRegion(4, 8); err != nil {
		t.Fatal(err)
	}
}

func TestStartRejectsBadStep(t *testing.T) {
	s, _ := newTestSequencer(t)
	if err := s.Start(120, 16); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Start(5, 0); err == nil {
		t.Fatalf("expected bpm error")
	}
}

func TestRenderPlaysCells(t *testing.T) {
	s, mem := newTestSequencer(t, WithLimiter(0))
	if err := s.LoadSample(0, "kick.wav"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCell(0, 0, 0, Inherit(), Inherit()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBPM(300); err != nil {
		t.Fatal(err)
	}
	out, err := s.RenderSamples(0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4800*2 {
		t.Fatalf("len = %d", len(out))
	}
	if p := peak(out[len(out)-512:]); math.Abs(float64(p)-0.5) > 0.01 {
		t.Fatalf("peak = %v, want 0.5", p)
	}
	if mem.Decodes() == 0 {
		t.Fatalf("sample was never decoded")
	}
	if st := s.State(); st.BPM != 300 || st.Step < 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestMasterVolumeAndLimiter(t *testing.T) {
	s, _ := newTestSequencer(t)
	_ = s.LoadSample(0, "kick.wav")
	for col := 0; col < 4; col++ {
		_ = s.SetCell(0, col, 0, Value(1), Inherit())
	}
	out, err := s.RenderSamples(0.05)
	if err != nil {
		t.Fatal(err)
	}
	ceiling := float32(math.Pow(10, -1.0/20))
	if p := peak(out); p > ceiling+1e-4 {
		t.Fatalf("peak %v over limiter ceiling %v", p, ceiling)
	}
	s.SetMasterVolume(0)
	out, _ = s.RenderSamples(0.05)
	if p := peak(out); p != 0 {
		t.Fatalf("peak = %v with master volume 0", p)
	}
}

func TestSampleTapSeesOutput(t *testing.T) {
	var frames int
	s, _ := newTestSequencer(t, WithSampleTap(func(buf []float32) { frames += len(buf) / 2 }))
	if _, err := s.RenderSamples(0.01); err != nil {
		t.Fatal(err)
	}
	if frames != 480 {
		t.Fatalf("tap saw %d frames", frames)
	}
}

func TestSnapshotExportImport(t *testing.T) {
	s, _ := newTestSequencer(t)
	_ = s.LoadSample(1, "snare.wav")
	_ = s.SetCell(2, 3, 1, Inherit(), Value(2))
	_ = s.SetMode(ModeSong)
	data, err := s.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	other, _ := newTestSequencer(t)
	if err := other.ImportSnapshot(data); err != nil {
		t.Fatal(err)
	}
	if c := other.Cell(2, 3); c.Slot != 1 || c.Pitch != Value(2) {
		t.Fatalf("cell = %+v", c)
	}
	if other.transport.Settings().Mode != ModeSong {
		t.Fatalf("mode not imported")
	}
	if !other.CanUndo() {
		t.Fatalf("import should be undoable")
	}
	narrow, _ := newTestSequencer(t, WithColumns(2))
	if err := narrow.ImportSnapshot(data); err == nil {
		t.Fatalf("expected column mismatch error")
	}
}

func TestImportSnapshotRejectsBadTransport(t *testing.T) {
	s, _ := newTestSequencer(t)
	_ = s.SetCell(1, 0, 0, Inherit(), Inherit())
	data, err := s.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	bpm := fmt.Sprintf(`"bpm":%d`, s.Settings().BPM)
	if !bytes.Contains(data, []byte(bpm)) {
		t.Fatalf("export has no %s: %s", bpm, data)
	}
	bad := bytes.Replace(data, []byte(bpm), []byte(`"bpm":999`), 1)

	other, _ := newTestSequencer(t)
	if err := other.ImportSnapshot(bad); err == nil {
		t.Fatalf("imported bpm 999")
	}
	if other.Settings().BPM != s.Settings().BPM {
		t.Fatalf("bpm = %d after rejected import", other.Settings().BPM)
	}
	if c := other.Cell(1, 0); c != grid.EmptyCell {
		t.Fatalf("cell = %+v after rejected import", c)
	}
}

func TestSectionLimit(t *testing.T) {
	s, _ := newTestSequencer(t, WithSteps(1, 128))
	for i := 0; i < 63; i++ {
		if err := s.AppendSection(1); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := s.AppendSection(1); !errors.Is(err, grid.ErrInvalidSections) {
		t.Fatalf("err = %v, want ErrInvalidSections", err)
	}
}

func TestApplyPattern(t *testing.T) {
	s, _ := newTestSequencer(t)
	_ = s.SetBPM(90)
	vol := float32(0.7)
	p := &config.Pattern{
		BPM:      150,
		Mode:     ModeSong,
		Sections: []config.PatternSection{{Steps: 4, Loops: 2}, {Steps: 4}},
		Samples:  []config.PatternSample{{Slot: 0, Path: "kick.wav", Volume: &vol}},
		Cells:    []config.PatternCell{{Step: 5, Column: 2, Slot: 0}},
	}
	if err := s.ApplyPattern(p); err != nil {
		t.Fatal(err)
	}
	if s.Steps() != 8 || len(s.Sections()) != 2 {
		t.Fatalf("steps=%d sections=%v", s.Steps(), s.Sections())
	}
	set := s.transport.Settings()
	if set.BPM != 150 || set.Mode != ModeSong || set.RegionEnd != 8 || set.LoopCount(0) != 2 {
		t.Fatalf("settings = %+v", set)
	}
	if slot, _ := s.Slot(0); !slot.Loaded || slot.Volume != 0.7 {
		t.Fatalf("slot = %+v", slot)
	}
	if s.Cell(5, 2).Slot != 0 {
		t.Fatalf("cell not placed")
	}
	if s.CanUndo() {
		t.Fatalf("pattern load should reset history")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	c := config.Default()
	c.Columns = 6
	c.SyncFallback = "drop"
	opts, err := OptionsFromConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(append(opts, WithDecoder(decode.NewMemory()))...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Columns() != 6 || s.SampleRate() != c.SampleRate {
		t.Fatalf("columns=%d rate=%d", s.Columns(), s.SampleRate())
	}
	c.PitchStrategy = "granular"
	if _, err := OptionsFromConfig(c); err == nil {
		t.Fatalf("expected error for bad strategy")
	}
}
