package decode

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeMonoWAV(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ramp.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]int, frames)
	for i := range data {
		data[i] = (i % 200) * 100
	}
	enc := wav.NewEncoder(f, 44100, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 44100},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodeWAVUpmixesMono(t *testing.T) {
	path := writeMonoWAV(t, 1000)
	buf, err := New(2).Decode(path, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Frames != 1000 || buf.TotalFrames != 1000 || buf.Channels != 2 || buf.SampleRate != 44100 {
		t.Fatalf("buffer = frames %d total %d ch %d sr %d", buf.Frames, buf.TotalFrames, buf.Channels, buf.SampleRate)
	}
	if !buf.Complete() {
		t.Fatalf("full decode should be complete")
	}
	want := float32(150*100) / 32768
	l, r := buf.Samples[150*2], buf.Samples[150*2+1]
	if math.Abs(float64(l-want)) > 1e-6 || l != r {
		t.Fatalf("frame 150 = (%v,%v), want (%v,%v)", l, r, want, want)
	}
}

func TestDecodeWAVHeadLimit(t *testing.T) {
	path := writeMonoWAV(t, 10000)
	buf, err := New(2).Decode(path, 256)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Frames != 256 || buf.TotalFrames != 10000 || buf.Complete() {
		t.Fatalf("head decode = frames %d total %d", buf.Frames, buf.TotalFrames)
	}
	if len(buf.Samples) != 512 {
		t.Fatalf("samples len = %d, want 512", len(buf.Samples))
	}
}

func TestProbeWAV(t *testing.T) {
	path := writeMonoWAV(t, 4410)
	info, err := New(2).Probe(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.Frames != 4410 || info.SampleRate != 44100 || info.Channels != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestUnsupportedExtension(t *testing.T) {
	_, err := New(2).Decode("sample.flac", 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := New(2).Decode(filepath.Join(t.TempDir(), "nope.wav"), 0); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMemoryDecoderCopiesAndLimits(t *testing.T) {
	m := NewMemory()
	m.Put("kick", []float32{1, 1, 2, 2, 3, 3}, 2, 48000)
	buf, err := m.Decode("kick", 2)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Frames != 2 || buf.TotalFrames != 3 {
		t.Fatalf("frames = %d/%d", buf.Frames, buf.TotalFrames)
	}
	buf.Samples[0] = 99
	again, _ := m.Decode("kick", 0)
	if again.Samples[0] != 1 {
		t.Fatalf("decode returned shared storage")
	}
	if m.Decodes() != 2 {
		t.Fatalf("decodes = %d, want 2", m.Decodes())
	}
}

func TestMixFrame(t *testing.T) {
	cases := []struct {
		src, want []float32
	}{
		{[]float32{0.5}, []float32{0.5, 0.5}},
		{[]float32{0.2, 0.4}, []float32{0.2, 0.4}},
		{[]float32{0.1, 0.2, 0.3, 0.4}, []float32{0.1, 0.2}},
	}
	for _, tc := range cases {
		dst := make([]float32, 2)
		mixFrame(dst, tc.src)
		if dst[0] != tc.want[0] || dst[1] != tc.want[1] {
			t.Fatalf("mixFrame(%v) = %v, want %v", tc.src, dst, tc.want)
		}
	}
	mono := make([]float32, 1)
	mixFrame(mono, []float32{0.2, 0.4})
	if math.Abs(float64(mono[0]-0.3)) > 1e-6 {
		t.Fatalf("downmix = %v, want 0.3", mono[0])
	}
}
