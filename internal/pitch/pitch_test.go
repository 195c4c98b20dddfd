package pitch

import (
	"math"
	"testing"

	"github.com/cbegin/sampleseq-go/internal/decode"
)

func rampBuffer(frames, sampleRate int) *decode.Buffer {
	s := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		v := float32(i) / float32(frames)
		s[i*2] = v
		s[i*2+1] = -v
	}
	return &decode.Buffer{Samples: s, Channels: 2, SampleRate: sampleRate, Frames: frames, TotalFrames: frames}
}

func drain(src Source, block int) int {
	buf := make([]float32, block*2)
	total := 0
	for {
		n := src.Read(buf)
		if n == 0 {
			return total
		}
		total += n
	}
}

func TestClamp(t *testing.T) {
	cases := map[float64]float64{0: 1, -2: 1, 0.1: MinRatio, 9: MaxRatio, 1.5: 1.5}
	for in, want := range cases {
		if got := Clamp(in); got != want {
			t.Fatalf("Clamp(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyResample, StrategyQuality, StrategyCached} {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStrategy("granular"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestResampleDoublePitchHalvesLength(t *testing.T) {
	f, _ := NewFactory(StrategyResample, 2, 48000)
	src, err := f.Create(rampBuffer(1000, 48000), SampleKey{ID: "ramp"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(src, 64); got != 500 {
		t.Fatalf("frames at pitch 2 = %d, want 500", got)
	}
}

func TestResampleFoldsSourceRate(t *testing.T) {
	f, _ := NewFactory(StrategyResample, 2, 48000)
	src, _ := f.Create(rampBuffer(24000, 24000), SampleKey{}, 1)
	if got := drain(src, 256); got != 48000 {
		t.Fatalf("frames = %d, want 48000", got)
	}
}

func TestResampleSetPitchInPlaceAndSeek(t *testing.T) {
	f, _ := NewFactory(StrategyResample, 2, 48000)
	src, _ := f.Create(rampBuffer(1000, 48000), SampleKey{}, 1)
	buf := make([]float32, 20)
	src.Read(buf)
	if !src.SetPitch(0.5) {
		t.Fatalf("resample source must accept pitch in place")
	}
	if src.Pitch() != 0.5 {
		t.Fatalf("pitch = %v", src.Pitch())
	}
	src.SeekToStart()
	src.Read(buf)
	if buf[0] != 0 {
		t.Fatalf("first frame after seek = %v, want 0", buf[0])
	}
	if math.Abs(float64(buf[2]-0.0005)) > 1e-6 {
		t.Fatalf("interpolated frame = %v, want 0.0005", buf[2])
	}
}

func TestRemainingMatchesFramesRead(t *testing.T) {
	for _, strategy := range []Strategy{StrategyResample, StrategyCached} {
		f, _ := NewFactory(strategy, 2, 48000)
		for _, ratio := range []float64{1, 1.5, 0.5} {
			src, err := f.Create(rampBuffer(1000, 48000), SampleKey{ID: "ramp", Frames: 1000}, ratio)
			if err != nil {
				t.Fatal(err)
			}
			buf := make([]float32, 100*2)
			src.Read(buf)
			want := src.Remaining()
			if got := drain(src, 64); got != want {
				t.Fatalf("%v at %v: Remaining = %d, then read %d", strategy, ratio, want, got)
			}
			if src.Remaining() != 0 {
				t.Fatalf("%v at %v: Remaining after drain = %d", strategy, ratio, src.Remaining())
			}
		}
	}
}

func TestResampleReadDoesNotAllocate(t *testing.T) {
	f, _ := NewFactory(StrategyResample, 2, 48000)
	src, _ := f.Create(rampBuffer(48000, 44100), SampleKey{}, 1.3)
	buf := make([]float32, 256*2)
	allocs := testing.AllocsPerRun(100, func() {
		if src.Read(buf) == 0 {
			src.SeekToStart()
		}
		src.SetPitch(0.9)
	})
	if allocs != 0 {
		t.Fatalf("Read allocated %v times per block", allocs)
	}
}

func TestCachedRequiresRebuildOnPitchChange(t *testing.T) {
	f, _ := NewFactory(StrategyCached, 2, 48000)
	buf := rampBuffer(4800, 48000)
	src, err := f.Create(buf, SampleKey{ID: "ramp", Frames: 4800}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if src.SetPitch(1.5) {
		t.Fatalf("cached source must refuse in-place pitch change")
	}
	if !src.SetPitch(2) {
		t.Fatalf("same pitch should be accepted")
	}
	got := drain(src, 128)
	if got < 2300 || got > 2500 {
		t.Fatalf("rendered frames = %d, want about 2400", got)
	}
	if _, err := f.Create(buf, SampleKey{ID: "ramp", Frames: 4800}, 2); err != nil {
		t.Fatal(err)
	}
	if n := f.(*cachedFactory).Len(); n != 1 {
		t.Fatalf("cache entries = %d, want 1", n)
	}
}

func TestCachedUnityPitchSharesBuffer(t *testing.T) {
	f, _ := NewFactory(StrategyCached, 2, 48000)
	src, _ := f.Create(rampBuffer(100, 48000), SampleKey{ID: "x"}, 1)
	if got := drain(src, 7); got != 100 {
		t.Fatalf("frames = %d, want 100", got)
	}
	if n := f.(*cachedFactory).Len(); n != 0 {
		t.Fatalf("unity pitch should not be cached, have %d", n)
	}
}

func TestQualityProducesScaledLength(t *testing.T) {
	f, _ := NewFactory(StrategyQuality, 2, 48000)
	src, err := f.Create(rampBuffer(4800, 48000), SampleKey{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if !src.SetPitch(2) {
		t.Fatalf("quality source must accept pitch in place")
	}
	got := drain(src, 256)
	if got < 2200 || got > 2600 {
		t.Fatalf("frames = %d, want about 2400", got)
	}
	src.SeekToStart()
	if got := drain(src, 256); got < 2200 {
		t.Fatalf("frames after seek = %d", got)
	}
}

func TestCreateRejectsChannelMismatch(t *testing.T) {
	f, _ := NewFactory(StrategyResample, 1, 48000)
	if _, err := f.Create(rampBuffer(10, 48000), SampleKey{}, 1); err == nil {
		t.Fatalf("expected channel mismatch error")
	}
}
