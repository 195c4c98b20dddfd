package audio

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
)

type rampSource struct {
	next     float32
	finished bool
}

func (s *rampSource) Process(dst []float32) {
	for i := range dst {
		dst[i] = s.next
		s.next += 0.25
	}
}

func (s *rampSource) Finished() bool { return s.finished }

func TestStreamReaderEncodesFloat32LE(t *testing.T) {
	src := &rampSource{}
	r := NewStreamReader(src, 2)
	p := make([]byte, 8*3+5) // trailing partial frame is not filled
	n, err := r.Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 24 {
		t.Fatalf("n = %d, want 24", n)
	}
	for i := 0; i < 6; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		if want := float32(i) * 0.25; got != want {
			t.Fatalf("sample %d = %v, want %v", i, got, want)
		}
	}
}

func TestStreamReaderChannelCount(t *testing.T) {
	r := NewStreamReader(&rampSource{}, 1)
	n, _ := r.Read(make([]byte, 10))
	if n != 8 {
		t.Fatalf("mono read = %d bytes, want 8", n)
	}
	if n, _ := NewStreamReader(&rampSource{}, 4).Read(make([]byte, 15)); n != 0 {
		t.Fatalf("short buffer read = %d, want 0", n)
	}
}

func TestStreamReaderFinished(t *testing.T) {
	src := &rampSource{finished: true}
	r := NewStreamReader(src, 2)
	n, err := r.Read(make([]byte, 16))
	if err != io.EOF || n != 16 {
		t.Fatalf("n=%d err=%v, want 16 io.EOF", n, err)
	}
}

func TestParseBackend(t *testing.T) {
	if b, err := ParseBackend(""); err != nil || b != BackendEbiten {
		t.Fatalf("default backend = %q, %v", b, err)
	}
	if b, err := ParseBackend("oto"); err != nil || b != BackendOto {
		t.Fatalf("oto backend = %q, %v", b, err)
	}
	if _, err := ParseBackend("alsa"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEbitenPlayerRejectsMono(t *testing.T) {
	if _, err := NewEbitenPlayer(48000, 1, 0, &rampSource{}); err == nil {
		t.Fatalf("expected error for mono ebiten player")
	}
}
