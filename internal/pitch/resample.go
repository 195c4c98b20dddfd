package pitch

import (
	"math"

	"github.com/cbegin/sampleseq-go/internal/decode"
)

type resampleFactory struct {
	channels   int
	sampleRate int
}

func (f *resampleFactory) Strategy() Strategy { return StrategyResample }

func (f *resampleFactory) Create(buf *decode.Buffer, _ SampleKey, ratio float64) (Source, error) {
	if err := checkBuffer(buf, f.channels); err != nil {
		return nil, err
	}
	s := &resampleSource{buf: buf, outRate: f.sampleRate}
	s.SetPitch(ratio)
	return s, nil
}

// resampleSource steps through the buffer at a fractional rate and
// interpolates linearly between neighbouring frames.
type resampleSource struct {
	buf     *decode.Buffer
	outRate int
	pitch   float64
	step    float64
	pos     float64
}

func (s *resampleSource) Read(dst []float32) int {
	ch := s.buf.Channels
	frames := len(dst) / ch
	last := s.buf.Frames - 1
	samples := s.buf.Samples
	n := 0
	for ; n < frames; n++ {
		idx := int(s.pos)
		if idx > last {
			break
		}
		frac := float32(s.pos - float64(idx))
		lo := idx * ch
		hi := lo
		if idx < last {
			hi = lo + ch
		}
		out := n * ch
		for c := 0; c < ch; c++ {
			a := samples[lo+c]
			dst[out+c] = a + (samples[hi+c]-a)*frac
		}
		s.pos += s.step
	}
	return n
}

func (s *resampleSource) Remaining() int {
	left := float64(s.buf.Frames) - s.pos
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left / s.step))
}

func (s *resampleSource) SeekToStart() { s.pos = 0 }

func (s *resampleSource) SetPitch(ratio float64) bool {
	s.pitch = Clamp(ratio)
	s.step = rateRatio(s.pitch, s.buf.SampleRate, s.outRate)
	return true
}

func (s *resampleSource) Pitch() float64 { return s.pitch }
func (s *resampleSource) Close()         {}

// ramSource plays a buffer that is already at the output rate.
type ramSource struct {
	buf   *decode.Buffer
	pitch float64
	pos   int
}

func (s *ramSource) Read(dst []float32) int {
	ch := s.buf.Channels
	frames := len(dst) / ch
	remain := s.buf.Frames - s.pos
	if frames > remain {
		frames = remain
	}
	if frames <= 0 {
		return 0
	}
	copy(dst, s.buf.Samples[s.pos*ch:(s.pos+frames)*ch])
	s.pos += frames
	return frames
}

func (s *ramSource) Remaining() int { return max(s.buf.Frames-s.pos, 0) }
func (s *ramSource) SeekToStart()   { s.pos = 0 }
func (s *ramSource) Pitch() float64 { return s.pitch }
func (s *ramSource) Close()         {}

func (s *ramSource) SetPitch(ratio float64) bool {
	return Clamp(ratio) == s.pitch
}
