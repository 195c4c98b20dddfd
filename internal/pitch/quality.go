package pitch

import (
	"fmt"
	"math"

	"github.com/dh1tw/gosamplerate"

	"github.com/cbegin/sampleseq-go/internal/decode"
)

const qualityBlockFrames = 512

type qualityFactory struct {
	channels   int
	sampleRate int
}

func (f *qualityFactory) Strategy() Strategy { return StrategyQuality }

func (f *qualityFactory) Create(buf *decode.Buffer, _ SampleKey, ratio float64) (Source, error) {
	if err := checkBuffer(buf, f.channels); err != nil {
		return nil, err
	}
	// Largest output/input ratio happens at the lowest pitch.
	maxRatio := float64(f.sampleRate) / (float64(buf.SampleRate) * MinRatio)
	outLen := int(math.Ceil(qualityBlockFrames*maxRatio)+1) * buf.Channels
	src, err := gosamplerate.New(gosamplerate.SRC_SINC_MEDIUM_QUALITY, buf.Channels, outLen)
	if err != nil {
		return nil, fmt.Errorf("pitch: create converter: %w", err)
	}
	s := &qualitySource{buf: buf, src: src, outRate: f.sampleRate}
	s.SetPitch(ratio)
	return s, nil
}

// qualitySource streams the buffer through libsamplerate in blocks. The
// converter accepts a new ratio on every block, so pitch changes glide in.
type qualitySource struct {
	buf     *decode.Buffer
	src     gosamplerate.Src
	outRate int
	pitch   float64
	ratio   float64 // output frames per input frame
	readPos int     // input frames consumed
	pending []float32
	eof     bool
	closed  bool
}

func (s *qualitySource) Read(dst []float32) int {
	ch := s.buf.Channels
	want := len(dst) / ch * ch
	n := 0
	for n < want {
		if len(s.pending) > 0 {
			c := copy(dst[n:want], s.pending)
			s.pending = s.pending[c:]
			n += c
			continue
		}
		if s.eof || s.closed {
			break
		}
		end := s.readPos + qualityBlockFrames
		if end >= s.buf.Frames {
			end = s.buf.Frames
			s.eof = true
		}
		in := s.buf.Samples[s.readPos*ch : end*ch]
		s.readPos = end
		out, err := s.src.Process(in, s.ratio, s.eof)
		if err != nil {
			s.eof = true
			break
		}
		s.pending = out
	}
	return n / ch
}

func (s *qualitySource) Remaining() int {
	if s.closed {
		return 0
	}
	ch := s.buf.Channels
	return len(s.pending)/ch + int(float64(s.buf.Frames-s.readPos)*s.ratio)
}

func (s *qualitySource) SeekToStart() {
	if s.closed {
		return
	}
	_ = s.src.Reset()
	s.readPos = 0
	s.pending = nil
	s.eof = false
}

func (s *qualitySource) SetPitch(ratio float64) bool {
	s.pitch = Clamp(ratio)
	s.ratio = 1 / rateRatio(s.pitch, s.buf.SampleRate, s.outRate)
	return true
}

func (s *qualitySource) Pitch() float64 { return s.pitch }

func (s *qualitySource) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	_ = gosamplerate.Delete(s.src)
}
