package effects

import (
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

// Limiter is a linked peak limiter. All channels of a frame share one gain,
// so the stereo image does not shift under reduction.
type Limiter struct {
	threshold float32
	attack    float32 // coefficient
	release   float32 // coefficient
	env       float32
}

// NewLimiter creates a limiter.
// thresholdDB: ceiling in dBFS (e.g., -1)
// attackMs: attack time in ms
// releaseMs: release time in ms
func NewLimiter(sampleRate int, thresholdDB, attackMs, releaseMs float32) *Limiter {
	sr := float64(sampleRate)
	return &Limiter{
		threshold: float32(math.Pow(10, float64(thresholdDB)/20)),
		attack:    float32(1.0 - math.Exp(-1.0/(float64(attackMs)*sr/1000.0))),
		release:   float32(1.0 - math.Exp(-1.0/(float64(releaseMs)*sr/1000.0))),
	}
}

func (l *Limiter) Process(buf []float32, channels int) {
	if len(buf) == 0 || channels <= 0 {
		return
	}
	// Nothing to do while the envelope is settled under the ceiling and the
	// buffer stays there too.
	if l.env <= l.threshold && vek32.Max(buf) <= l.threshold && -vek32.Min(buf) <= l.threshold {
		return
	}
	for i := 0; i+channels <= len(buf); i += channels {
		var peak float32
		for _, v := range buf[i : i+channels] {
			peak = max(peak, float32(math.Abs(float64(v))))
		}
		if peak > l.env {
			l.env += l.attack * (peak - l.env)
		} else {
			l.env += l.release * (peak - l.env)
		}
		gain := l.gain(peak)
		for c := i; c < i+channels; c++ {
			buf[c] *= gain
		}
	}
}

// gain keeps both the envelope and the instantaneous peak under the ceiling.
func (l *Limiter) gain(peak float32) float32 {
	level := max(l.env, peak)
	if level <= l.threshold || l.threshold <= 0 {
		return 1.0
	}
	return l.threshold / level
}

func (l *Limiter) Reset() {
	l.env = 0
}

// Gain scales the bus by a level that may be changed from another
// goroutine.
type Gain struct {
	bits atomic.Uint32
}

func NewGain(level float32) *Gain {
	g := &Gain{}
	g.Set(level)
	return g
}

func (g *Gain) Set(level float32) { g.bits.Store(math.Float32bits(level)) }
func (g *Gain) Level() float32    { return math.Float32frombits(g.bits.Load()) }

func (g *Gain) Process(buf []float32, _ int) {
	if level := g.Level(); level != 1 {
		vek32.MulNumber_Inplace(buf, level)
	}
}

func (g *Gain) Reset() {}
