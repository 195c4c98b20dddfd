// Package pitch wraps decoded sample buffers in sources that play them back at
// an adjustable rate. Three strategies share one interface; they differ in
// whether a pitch change can be applied to a playing source.
package pitch

import (
	"fmt"
	"strings"

	"github.com/cbegin/sampleseq-go/internal/decode"
)

const (
	MinRatio = 0.25
	MaxRatio = 4.0
)

// Clamp limits a pitch ratio to [MinRatio, MaxRatio]. Non-positive values
// map to 1.
func Clamp(ratio float64) float64 {
	switch {
	case ratio <= 0:
		return 1
	case ratio < MinRatio:
		return MinRatio
	case ratio > MaxRatio:
		return MaxRatio
	}
	return ratio
}

type Strategy int

const (
	// StrategyResample interpolates linearly. Cheap; pitch updates in place.
	StrategyResample Strategy = iota
	// StrategyQuality runs a band-limited sinc converter. Pitch updates in place.
	StrategyQuality
	// StrategyCached renders each (sample, pitch) pair once and plays the
	// rendering. A pitch change requires a new source.
	StrategyCached
)

func (s Strategy) String() string {
	switch s {
	case StrategyResample:
		return "resample"
	case StrategyQuality:
		return "quality"
	case StrategyCached:
		return "cached"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "resample":
		return StrategyResample, nil
	case "quality":
		return StrategyQuality, nil
	case "cached":
		return StrategyCached, nil
	}
	return 0, fmt.Errorf("pitch: unknown strategy %q (expected resample|quality|cached)", name)
}

// Source is a decoded-audio source with adjustable playback rate. Read fills
// dst with interleaved frames at the output rate and returns the number of
// frames written; 0 means the source is exhausted.
type Source interface {
	Read(dst []float32) int
	// Remaining estimates the output frames left before Read returns 0.
	Remaining() int
	SeekToStart()
	// SetPitch reports whether the new ratio took effect without rebuilding.
	// On false the caller must create a new source.
	SetPitch(ratio float64) bool
	Pitch() float64
	Close()
}

// SampleKey identifies the decoded content behind a buffer.
type SampleKey struct {
	ID     string
	Frames int
}

// Factory builds sources for one output format.
type Factory interface {
	Create(buf *decode.Buffer, key SampleKey, ratio float64) (Source, error)
	Strategy() Strategy
}

// NewFactory returns the factory for strategy producing frames at
// sampleRate with the given channel count.
func NewFactory(strategy Strategy, channels, sampleRate int) (Factory, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("pitch: invalid output format %d ch @ %d Hz", channels, sampleRate)
	}
	switch strategy {
	case StrategyResample:
		return &resampleFactory{channels: channels, sampleRate: sampleRate}, nil
	case StrategyQuality:
		return &qualityFactory{channels: channels, sampleRate: sampleRate}, nil
	case StrategyCached:
		return newCachedFactory(channels, sampleRate, defaultCacheEntries), nil
	}
	return nil, fmt.Errorf("pitch: unknown strategy %d", int(strategy))
}

func checkBuffer(buf *decode.Buffer, channels int) error {
	if buf == nil || buf.SampleRate <= 0 {
		return fmt.Errorf("pitch: empty buffer")
	}
	if buf.Channels != channels {
		return fmt.Errorf("pitch: buffer has %d channels, output has %d", buf.Channels, channels)
	}
	return nil
}

// rateRatio is the number of source frames consumed per output frame.
func rateRatio(pitch float64, srcRate, outRate int) float64 {
	return Clamp(pitch) * float64(srcRate) / float64(outRate)
}
