package sampleseq

import (
	"log/slog"
	"time"

	"github.com/cbegin/sampleseq-go/internal/config"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/engine"
	"github.com/cbegin/sampleseq-go/internal/pitch"
	"github.com/cbegin/sampleseq-go/internal/preload"
)

type Option func(*seqConfig)

type seqConfig struct {
	sampleRate      int
	channels        int
	bufferFrames    int
	columns         int
	steps           int
	maxSteps        int
	slots           int
	strategy        pitch.Strategy
	budget          int64
	preloadInterval time.Duration
	preloadTarget   time.Duration
	preloadMin      time.Duration
	rise            time.Duration
	fall            time.Duration
	fallback        engine.SyncFallback
	limiterDB       float32
	decoder         decode.Decoder
	logger          *slog.Logger
	sampleTap       func([]float32)
}

func defaultSeqConfig() seqConfig {
	return seqConfig{
		sampleRate:      48000,
		channels:        2,
		bufferFrames:    512,
		columns:         16,
		steps:           256,
		maxSteps:        1024,
		slots:           64,
		strategy:        pitch.StrategyResample,
		budget:          preload.DefaultBudget,
		preloadInterval: preload.DefaultInterval,
		preloadTarget:   preload.DefaultTarget,
		preloadMin:      preload.DefaultMinimum,
		rise:            engine.DefaultRise,
		fall:            engine.DefaultFall,
		fallback:        engine.FallbackDecode,
		limiterDB:       -1,
	}
}

func WithSampleRate(rate int) Option {
	return func(cfg *seqConfig) {
		cfg.sampleRate = rate
	}
}

func WithChannels(n int) Option {
	return func(cfg *seqConfig) {
		cfg.channels = n
	}
}

// WithBufferFrames sets the device buffer length in frames.
func WithBufferFrames(n int) Option {
	return func(cfg *seqConfig) {
		cfg.bufferFrames = n
	}
}

func WithColumns(n int) Option {
	return func(cfg *seqConfig) {
		cfg.columns = n
	}
}

// WithSteps sets the initial grid length and the most steps it may grow to.
func WithSteps(steps, maxSteps int) Option {
	return func(cfg *seqConfig) {
		cfg.steps = steps
		cfg.maxSteps = maxSteps
	}
}

func WithSlots(n int) Option {
	return func(cfg *seqConfig) {
		cfg.slots = n
	}
}

func WithPitchStrategy(s pitch.Strategy) Option {
	return func(cfg *seqConfig) {
		cfg.strategy = s
	}
}

// WithMemoryBudget caps the bytes held by preloaded samples. Zero disables
// preloading; every trigger then takes the sync fallback.
func WithMemoryBudget(bytes int64) Option {
	return func(cfg *seqConfig) {
		cfg.budget = bytes
	}
}

// WithPreload sets how often the preloader looks ahead and how much of each
// sample it decodes.
func WithPreload(interval, target, minimum time.Duration) Option {
	return func(cfg *seqConfig) {
		cfg.preloadInterval = interval
		cfg.preloadTarget = target
		cfg.preloadMin = minimum
	}
}

// WithSmoothing sets the volume ramp time constants.
func WithSmoothing(rise, fall time.Duration) Option {
	return func(cfg *seqConfig) {
		cfg.rise = rise
		cfg.fall = fall
	}
}

func WithSyncFallback(f engine.SyncFallback) Option {
	return func(cfg *seqConfig) {
		cfg.fallback = f
	}
}

// WithLimiter sets the master limiter ceiling in dBFS.
func WithLimiter(thresholdDB float32) Option {
	return func(cfg *seqConfig) {
		cfg.limiterDB = thresholdDB
	}
}

// WithDecoder replaces the file decoder, e.g. with an in-memory one.
func WithDecoder(d decode.Decoder) Option {
	return func(cfg *seqConfig) {
		cfg.decoder = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cfg *seqConfig) {
		cfg.logger = l
	}
}

// WithSampleTap installs a callback invoked with each generated buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) Option {
	return func(cfg *seqConfig) {
		cfg.sampleTap = tap
	}
}

// OptionsFromConfig converts a loaded config file into options.
func OptionsFromConfig(c config.Config) ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	strategy, err := pitch.ParseStrategy(c.PitchStrategy)
	if err != nil {
		return nil, err
	}
	fallback, err := engine.ParseSyncFallback(c.SyncFallback)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithSampleRate(c.SampleRate),
		WithChannels(c.Channels),
		WithBufferFrames(c.BufferFrames),
		WithColumns(c.Columns),
		WithSteps(c.Steps, c.MaxSteps),
		WithSlots(c.MaxSlots),
		WithPitchStrategy(strategy),
		WithMemoryBudget(c.MemoryBudget()),
		WithPreload(c.PreloadInterval, c.PreloadTarget, c.PreloadMin),
		WithSmoothing(c.Rise(), c.Fall()),
		WithSyncFallback(fallback),
		WithLimiter(float32(c.LimiterDB)),
	}, nil
}
