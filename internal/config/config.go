// Package config loads engine settings and pattern files from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/sampleseq-go/internal/audio"
	"github.com/cbegin/sampleseq-go/internal/engine"
	"github.com/cbegin/sampleseq-go/internal/pitch"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	BufferFrames    int           `yaml:"buffer_frames"`
	Columns         int           `yaml:"columns"`
	Steps           int           `yaml:"steps"`
	MaxSteps        int           `yaml:"max_steps"`
	MaxSlots        int           `yaml:"max_slots"`
	PreloadInterval time.Duration `yaml:"preload_interval"`
	PreloadTarget   time.Duration `yaml:"preload_target"`
	PreloadMin      time.Duration `yaml:"preload_min"`
	MemoryBudgetMB  int           `yaml:"memory_budget_mb"`
	PitchStrategy   string        `yaml:"pitch_strategy"`
	RiseMs          float64       `yaml:"rise_ms"`
	FallMs          float64       `yaml:"fall_ms"`
	SyncFallback    string        `yaml:"sync_fallback"`
	LimiterDB       float64       `yaml:"limiter_db"`
	Backend         string        `yaml:"backend"`
	LogLevel        string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		SampleRate:      48000,
		Channels:        2,
		BufferFrames:    512,
		Columns:         16,
		Steps:           256,
		MaxSteps:        1024,
		MaxSlots:        64,
		PreloadInterval: 2 * time.Millisecond,
		PreloadTarget:   1500 * time.Millisecond,
		PreloadMin:      250 * time.Millisecond,
		MemoryBudgetMB:  100,
		PitchStrategy:   pitch.StrategyResample.String(),
		RiseMs:          6,
		FallMs:          12,
		SyncFallback:    engine.FallbackDecode.String(),
		LimiterDB:       -1,
		Backend:         string(audio.BackendEbiten),
		LogLevel:        "info",
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads a config file. A leading ~ in path is expanded.
func Load(path string) (Config, error) {
	p, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", p)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return errors.Wrapf(ErrInvalid, format, args...)
	}
	for _, err := range []error{
		check(c.SampleRate >= 8000 && c.SampleRate <= 192000, "sample_rate %d", c.SampleRate),
		check(c.Channels == 1 || c.Channels == 2, "channels %d", c.Channels),
		check(c.BufferFrames > 0, "buffer_frames %d", c.BufferFrames),
		check(c.Columns > 0, "columns %d", c.Columns),
		check(c.Steps > 0, "steps %d", c.Steps),
		check(c.MaxSteps >= c.Steps, "max_steps %d below steps %d", c.MaxSteps, c.Steps),
		check(c.MaxSlots > 0, "max_slots %d", c.MaxSlots),
		check(c.PreloadInterval > 0, "preload_interval %s", c.PreloadInterval),
		check(c.PreloadTarget > 0 && c.PreloadMin > 0, "preload_target %s preload_min %s", c.PreloadTarget, c.PreloadMin),
		check(c.MemoryBudgetMB >= 0, "memory_budget_mb %d", c.MemoryBudgetMB),
		check(c.RiseMs > 0 && c.FallMs > 0, "rise_ms %g fall_ms %g", c.RiseMs, c.FallMs),
		check(c.LimiterDB <= 0, "limiter_db %g", c.LimiterDB),
	} {
		if err != nil {
			return err
		}
	}
	if _, err := pitch.ParseStrategy(c.PitchStrategy); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if _, err := engine.ParseSyncFallback(c.SyncFallback); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if _, err := audio.ParseBackend(c.Backend); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if _, err := ResolveLogLevel(c.LogLevel); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

// MemoryBudget returns the preload ceiling in bytes.
func (c Config) MemoryBudget() int64 { return int64(c.MemoryBudgetMB) << 20 }

func (c Config) Rise() time.Duration { return time.Duration(c.RiseMs * float64(time.Millisecond)) }
func (c Config) Fall() time.Duration { return time.Duration(c.FallMs * float64(time.Millisecond)) }

// BufferDuration is the device buffer length.
func (c Config) BufferDuration() time.Duration {
	return time.Duration(c.BufferFrames) * time.Second / time.Duration(c.SampleRate)
}

func ResolveLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger returns a text logger writing to w at level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	logLevel, err := ResolveLogLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Wrapf(err, "config: expand %s", path)
	}
	return p, nil
}
