package decode

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Memory serves pre-rendered buffers by path. It is used for generated
// sounds and by tests that must not touch the filesystem.
type Memory struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
	decodes atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{buffers: make(map[string]*Buffer)}
}

// Put registers interleaved samples under path.
func (m *Memory) Put(path string, samples []float32, channels, sampleRate int) {
	frames := len(samples) / channels
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[path] = &Buffer{
		Samples:     samples,
		Channels:    channels,
		SampleRate:  sampleRate,
		Frames:      frames,
		TotalFrames: frames,
	}
}

// Delete removes path so later decodes fail.
func (m *Memory) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, path)
}

// Decodes counts successful Decode calls.
func (m *Memory) Decodes() int64 { return m.decodes.Load() }

func (m *Memory) lookup(path string) (*Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buffers[path]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "no buffer for %s", path)
	}
	return b, nil
}

func (m *Memory) Probe(path string) (Info, error) {
	b, err := m.lookup(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Frames: b.Frames, SampleRate: b.SampleRate, Channels: b.Channels}, nil
}

// Decode returns a private copy, limited to maxFrames when positive.
func (m *Memory) Decode(path string, maxFrames int) (*Buffer, error) {
	b, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	n := frameLimit(b.Frames, maxFrames)
	if n > b.Frames {
		n = b.Frames
	}
	m.decodes.Add(1)
	return &Buffer{
		Samples:     append([]float32(nil), b.Samples[:n*b.Channels]...),
		Channels:    b.Channels,
		SampleRate:  b.SampleRate,
		Frames:      n,
		TotalFrames: b.Frames,
	}, nil
}
