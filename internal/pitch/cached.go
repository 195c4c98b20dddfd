package pitch

import (
	"fmt"
	"math"
	"sync"

	"github.com/dh1tw/gosamplerate"

	"github.com/cbegin/sampleseq-go/internal/decode"
)

const defaultCacheEntries = 64

type cacheKey struct {
	sample SampleKey
	ratio  int64 // pitch ratio in 1e-4 units
}

// cachedFactory keeps pitched renderings keyed by sample and ratio. Entries
// are evicted oldest first.
type cachedFactory struct {
	channels   int
	sampleRate int
	max        int

	mu      sync.Mutex
	entries map[cacheKey]*decode.Buffer
	order   []cacheKey
}

func newCachedFactory(channels, sampleRate, max int) *cachedFactory {
	return &cachedFactory{
		channels:   channels,
		sampleRate: sampleRate,
		max:        max,
		entries:    make(map[cacheKey]*decode.Buffer),
	}
}

func (f *cachedFactory) Strategy() Strategy { return StrategyCached }

func (f *cachedFactory) Create(buf *decode.Buffer, key SampleKey, ratio float64) (Source, error) {
	if err := checkBuffer(buf, f.channels); err != nil {
		return nil, err
	}
	ratio = Clamp(ratio)
	rendered, err := f.render(buf, key, ratio)
	if err != nil {
		return nil, err
	}
	return &ramSource{buf: rendered, pitch: ratio}, nil
}

// Len returns the number of cached renderings.
func (f *cachedFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *cachedFactory) render(buf *decode.Buffer, key SampleKey, ratio float64) (*decode.Buffer, error) {
	step := rateRatio(ratio, buf.SampleRate, f.sampleRate)
	if step == 1 {
		return buf, nil
	}
	ck := cacheKey{sample: key, ratio: int64(math.Round(ratio * 1e4))}
	if key.ID != "" {
		f.mu.Lock()
		hit, ok := f.entries[ck]
		f.mu.Unlock()
		if ok {
			return hit, nil
		}
	}
	out, err := gosamplerate.Simple(buf.Samples, 1/step, buf.Channels, gosamplerate.SRC_SINC_BEST_QUALITY)
	if err != nil {
		return nil, fmt.Errorf("pitch: render %q at %.4f: %w", key.ID, ratio, err)
	}
	rendered := &decode.Buffer{
		Samples:     out,
		Channels:    buf.Channels,
		SampleRate:  f.sampleRate,
		Frames:      len(out) / buf.Channels,
		TotalFrames: len(out) / buf.Channels,
	}
	if key.ID != "" {
		f.store(ck, rendered)
	}
	return rendered, nil
}

func (f *cachedFactory) store(k cacheKey, b *decode.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[k]; ok {
		return
	}
	f.entries[k] = b
	f.order = append(f.order, k)
	for len(f.order) > f.max {
		delete(f.entries, f.order[0])
		f.order = f.order[1:]
	}
}
