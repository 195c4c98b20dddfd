package engine

import (
	"sync/atomic"

	"github.com/cbegin/sampleseq-go/internal/pitch"
)

// retireRing carries sources the audio goroutine is done with to a
// goroutine that may close them. One producer, one consumer.
type retireRing struct {
	buf  []pitch.Source
	head atomic.Uint64 // written by the producer
	tail atomic.Uint64 // written by the consumer
}

func newRetireRing(size int) *retireRing {
	return &retireRing{buf: make([]pitch.Source, size)}
}

// push reports false when the ring is full.
func (r *retireRing) push(s pitch.Source) bool {
	h := r.head.Load()
	if h-r.tail.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[h%uint64(len(r.buf))] = s
	r.head.Store(h + 1)
	return true
}

func (r *retireRing) drain(fn func(pitch.Source)) int {
	t := r.tail.Load()
	h := r.head.Load()
	n := 0
	for ; t < h; t++ {
		i := t % uint64(len(r.buf))
		s := r.buf[i]
		r.buf[i] = nil
		fn(s)
		n++
	}
	r.tail.Store(t)
	return n
}
