// Package seqlock publishes a small fixed-size value from a single writer to
// any number of readers without blocking the writer.
//
// The writer bumps the version to an odd number, stores every word of the
// value and bumps the version back to even. A reader accepts a copy only when
// it observed the same even version before and after copying the words.
package seqlock

import (
	"runtime"
	"sync/atomic"
)

// Codec flattens values of type T into a fixed number of 64-bit words.
type Codec[T any] interface {
	Words() int
	Encode(v *T, dst []uint64)
	Decode(src []uint64, v *T)
}

type Seqlock[T any] struct {
	version atomic.Uint64
	words   []atomic.Uint64
	scratch []uint64 // writer-owned
	codec   Codec[T]
}

func New[T any](codec Codec[T]) *Seqlock[T] {
	n := codec.Words()
	return &Seqlock[T]{
		words:   make([]atomic.Uint64, n),
		scratch: make([]uint64, n),
		codec:   codec,
	}
}

// Publish stores v. Only one goroutine may call Publish. It never allocates
// and never waits on readers.
func (s *Seqlock[T]) Publish(v *T) {
	s.codec.Encode(v, s.scratch)
	s.version.Add(1)
	for i, w := range s.scratch {
		s.words[i].Store(w)
	}
	s.version.Add(1)
}

// Version returns the current version counter. Odd means a publish is in
// progress.
func (s *Seqlock[T]) Version() uint64 {
	return s.version.Load()
}

// NewReader returns a Reader with its own copy buffer. A Reader must not be
// shared between goroutines.
func (s *Seqlock[T]) NewReader() *Reader[T] {
	return &Reader[T]{lock: s, buf: make([]uint64, len(s.words))}
}

type Reader[T any] struct {
	lock *Seqlock[T]
	buf  []uint64
}

// TryRead makes a single attempt. It reports false when the writer was
// active before or during the copy; v is left untouched in that case.
func (r *Reader[T]) TryRead(v *T) (uint64, bool) {
	s := r.lock
	v1 := s.version.Load()
	if v1&1 != 0 {
		return v1, false
	}
	for i := range s.words {
		r.buf[i] = s.words[i].Load()
	}
	if s.version.Load() != v1 {
		return v1, false
	}
	s.codec.Decode(r.buf, v)
	return v1, true
}

// Read retries until it obtains a consistent copy and returns the version
// it was taken at.
func (r *Reader[T]) Read(v *T) uint64 {
	for spins := 0; ; spins++ {
		if ver, ok := r.TryRead(v); ok {
			return ver
		}
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}
