package engine

import (
	"github.com/cbegin/sampleseq-go/internal/seqlock"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

// State is the transport view published to the UI after every step and
// every settings change.
type State struct {
	Playing     bool
	Step        int
	BPM         int
	RegionStart int
	RegionEnd   int
	SongMode    bool
	Section     int
	SectionLoop int
	LoopCounts  [transport.MaxSections]int
}

const (
	flagPlaying = 1 << iota
	flagSong
)

const stateHeaderWords = 7

type stateCodec struct{}

func (stateCodec) Words() int { return stateHeaderWords + transport.MaxSections }

func (stateCodec) Encode(v *State, dst []uint64) {
	var flags uint64
	if v.Playing {
		flags |= flagPlaying
	}
	if v.SongMode {
		flags |= flagSong
	}
	dst[0] = flags
	dst[1] = uint64(int64(v.Step))
	dst[2] = uint64(int64(v.BPM))
	dst[3] = uint64(int64(v.RegionStart))
	dst[4] = uint64(int64(v.RegionEnd))
	dst[5] = uint64(int64(v.Section))
	dst[6] = uint64(int64(v.SectionLoop))
	for i, n := range v.LoopCounts {
		dst[stateHeaderWords+i] = uint64(int64(n))
	}
}

func (stateCodec) Decode(src []uint64, v *State) {
	v.Playing = src[0]&flagPlaying != 0
	v.SongMode = src[0]&flagSong != 0
	v.Step = int(int64(src[1]))
	v.BPM = int(int64(src[2]))
	v.RegionStart = int(int64(src[3]))
	v.RegionEnd = int(int64(src[4]))
	v.Section = int(int64(src[5]))
	v.SectionLoop = int(int64(src[6]))
	for i := range v.LoopCounts {
		v.LoopCounts[i] = int(int64(src[stateHeaderWords+i]))
	}
}

// StateReader reads published state. Each goroutine needs its own.
type StateReader struct {
	r *seqlock.Reader[State]
}

// Read returns a consistent copy of the latest published state and its
// version.
func (r *StateReader) Read() (State, uint64) {
	var s State
	ver := r.r.Read(&s)
	return s, ver
}

// cursorSource exposes the published position to the preloader.
type cursorSource struct {
	r *seqlock.Reader[State]
}

func (c *cursorSource) Cursor() (transport.Cursor, bool) {
	var s State
	c.r.Read(&s)
	return transport.Cursor{Step: s.Step, Section: s.Section, SectionLoop: s.SectionLoop}, s.Playing
}
