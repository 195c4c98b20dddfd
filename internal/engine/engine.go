// Package engine mixes the sample columns of the grid into the output
// buffer.
//
// Every column owns two playback nodes. A trigger either loads the other
// node and crossfades to it or restarts the active node in place. Process
// runs on the audio goroutine: it takes no locks and talks to the control
// side only through atomics.
package engine

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/viterin/vek/vek32"

	"github.com/cbegin/sampleseq-go/internal/bank"
	"github.com/cbegin/sampleseq-go/internal/decode"
	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/pitch"
	"github.com/cbegin/sampleseq-go/internal/preload"
	"github.com/cbegin/sampleseq-go/internal/seqlock"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

const (
	DefaultRise      = 6 * time.Millisecond
	DefaultFall      = 12 * time.Millisecond
	DefaultMaxFrames = 4096

	// silence is the level below which a fading node is detached.
	silence = 1e-4

	// tailFalls is how many fall time constants before the end of a
	// head-limited buffer its node starts fading. e^-8 of full scale is
	// under silence.
	tailFalls = 8
)

// SyncFallback decides what a trigger does when nothing was preloaded.
type SyncFallback int

const (
	// FallbackDecode decodes on the audio goroutine.
	FallbackDecode SyncFallback = iota
	// FallbackDrop skips the trigger and leaves the column silent.
	FallbackDrop
)

func (f SyncFallback) String() string {
	if f == FallbackDrop {
		return "drop"
	}
	return "decode"
}

func ParseSyncFallback(s string) (SyncFallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "decode":
		return FallbackDecode, nil
	case "drop":
		return FallbackDrop, nil
	}
	return 0, fmt.Errorf("engine: unknown sync fallback %q (expected decode|drop)", s)
}

// Provider hands over preloaded items.
type Provider interface {
	Take(col, step int, key preload.Key) *preload.Item
	HeadFrames(t preload.Trigger) int
}

type Options struct {
	SampleRate   int
	Channels     int
	Columns      int
	Rise         time.Duration
	Fall         time.Duration
	SyncFallback SyncFallback
	// MaxFrames bounds the frames rendered per pass; larger buffers are
	// processed in pieces.
	MaxFrames int
	Logger    *slog.Logger
}

type Stats struct {
	Steps           atomic.Int64
	Triggers        atomic.Int64
	Restarts        atomic.Int64
	PreloadHits     atomic.Int64
	PreloadMisses   atomic.Int64
	Dropped         atomic.Int64
	DecodeFailures  atomic.Int64
	RebuildFailures atomic.Int64
	Detached        atomic.Int64
	Retired         atomic.Int64
}

type node struct {
	src      pitch.Source
	key      preload.Key
	volume   float32
	target   float32
	attached bool
	head     bool // buffer holds only the head of the sample
}

type column struct {
	nodes  [2]node
	active int // -1 when the column has never been triggered
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
)

type command struct {
	kind cmdKind
	step int
}

type Engine struct {
	opts      Options
	grid      *grid.Grid
	bank      *bank.Bank
	transport *transport.Transport
	decoder   decode.Decoder
	factory   pitch.Factory
	provider  Provider
	log       *slog.Logger

	mailbox atomic.Pointer[command]
	state   *seqlock.Seqlock[State]
	retired *retireRing

	// Everything below is owned by the audio goroutine.
	cols      []column
	cursor    transport.Cursor
	playing   bool
	untilStep float64
	rise      float32
	fall      float32
	tail      int // frames of fade before a head runs out
	tmp       []float32
	gain      []float32
	published State
	settings  *transport.Settings
	posSec    int
	posLoop   int

	Stats Stats
}

func New(g *grid.Grid, b *bank.Bank, t *transport.Transport, dec decode.Decoder, factory pitch.Factory, provider Provider, opts Options) *Engine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.Columns <= 0 {
		opts.Columns = g.Columns()
	}
	if opts.Rise <= 0 {
		opts.Rise = DefaultRise
	}
	if opts.Fall <= 0 {
		opts.Fall = DefaultFall
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		opts:      opts,
		grid:      g,
		bank:      b,
		transport: t,
		decoder:   dec,
		factory:   factory,
		provider:  provider,
		log:       log,
		state:     seqlock.New[State](stateCodec{}),
		retired:   newRetireRing(8 * opts.Columns),
		cols:      make([]column, opts.Columns),
		rise:      smoothing(opts.Rise, opts.SampleRate),
		fall:      smoothing(opts.Fall, opts.SampleRate),
		tail:      int(tailFalls * opts.Fall.Seconds() * float64(opts.SampleRate)),
		tmp:       make([]float32, opts.MaxFrames*opts.Channels),
		gain:      make([]float32, opts.MaxFrames*opts.Channels),
	}
	for i := range e.cols {
		e.cols[i].active = -1
	}
	e.publish()
	return e
}

// smoothing returns the per-frame coefficient of a one-pole ramp with time
// constant tau.
func smoothing(tau time.Duration, sampleRate int) float32 {
	return float32(1 - math.Exp(-1/(tau.Seconds()*float64(sampleRate))))
}

func (e *Engine) SampleRate() int { return e.opts.SampleRate }
func (e *Engine) Channels() int   { return e.opts.Channels }

// Start begins playback at step on the next Process call.
func (e *Engine) Start(step int) {
	e.mailbox.Store(&command{kind: cmdStart, step: step})
}

// Stop fades every column out on the next Process call.
func (e *Engine) Stop() {
	e.mailbox.Store(&command{kind: cmdStop})
}

// NewStateReader returns a reader of the published state for one goroutine.
func (e *Engine) NewStateReader() *StateReader {
	return &StateReader{r: e.state.NewReader()}
}

// CursorSource returns a position source for one preloader goroutine.
func (e *Engine) CursorSource() preload.CursorSource {
	return &cursorSource{r: e.state.NewReader()}
}

// Reap closes sources the audio goroutine has let go of. Call it from a
// single non-audio goroutine.
func (e *Engine) Reap() int {
	return e.retired.drain(func(s pitch.Source) {
		s.Close()
		e.Stats.Retired.Add(1)
	})
}

// Release closes every node and retired source. Process must not be running.
func (e *Engine) Release() {
	for i := range e.cols {
		for j := range e.cols[i].nodes {
			nd := &e.cols[i].nodes[j]
			if nd.src != nil {
				nd.src.Close()
			}
			*nd = node{}
		}
		e.cols[i].active = -1
	}
	e.Reap()
}

// Process renders len(dst)/channels frames into dst.
func (e *Engine) Process(dst []float32) {
	if cmd := e.mailbox.Swap(nil); cmd != nil {
		e.handle(cmd)
	}
	e.publishIfChanged()
	ch := e.opts.Channels
	frames := len(dst) / ch
	vek32.Zeros_Into(dst, len(dst))
	pos := 0
	for pos < frames {
		if e.playing && e.untilStep <= 0 {
			e.advance()
		}
		n := min(frames-pos, e.opts.MaxFrames)
		if e.playing {
			n = min(n, max(int(math.Ceil(e.untilStep)), 1))
		}
		e.render(dst[pos*ch:(pos+n)*ch], n)
		if e.playing {
			e.untilStep -= float64(n)
		}
		pos += n
	}
}

func (e *Engine) handle(cmd *command) {
	switch cmd.kind {
	case cmdStart:
		s := e.transport.Settings()
		e.cursor = transport.Begin(cmd.step, s, e.grid.Table())
		e.playing = true
		e.untilStep = 0
		e.enter()
	case cmdStop:
		e.fadeAll()
		e.playing = false
		e.publish()
	}
}

func (e *Engine) advance() {
	next := transport.Next(e.cursor, e.transport.Settings(), e.grid.Table())
	if next.Done {
		e.fadeAll()
		e.playing = false
		e.publish()
		return
	}
	e.cursor = next
	e.enter()
}

// enter triggers the cursor's step and schedules the next one.
func (e *Engine) enter() {
	s := e.transport.Settings()
	t := e.grid.Table()
	cols := min(len(e.cols), t.Columns)
	for col := 0; col < cols; col++ {
		e.trigger(col, e.cursor.Step, t.Cell(e.cursor.Step, col))
	}
	e.Stats.Steps.Add(1)
	e.transport.SetPosition(e.cursor.Section, e.cursor.SectionLoop)
	e.untilStep += transport.FramesPerStep(e.opts.SampleRate, s.BPM)
	e.publish()
}

func (e *Engine) trigger(col, step int, cell grid.Cell) {
	trig, ok := preload.Resolve(cell, e.bank)
	if !ok {
		return
	}
	e.Stats.Triggers.Add(1)
	c := &e.cols[col]
	key := trig.Key()
	if it := e.take(col, step, key); it != nil {
		e.Stats.PreloadHits.Add(1)
		e.attach(c, it.Source, key, trig.Volume, !it.Buffer.Complete())
		return
	}
	rebuild := false
	if c.active >= 0 {
		a := &c.nodes[c.active]
		if a.attached && a.key.Slot == key.Slot && a.key.ID == key.ID {
			if a.src.SetPitch(float64(trig.Pitch)) {
				a.src.SeekToStart()
				a.key = key
				a.target = trig.Volume
				e.Stats.Restarts.Add(1)
				return
			}
			rebuild = true
		}
	}
	src, head, ok := e.fallback(col, step, trig)
	if !ok {
		if rebuild {
			// Keep the old node sounding at its previous pitch.
			e.Stats.RebuildFailures.Add(1)
			a := &c.nodes[c.active]
			a.src.SeekToStart()
			a.target = trig.Volume
			return
		}
		if c.active >= 0 {
			c.nodes[c.active].target = 0
		}
		return
	}
	e.attach(c, src, key, trig.Volume, head)
}

// attach loads src into the inactive node and crossfades to it.
func (e *Engine) attach(c *column, src pitch.Source, key preload.Key, volume float32, head bool) {
	next := 0
	if c.active == 0 {
		next = 1
	}
	if c.active >= 0 {
		c.nodes[c.active].target = 0
	}
	nd := &c.nodes[next]
	if nd.src != nil {
		e.retire(nd.src)
	}
	*nd = node{src: src, key: key, target: volume, attached: true, head: head}
	c.active = next
}

func (e *Engine) take(col, step int, key preload.Key) *preload.Item {
	if e.provider == nil {
		return nil
	}
	return e.provider.Take(col, step, key)
}

// fallback builds a source on the audio goroutine according to the sync
// fallback policy. head reports whether only part of the sample was decoded.
func (e *Engine) fallback(col, step int, trig preload.Trigger) (src pitch.Source, head, ok bool) {
	e.Stats.PreloadMisses.Add(1)
	if e.opts.SyncFallback == FallbackDrop {
		e.Stats.Dropped.Add(1)
		return nil, false, false
	}
	frames := e.headFrames(trig)
	buf, err := e.decoder.Decode(trig.Path, frames)
	if err != nil {
		e.Stats.DecodeFailures.Add(1)
		e.log.Warn("decode failed", "column", col, "step", step, "path", trig.Path, "err", err)
		return nil, false, false
	}
	src, err = e.factory.Create(buf, trig.SampleKey(buf.Frames), float64(trig.Pitch))
	if err != nil {
		e.Stats.DecodeFailures.Add(1)
		e.log.Warn("source failed", "column", col, "step", step, "path", trig.Path, "err", err)
		return nil, false, false
	}
	e.log.Debug("preload miss", "column", col, "step", step, "slot", trig.Slot)
	return src, !buf.Complete(), true
}

func (e *Engine) headFrames(trig preload.Trigger) int {
	if e.provider != nil {
		return e.provider.HeadFrames(trig)
	}
	return preload.HeadFrames(trig, preload.DefaultTarget, preload.DefaultMinimum)
}

func (e *Engine) retire(src pitch.Source) {
	if !e.retired.push(src) {
		src.Close()
		e.Stats.Retired.Add(1)
	}
}

func (e *Engine) fadeAll() {
	for i := range e.cols {
		for j := range e.cols[i].nodes {
			e.cols[i].nodes[j].target = 0
		}
	}
}

func (e *Engine) render(mix []float32, frames int) {
	for i := range e.cols {
		c := &e.cols[i]
		for j := range c.nodes {
			if c.nodes[j].attached {
				e.renderNode(&c.nodes[j], mix, frames)
			}
		}
	}
}

func (e *Engine) renderNode(nd *node, mix []float32, frames int) {
	ch := e.opts.Channels
	n := frames * ch
	tmp := e.tmp[:n]
	gain := e.gain[:n]
	if nd.head && nd.target > 0 && nd.src.Remaining() <= e.tail+frames {
		nd.target = 0
	}
	got := nd.src.Read(tmp)
	if got < frames {
		vek32.Zeros_Into(tmp[got*ch:], n-got*ch)
	}
	v, target := nd.volume, nd.target
	coef := e.fall
	if target > v {
		coef = e.rise
	}
	for f := 0; f < frames; f++ {
		v += (target - v) * coef
		for c := 0; c < ch; c++ {
			gain[f*ch+c] = v
		}
	}
	nd.volume = v
	vek32.Mul_Inplace(tmp, gain)
	vek32.Add_Inplace(mix, tmp)
	if got < frames || (v < silence && target < silence) {
		nd.attached = false
		nd.volume = 0
		e.retire(nd.src)
		nd.src = nil
		e.Stats.Detached.Add(1)
	}
}

func (e *Engine) publishIfChanged() {
	if e.transport.Settings() != e.settings {
		e.publish()
		return
	}
	if !e.playing {
		if sec, loop := e.transport.Position(); sec != e.posSec || loop != e.posLoop {
			e.publish()
		}
	}
}

func (e *Engine) publish() {
	s := e.transport.Settings()
	e.settings = s
	st := &e.published
	st.Playing = e.playing
	st.Step = e.cursor.Step
	st.BPM = s.BPM
	st.RegionStart, st.RegionEnd = s.RegionStart, s.RegionEnd
	st.SongMode = s.Mode == transport.ModeSong
	if e.playing {
		st.Section, st.SectionLoop = e.cursor.Section, e.cursor.SectionLoop
	} else {
		st.Section, st.SectionLoop = e.transport.Position()
	}
	e.posSec, e.posLoop = st.Section, st.SectionLoop
	for i := range st.LoopCounts {
		st.LoopCounts[i] = s.LoopCount(i)
	}
	e.state.Publish(st)
}
