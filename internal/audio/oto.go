package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

var (
	otoOnce     sync.Once
	otoContext  *oto.Context
	otoErr      error
	otoRate     int
	otoChannels int
)

func sharedOtoContext(sampleRate, channels int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		otoRate, otoChannels = sampleRate, channels
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoContext = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate || otoChannels != channels {
		return nil, fmt.Errorf("oto context already initialized at %d Hz/%d ch (requested %d Hz/%d ch)", otoRate, otoChannels, sampleRate, channels)
	}
	return otoContext, nil
}

// OtoPlayer plays through an oto context. Unlike EbitenPlayer it supports
// any channel count.
type OtoPlayer struct {
	player *oto.Player
	reader *StreamReader
}

func NewOtoPlayer(sampleRate, channels int, bufferSize time.Duration, source SampleSource) (*OtoPlayer, error) {
	ctx, err := sharedOtoContext(sampleRate, channels, bufferSize)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source, channels)
	return &OtoPlayer{player: ctx.NewPlayer(reader), reader: reader}, nil
}

func (p *OtoPlayer) Play()           { p.player.Play() }
func (p *OtoPlayer) Pause()          { p.player.Pause() }
func (p *OtoPlayer) IsPlaying() bool { return p.player.IsPlaying() }

func (p *OtoPlayer) Close() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return err
	}
	return p.reader.Close()
}

// Backend names an output device implementation.
type Backend string

const (
	BackendEbiten Backend = "ebiten"
	BackendOto    Backend = "oto"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "", BackendEbiten:
		return BackendEbiten, nil
	case BackendOto:
		return BackendOto, nil
	}
	return "", fmt.Errorf("audio: unknown backend %q (expected ebiten|oto)", s)
}

// Open starts an output stream on backend. The device starts paused.
func Open(backend Backend, sampleRate, channels int, bufferSize time.Duration, source SampleSource) (Device, error) {
	switch backend {
	case BackendOto:
		return NewOtoPlayer(sampleRate, channels, bufferSize, source)
	case BackendEbiten, "":
		return NewEbitenPlayer(sampleRate, channels, bufferSize, source)
	}
	return nil, fmt.Errorf("audio: unknown backend %q", backend)
}
