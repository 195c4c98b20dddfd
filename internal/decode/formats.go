package decode

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/ebiten/v2/audio/vorbis"
	"github.com/hajimehoshi/go-mp3"
	"github.com/pkg/errors"
)

const (
	readBlockFrames = 4096
	wavFormatFloat  = 3
)

func openWAV(r io.ReadSeeker) (*wav.Decoder, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, errors.Wrap(ErrUnsupported, err.Error())
		}
		return nil, ErrUnsupported
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, errors.Wrap(err, "seek to pcm data")
	}
	if dec.NumChans == 0 || dec.BitDepth == 0 {
		return nil, ErrUnsupported
	}
	return dec, nil
}

func wavFrames(dec *wav.Decoder) int {
	return int(dec.PCMLen()) / (int(dec.NumChans) * int(dec.BitDepth) / 8)
}

func probeWAV(r io.ReadSeeker) (Info, error) {
	dec, err := openWAV(r)
	if err != nil {
		return Info{}, err
	}
	return Info{Frames: wavFrames(dec), SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

func decodeWAV(r io.ReadSeeker, maxFrames, channels int) (*Buffer, error) {
	dec, err := openWAV(r)
	if err != nil {
		return nil, err
	}
	srcCh := int(dec.NumChans)
	depth := int(dec.BitDepth)
	total := wavFrames(dec)
	want := frameLimit(total, maxFrames)

	toFloat := intScaler(depth, dec.WavAudioFormat == wavFormatFloat)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: srcCh, SampleRate: int(dec.SampleRate)},
		Data:           make([]int, readBlockFrames*srcCh),
		SourceBitDepth: depth,
	}
	out := make([]float32, want*channels)
	frame := make([]float32, srcCh)
	frames := 0
	for frames < want {
		n, err := dec.PCMBuffer(ib)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n == 0 {
			break
		}
		for i := 0; i+srcCh <= n && frames < want; i += srcCh {
			for c := 0; c < srcCh; c++ {
				frame[c] = toFloat(ib.Data[i+c])
			}
			mixFrame(out[frames*channels:(frames+1)*channels], frame)
			frames++
		}
	}
	return &Buffer{
		Samples:     out[:frames*channels],
		Channels:    channels,
		SampleRate:  int(dec.SampleRate),
		Frames:      frames,
		TotalFrames: total,
	}, nil
}

func intScaler(depth int, float bool) func(int) float32 {
	if float && depth == 32 {
		return func(v int) float32 { return math.Float32frombits(uint32(v)) }
	}
	if depth == 8 {
		// 8-bit PCM is unsigned.
		return func(v int) float32 { return float32(v-128) / 128 }
	}
	scale := 1 / float32(int64(1)<<(depth-1))
	return func(v int) float32 { return float32(v) * scale }
}

func probeMP3(r io.Reader) (Info, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Info{}, err
	}
	return Info{Frames: int(dec.Length() / 4), SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// decodeMP3 reads go-mp3's 16-bit little-endian stereo output.
func decodeMP3(r io.Reader, maxFrames, channels int) (*Buffer, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	total := int(dec.Length() / 4)
	want := frameLimit(total, maxFrames)
	out := make([]float32, 0, want*channels)
	raw := make([]byte, readBlockFrames*4)
	frame := make([]float32, 2)
	dst := make([]float32, channels)
	frames := 0
	for frames < want || want <= 0 {
		n, err := io.ReadFull(dec, raw)
		for i := 0; i+4 <= n && (frames < want || want <= 0); i += 4 {
			frame[0] = float32(int16(binary.LittleEndian.Uint16(raw[i:]))) / 32768
			frame[1] = float32(int16(binary.LittleEndian.Uint16(raw[i+2:]))) / 32768
			mixFrame(dst, frame)
			out = append(out, dst...)
			frames++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if total < frames {
		total = frames
	}
	return &Buffer{Samples: out, Channels: channels, SampleRate: dec.SampleRate(), Frames: frames, TotalFrames: total}, nil
}

func probeOGG(r io.Reader) (Info, error) {
	s, err := vorbis.DecodeF32(r)
	if err != nil {
		return Info{}, err
	}
	return Info{Frames: int(s.Length() / 8), SampleRate: s.SampleRate(), Channels: 2}, nil
}

// decodeOGG reads ebiten's 32-bit float little-endian stereo stream.
func decodeOGG(r io.Reader, maxFrames, channels int) (*Buffer, error) {
	s, err := vorbis.DecodeF32(r)
	if err != nil {
		return nil, err
	}
	total := int(s.Length() / 8)
	want := frameLimit(total, maxFrames)
	out := make([]float32, 0, want*channels)
	raw := make([]byte, readBlockFrames*8)
	frame := make([]float32, 2)
	dst := make([]float32, channels)
	frames := 0
	for frames < want {
		n, err := io.ReadFull(s, raw)
		for i := 0; i+8 <= n && frames < want; i += 8 {
			frame[0] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))
			frame[1] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i+4:]))
			mixFrame(dst, frame)
			out = append(out, dst...)
			frames++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return &Buffer{Samples: out, Channels: channels, SampleRate: s.SampleRate(), Frames: frames, TotalFrames: total}, nil
}
