// Package decode turns sample files into interleaved float32 frames.
//
// Output always has the channel count the decoder was created with: mono
// sources are duplicated, wider sources are folded down. The source sample
// rate is kept; rate conversion belongs to the pitch stage.
package decode

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnsupported = errors.New("decode: unsupported file format")
	ErrEmpty       = errors.New("decode: no audio frames")
)

// Info describes a file without decoding its audio.
type Info struct {
	Frames     int `json:"frames"`
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"` // channels stored in the file
}

// Buffer holds decoded audio. Frames may be less than TotalFrames when the
// decode was limited to a head.
type Buffer struct {
	Samples     []float32
	Channels    int
	SampleRate  int
	Frames      int
	TotalFrames int
}

// Bytes is the memory held by Samples.
func (b *Buffer) Bytes() int64 {
	if b == nil {
		return 0
	}
	return int64(cap(b.Samples)) * 4
}

// Complete reports whether the buffer holds the whole file.
func (b *Buffer) Complete() bool { return b.Frames >= b.TotalFrames }

type Decoder interface {
	Probe(path string) (Info, error)
	// Decode reads at most maxFrames frames; maxFrames <= 0 reads everything.
	Decode(path string, maxFrames int) (*Buffer, error)
}

// FileDecoder decodes WAV, MP3 and Ogg Vorbis files from disk.
type FileDecoder struct {
	channels int
}

func New(channels int) *FileDecoder {
	if channels <= 0 {
		channels = 2
	}
	return &FileDecoder{channels: channels}
}

type format int

const (
	formatWAV format = iota
	formatMP3
	formatOGG
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return formatWAV, nil
	case ".mp3":
		return formatMP3, nil
	case ".ogg", ".oga":
		return formatOGG, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "%s", path)
}

func (d *FileDecoder) Probe(path string) (Info, error) {
	ft, err := formatOf(path)
	if err != nil {
		return Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, errors.Wrapf(err, "probe %s", path)
	}
	defer f.Close()
	var info Info
	switch ft {
	case formatWAV:
		info, err = probeWAV(f)
	case formatMP3:
		info, err = probeMP3(f)
	case formatOGG:
		info, err = probeOGG(f)
	}
	if err != nil {
		return Info{}, errors.Wrapf(err, "probe %s", path)
	}
	if info.Frames <= 0 {
		return Info{}, errors.Wrapf(ErrEmpty, "probe %s", path)
	}
	return info, nil
}

func (d *FileDecoder) Decode(path string, maxFrames int) (*Buffer, error) {
	ft, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	defer f.Close()
	var buf *Buffer
	switch ft {
	case formatWAV:
		buf, err = decodeWAV(f, maxFrames, d.channels)
	case formatMP3:
		buf, err = decodeMP3(f, maxFrames, d.channels)
	case formatOGG:
		buf, err = decodeOGG(f, maxFrames, d.channels)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if buf.Frames == 0 {
		return nil, errors.Wrapf(ErrEmpty, "decode %s", path)
	}
	return buf, nil
}

// frameLimit returns how many frames to decode out of total.
func frameLimit(total, maxFrames int) int {
	if maxFrames > 0 && (total <= 0 || maxFrames < total) {
		return maxFrames
	}
	return total
}

// mixFrame writes one source frame into dst (len == out channels).
func mixFrame(dst, src []float32) {
	switch {
	case len(src) == len(dst):
		copy(dst, src)
	case len(src) == 1:
		for i := range dst {
			dst[i] = src[0]
		}
	case len(dst) == 1:
		var sum float32
		for _, s := range src {
			sum += s
		}
		dst[0] = sum / float32(len(src))
	default:
		// Wider to narrower keeps the leading channels; narrower to wider
		// repeats the last one.
		for i := range dst {
			if i < len(src) {
				dst[i] = src[i]
			} else {
				dst[i] = src[len(src)-1]
			}
		}
	}
}
