package sampleseq

import (
	"encoding/binary"
	"math"
)

// RenderSamples plays from step 0 at the current tempo and returns seconds
// of interleaved output. Preloading and source release run between buffers
// on the calling goroutine, so the result is deterministic.
func (s *Sequencer) RenderSamples(seconds float64) ([]float32, error) {
	if err := s.Start(s.transport.Settings().BPM, s.transport.Settings().RegionStart); err != nil {
		return nil, err
	}
	defer s.Stop()
	ch := s.cfg.channels
	frames := int(float64(s.cfg.sampleRate) * seconds)
	out := make([]float32, frames*ch)
	chunk := max(s.cfg.bufferFrames, 1) * ch
	for off := 0; off < len(out); off += chunk {
		s.preloader.Tick()
		end := min(off+chunk, len(out))
		s.Process(out[off:end])
		s.engine.Reap()
	}
	return out, nil
}

// EncodeWAVFloat32LE wraps interleaved samples in a 32-bit float WAV file.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(v))
	}
	return out
}
