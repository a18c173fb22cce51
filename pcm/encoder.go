package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder turns a continuous stream of float samples in [-1, 1] into
// fixed-size blocks of signed 16-bit little-endian PCM, the format the
// session protocol carries as base64 payloads. Samples outside the range
// are clamped, never wrapped.
type Encoder struct {
	frameSize  int // samples per emitted frame
	sampleRate int // rate the protocol requires
	pending    []int16
}

func NewEncoder(frameSize, sampleRate int) (*Encoder, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &Encoder{frameSize: frameSize, sampleRate: sampleRate}, nil
}

// SampleRate is the rate this encoder expects its input to already be at.
func (e *Encoder) SampleRate() int {
	return e.sampleRate
}

// VerifyRate reports whether the capture device's effective rate matches
// the protocol rate. Resampling is upstream's job; the encoder only checks.
func (e *Encoder) VerifyRate(effective int) error {
	if effective != e.sampleRate {
		return fmt.Errorf(
			"capture rate %d Hz does not match required rate %d Hz",
			effective,
			e.sampleRate,
		)
	}
	return nil
}

// Write buffers samples and returns zero or more completed frames. Each
// frame is frameSize samples encoded as little-endian int16 bytes. Partial
// tails stay buffered for the next call.
func (e *Encoder) Write(samples []float32) [][]byte {
	for _, s := range samples {
		e.pending = append(e.pending, Quantize(s))
	}

	var frames [][]byte
	for len(e.pending) >= e.frameSize {
		frame := make([]byte, e.frameSize*2)
		for i, s := range e.pending[:e.frameSize] {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
		}
		frames = append(frames, frame)
		e.pending = e.pending[e.frameSize:]
	}
	return frames
}

// Flush pads the buffered tail with silence to a full frame and returns it,
// or nil if nothing is pending.
func (e *Encoder) Flush() []byte {
	if len(e.pending) == 0 {
		return nil
	}
	frame := make([]byte, e.frameSize*2)
	for i, s := range e.pending {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
	}
	e.pending = e.pending[:0]
	return frame
}

// Quantize converts one float sample to int16, clamping out-of-range input.
func Quantize(s float32) int16 {
	scaled := float64(s) * 32767
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}
