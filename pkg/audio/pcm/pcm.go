// Package pcm provides the in-memory representation of decoded audio and
// conversions between 16-bit integer PCM and normalized float samples.
//
// Key types:
//   - Clip: mono float32 samples in [-1, 1] at a known sample rate
//
// Example usage:
//
//	clip := &pcm.Clip{Source: "song.wav", SampleRate: 8000, Samples: pcm.FromInt16(raw)}
//	fmt.Println(clip.Duration())
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// Clip is a decoded mono recording. Samples are shared by every segment cut
// from the clip and must not be modified after construction.
type Clip struct {
	// Source identifies where the audio came from, usually a file path.
	Source string

	// Hash is the content hash of the source bytes, empty when unknown.
	Hash string

	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Samples holds mono samples normalized to [-1, 1].
	Samples []float32
}

// Len returns the number of samples.
func (c *Clip) Len() int {
	return len(c.Samples)
}

// Duration returns the clip length.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Seconds returns the clip length in seconds.
func (c *Clip) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// FromInt16 converts 16-bit samples to floats in [-1, 1).
func FromInt16(s []int16) []float32 {
	out := make([]float32, len(s))
	for i, v := range s {
		out[i] = float32(v) / 32768
	}
	return out
}

// ToInt16 converts float samples to 16-bit, clipping out-of-range values.
func ToInt16(s []float32) []int16 {
	out := make([]int16, len(s))
	for i, v := range s {
		switch {
		case v >= 1:
			out[i] = 32767
		case v <= -1:
			out[i] = -32768
		default:
			out[i] = int16(v * 32768)
		}
	}
	return out
}

// Normalize returns a copy of s scaled to unit L2 norm. A silent input
// yields a silent copy.
func Normalize(s []float32) []float32 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(s))
	norm := math.Max(math.Sqrt(sum), 1e-12)
	for i, v := range s {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// DecodeS16LE converts interleaved little-endian 16-bit PCM with the given
// channel count to mono floats, averaging channels.
func DecodeS16LE(b []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(b) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(b[off:])))
		}
		out[i] = sum / float32(channels) / 32768
	}
	return out
}

// Downmix averages interleaved float samples to mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
