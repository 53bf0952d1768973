// Package fbank computes log mel spectrograms from PCM audio.
//
// The front-end matches the one the fingerprint network is trained with:
// a centered STFT with a periodic Hann window and reflect padding, a power
// spectrum mapped through HTK-scale triangular mel filters, natural log,
// and a floor clamped to a fixed dynamic range below the peak.
//
// Default parameters:
//
//	SampleRate:   8000
//	FFTSize:      1024
//	HopSize:      256
//	NumMels:      256
//	LowFreq:      300
//	HighFreq:     4000
//	DynamicRange: 80 dB
//
// The output shape depends only on the input length, so every segment of a
// configured length yields the same Mels x Frames grid.
package fbank

import (
	"fmt"
	"math"

	"github.com/mimbres/pfann/pkg/config"
)

// Norm selects the per-spectrogram normalization.
type Norm int

const (
	// NormNone leaves log values as they are. Embeddings are L2
	// normalized later by the model, hence the config name "l2".
	NormNone Norm = iota
	// NormMax subtracts the peak so the maximum value is zero.
	NormMax
)

// Config controls spectrogram extraction.
type Config struct {
	SampleRate   int     // audio sample rate in Hz
	FFTSize      int     // STFT window and FFT length
	HopSize      int     // STFT hop in samples
	NumMels      int     // number of mel bands
	LowFreq      float64 // lowest filter edge in Hz
	HighFreq     float64 // highest filter edge in Hz
	DynamicRange float64 // dB kept below the peak
	Norm         Norm

	// SegmentLength is the expected input length in samples. When set,
	// Extract rejects inputs whose spectrogram shape differs from the shape
	// of a SegmentLength input.
	SegmentLength int
}

// DefaultConfig returns the default fingerprinting front-end.
func DefaultConfig() Config {
	return Config{
		SampleRate:    8000,
		FFTSize:       1024,
		HopSize:       256,
		NumMels:       256,
		LowFreq:       300,
		HighFreq:      4000,
		DynamicRange:  80,
		SegmentLength: 8000,
	}
}

// FromConfig derives the extraction config from the pipeline parameters.
func FromConfig(c *config.Config) Config {
	norm := NormNone
	if c.SpecNorm == "max" {
		norm = NormMax
	}
	return Config{
		SampleRate:    c.SampleRate,
		FFTSize:       c.StftN,
		HopSize:       c.StftHop,
		NumMels:       c.NMels,
		LowFreq:       c.FMin,
		HighFreq:      c.FMax,
		DynamicRange:  c.DynamicRange,
		Norm:          norm,
		SegmentLength: c.SegmentSamples(),
	}
}

// Spectrogram is a Mels x Frames grid of log power values stored row-major
// by mel band. It is not modified after extraction.
type Spectrogram struct {
	Mels   int
	Frames int
	Data   []float32
}

// At returns the value of mel band m at frame t.
func (s *Spectrogram) At(m, t int) float32 {
	return s.Data[m*s.Frames+t]
}

// Shape returns (Mels, Frames).
func (s *Spectrogram) Shape() (int, int) {
	return s.Mels, s.Frames
}

// Max returns the largest value.
func (s *Spectrogram) Max() float32 {
	m := float32(math.Inf(-1))
	for _, v := range s.Data {
		m = max(m, v)
	}
	return m
}

// ShapeMismatchError reports a spectrogram whose shape differs from the
// configured segment shape. Padding or cropping would silently corrupt
// features, so this is fatal for the batch.
type ShapeMismatchError struct {
	WantMels, WantFrames int
	GotMels, GotFrames   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("fbank: spectrogram shape %dx%d, want %dx%d",
		e.GotMels, e.GotFrames, e.WantMels, e.WantFrames)
}

// Extractor computes spectrograms. It is safe for concurrent use.
type Extractor struct {
	cfg    Config
	window []float64
	bank   []filter
	floor  float64
	ffts   *fftPool
}

// New creates an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 || cfg.FFTSize <= 0 || cfg.HopSize <= 0 || cfg.NumMels <= 0 {
		return nil, fmt.Errorf("fbank: invalid config %+v", cfg)
	}
	if cfg.LowFreq < 0 || cfg.HighFreq <= cfg.LowFreq || cfg.HighFreq > float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("fbank: invalid frequency range [%g, %g] at %d Hz", cfg.LowFreq, cfg.HighFreq, cfg.SampleRate)
	}
	if cfg.DynamicRange <= 0 {
		return nil, fmt.Errorf("fbank: dynamic range must be positive, got %g", cfg.DynamicRange)
	}
	return &Extractor{
		cfg:    cfg,
		window: periodicHann(cfg.FFTSize),
		bank:   melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
		floor:  cfg.DynamicRange * math.Ln10 / 10,
		ffts:   newFFTPool(cfg.FFTSize),
	}, nil
}

// Config returns the extraction parameters.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Shape returns the spectrogram shape for an input of n samples.
func (e *Extractor) Shape(n int) (mels, frames int) {
	return e.cfg.NumMels, 1 + n/e.cfg.HopSize
}

// ExpectedShape returns the shape of a configured segment.
func (e *Extractor) ExpectedShape() (mels, frames int) {
	return e.Shape(e.cfg.SegmentLength)
}

// Extract computes the log mel spectrogram of x. If a segment length is
// configured, an input producing a different shape returns a
// *ShapeMismatchError.
func (e *Extractor) Extract(x []float32) (*Spectrogram, error) {
	mels, frames := e.Shape(len(x))
	if e.cfg.SegmentLength > 0 {
		wm, wf := e.ExpectedShape()
		if mels != wm || frames != wf {
			return nil, &ShapeMismatchError{WantMels: wm, WantFrames: wf, GotMels: mels, GotFrames: frames}
		}
	}
	if len(x) == 0 {
		return nil, fmt.Errorf("fbank: empty input")
	}

	power := e.powerSpectrogram(x, frames)
	half := e.cfg.FFTSize/2 + 1

	spec := &Spectrogram{Mels: mels, Frames: frames, Data: make([]float32, mels*frames)}
	peak := math.Inf(-1)
	logs := make([]float64, mels*frames)
	for m, f := range e.bank {
		for t := range frames {
			p := power[t*half:]
			var sum float64
			for k, w := range f.weights {
				sum += w * p[f.start+k]
			}
			v := math.Log(max(sum, 1e-8))
			logs[m*frames+t] = v
			peak = max(peak, v)
		}
	}

	floor := peak - e.floor
	for i, v := range logs {
		v = max(v, floor)
		if e.cfg.Norm == NormMax {
			v -= peak
		}
		spec.Data[i] = float32(v)
	}
	return spec, nil
}
