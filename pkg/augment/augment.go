// Package augment simulates the degradations a query recording goes
// through: background noise at a random SNR, room reverberation, device
// (microphone) coloration, and short dropouts.
//
// Every random choice for one example is drawn up front into a Recipe from
// an injected *rand.Rand, and applying a recipe is a pure function of the
// input. The same seed and the same source pools therefore reproduce the
// same output bit for bit.
//
// Steps are applied in this order to a view that carries PadStart samples of
// left context:
//
//	noise -> room IR -> mic IR -> crop context -> cutout
//
// Reverb spreads the context into the segment, which is why the context is
// kept until after convolution.
package augment

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/mimbres/pfann/pkg/config"
)

// Config holds augmentation parameters in samples.
type Config struct {
	SegmentLength int
	PadStart      int

	// Noise mixing. Disabled unless NoiseEnabled.
	NoiseEnabled   bool
	SNRMin, SNRMax float64

	// Impulse responses are truncated to these lengths.
	MicEnabled  bool
	MicIRLength int
	AirEnabled  bool
	AirLength   int

	// FFTConvN is the FFT size for IR convolution. It must hold the full
	// linear convolution of a view with both impulse responses.
	FFTConvN int

	// Cutouts zero CutoutCount intervals whose lengths are drawn from
	// [CutoutMin, CutoutMax]. Disabled when CutoutMax is zero.
	CutoutMin, CutoutMax int
	CutoutCount          int
}

// FromConfig derives the augmentation parameters. validation selects the
// validation manifests instead of the training ones when deciding which
// steps are enabled.
func FromConfig(c *config.Config, validation bool) Config {
	src := c.SourceManifests(validation)
	enabled := func(name string) bool {
		_, ok := src[name]
		return ok
	}
	return Config{
		SegmentLength: c.SegmentSamples(),
		PadStart:      c.PadStartSamples(),
		NoiseEnabled:  enabled("noise"),
		SNRMin:        c.Noise.SNRMin,
		SNRMax:        c.Noise.SNRMax,
		MicEnabled:    enabled("micirp"),
		MicIRLength:   c.MicIRSamples(),
		AirEnabled:    enabled("air"),
		AirLength:     c.AirSamples(),
		FFTConvN:      c.ConvN(),
		CutoutMin:     int(math.Round(c.CutoutMin * float64(c.SampleRate))),
		CutoutMax:     int(math.Round(c.CutoutMax * float64(c.SampleRate))),
		CutoutCount:   c.CutoutCount,
	}
}

// Sources are the decoded augmentation pools, resampled to the pipeline
// rate.
type Sources struct {
	Noise [][]float32
	MicIR [][]float32
	AirIR [][]float32
}

// Interval is a range of samples within a segment.
type Interval struct {
	Start, Length int
}

// Recipe records every random choice for one augmented example. A negative
// index means the step is skipped.
type Recipe struct {
	Noise       int
	NoiseOffset int
	SNR         float64
	Mic         int
	Air         int
	Cutouts     []Interval
}

// Engine applies augmentation recipes. It holds only immutable
// precomputed state and is safe for concurrent use.
type Engine struct {
	cfg   Config
	noise [][]float32
	mic   [][]complex128
	air   [][]complex128
	conv  *convolver
}

// NewEngine validates cfg against the source pools and precomputes impulse
// response spectra. An enabled step with an empty pool is a configuration
// error wrapping config.ErrEmptySourceList.
func NewEngine(cfg Config, src Sources) (*Engine, error) {
	if cfg.SegmentLength <= 0 || cfg.PadStart < 0 {
		return nil, fmt.Errorf("augment: invalid segment geometry %d+%d", cfg.PadStart, cfg.SegmentLength)
	}
	if cfg.SNRMin > cfg.SNRMax {
		return nil, fmt.Errorf("augment: snr_min %g exceeds snr_max %g", cfg.SNRMin, cfg.SNRMax)
	}
	if cfg.CutoutMin < 0 || cfg.CutoutMin > cfg.CutoutMax || cfg.CutoutMax >= cfg.SegmentLength {
		if cfg.CutoutMax != 0 {
			return nil, fmt.Errorf("augment: invalid cutout range [%d, %d]", cfg.CutoutMin, cfg.CutoutMax)
		}
	}

	e := &Engine{cfg: cfg}
	if cfg.NoiseEnabled {
		for _, n := range src.Noise {
			if len(n) > 0 {
				e.noise = append(e.noise, n)
			}
		}
		if len(e.noise) == 0 {
			return nil, fmt.Errorf("augment: noise: %w", config.ErrEmptySourceList)
		}
	}
	if cfg.MicEnabled && len(src.MicIR) == 0 {
		return nil, fmt.Errorf("augment: micirp: %w", config.ErrEmptySourceList)
	}
	if cfg.AirEnabled && len(src.AirIR) == 0 {
		return nil, fmt.Errorf("augment: air: %w", config.ErrEmptySourceList)
	}

	if cfg.MicEnabled && cfg.MicIRLength <= 0 {
		return nil, fmt.Errorf("augment: micirp length must be positive, got %d", cfg.MicIRLength)
	}
	if cfg.AirEnabled && cfg.AirLength <= 0 {
		return nil, fmt.Errorf("augment: air length must be positive, got %d", cfg.AirLength)
	}

	if cfg.MicEnabled || cfg.AirEnabled {
		need := cfg.PadStart + cfg.SegmentLength
		if cfg.AirEnabled {
			need += cfg.AirLength - 1
		}
		if cfg.MicEnabled {
			need += cfg.MicIRLength - 1
		}
		if cfg.FFTConvN < need {
			return nil, &config.ConvolutionOverflowError{FFTConvN: cfg.FFTConvN, Required: need}
		}
		e.conv = newConvolver(cfg.FFTConvN)
	}
	var err error
	if cfg.MicEnabled {
		if e.mic, err = e.spectra("micirp", src.MicIR, cfg.MicIRLength); err != nil {
			return nil, err
		}
	}
	if cfg.AirEnabled {
		if e.air, err = e.spectra("air", src.AirIR, cfg.AirLength); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// spectra truncates each impulse response to length taps and transforms it.
// FFTConvN was checked against length, so every kernel fits without
// wrapping.
func (e *Engine) spectra(name string, irs [][]float32, length int) ([][]complex128, error) {
	out := make([][]complex128, 0, len(irs))
	for i, ir := range irs {
		k, err := e.conv.spectrum(prepareIR(ir, length))
		if err != nil {
			return nil, fmt.Errorf("augment: %s %d: %w", name, i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// ViewLength is the input length Apply expects.
func (e *Engine) ViewLength() int {
	return e.cfg.PadStart + e.cfg.SegmentLength
}

// Sample draws a recipe. Draws happen in a fixed order so that a seeded rng
// always yields the same recipe.
func (e *Engine) Sample(rng *rand.Rand) Recipe {
	r := Recipe{Noise: -1, Mic: -1, Air: -1}
	if len(e.noise) > 0 {
		r.Noise = rng.IntN(len(e.noise))
		r.NoiseOffset = rng.IntN(len(e.noise[r.Noise]))
		r.SNR = e.cfg.SNRMin + rng.Float64()*(e.cfg.SNRMax-e.cfg.SNRMin)
	}
	if len(e.air) > 0 {
		r.Air = rng.IntN(len(e.air))
	}
	if len(e.mic) > 0 {
		r.Mic = rng.IntN(len(e.mic))
	}
	if e.cfg.CutoutMax > 0 {
		for range e.cfg.CutoutCount {
			n := e.cfg.CutoutMin + rng.IntN(e.cfg.CutoutMax-e.cfg.CutoutMin+1)
			start := rng.IntN(e.cfg.SegmentLength - n + 1)
			r.Cutouts = append(r.Cutouts, Interval{Start: start, Length: n})
		}
	}
	return r
}

// Apply degrades view according to r and returns SegmentLength samples.
// view must be ViewLength samples: PadStart samples of context followed by
// the segment. view is not modified.
func (e *Engine) Apply(view []float32, r Recipe) ([]float32, error) {
	if len(view) != e.ViewLength() {
		return nil, fmt.Errorf("augment: view has %d samples, want %d", len(view), e.ViewLength())
	}
	if r.Noise >= len(e.noise) || r.Mic >= len(e.mic) || r.Air >= len(e.air) {
		return nil, fmt.Errorf("augment: recipe %+v does not match source pools", r)
	}

	x := make([]float32, len(view))
	copy(x, view)
	if r.Noise >= 0 {
		noise := loopNoise(e.noise[r.Noise], r.NoiseOffset, len(x))
		x = MixNoise(x, noise, r.SNR)
	}

	var irs [][]complex128
	if r.Air >= 0 {
		irs = append(irs, e.air[r.Air])
	}
	if r.Mic >= 0 {
		irs = append(irs, e.mic[r.Mic])
	}
	if len(irs) > 0 {
		x = e.conv.apply(x, irs...)
	}

	out := make([]float32, e.cfg.SegmentLength)
	copy(out, x[e.cfg.PadStart:])
	Cutout(out, r.Cutouts)
	return out, nil
}

// Cutout zeroes the given intervals of x in place. Intervals are clipped to
// the bounds of x.
func Cutout(x []float32, intervals []Interval) {
	for _, iv := range intervals {
		lo := max(iv.Start, 0)
		hi := min(iv.Start+iv.Length, len(x))
		for i := lo; i < hi; i++ {
			x[i] = 0
		}
	}
}
