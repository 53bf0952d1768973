package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/mimbres/pfann/pkg/manifest"
)

// Sentinel errors.
var (
	// ErrEmptySourceList is returned when augmentation is enabled for a
	// source (noise, micirp, air) whose manifest lists no files.
	ErrEmptySourceList = errors.New("config: augmentation source list is empty")
)

// ConvolutionOverflowError reports an FFT convolution size too small to
// hold the linear convolution of a segment with its impulse responses.
// Circular wrap-around would otherwise leak the reverb tail into the start
// of the segment.
type ConvolutionOverflowError struct {
	FFTConvN int
	Required int
}

func (e *ConvolutionOverflowError) Error() string {
	return fmt.Sprintf("config: fftconv_n %d is smaller than the convolution length %d", e.FFTConvN, e.Required)
}

// Validate checks parameter consistency. All problems found are returned
// joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.SampleRate <= 0 {
		fail("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.SegmentSize <= 0 {
		fail("segment_size must be positive, got %g", c.SegmentSize)
	}
	if c.HopSize <= 0 || c.HopSize > c.SegmentSize {
		fail("hop_size must be in (0, segment_size], got %g", c.HopSize)
	}
	if c.TimeOffset < c.SegmentSize {
		fail("time_offset %g must not be shorter than segment_size %g", c.TimeOffset, c.SegmentSize)
	}
	if c.PadStart < 0 {
		fail("pad_start must not be negative, got %g", c.PadStart)
	}
	if c.ClipsPerSong < 0 {
		fail("clips_per_song must not be negative, got %d", c.ClipsPerSong)
	}

	if c.StftN <= 0 || c.StftHop <= 0 || c.StftHop > c.StftN {
		fail("stft_hop must be in (0, stft_n], got stft_n=%d stft_hop=%d", c.StftN, c.StftHop)
	}
	if c.NMels <= 0 {
		fail("n_mels must be positive, got %d", c.NMels)
	}
	if c.FMin < 0 || c.FMin >= c.FMax {
		fail("f_min must be in [0, f_max), got f_min=%g f_max=%g", c.FMin, c.FMax)
	}
	if c.SampleRate > 0 && c.FMax > float64(c.SampleRate)/2 {
		fail("f_max %g exceeds the Nyquist frequency %d", c.FMax, c.SampleRate/2)
	}
	if c.DynamicRange <= 0 {
		fail("dynamic_range must be positive, got %g", c.DynamicRange)
	}
	switch c.SpecNorm {
	case "l2", "max":
	default:
		fail("spec_norm must be l2 or max, got %q", c.SpecNorm)
	}

	if c.Noise.SNRMin > c.Noise.SNRMax {
		fail("noise.snr_min %g exceeds snr_max %g", c.Noise.SNRMin, c.Noise.SNRMax)
	}
	for _, sec := range []struct {
		name string
		ir   IRConfig
	}{{"micirp", c.MicIRP}, {"air", c.Air}} {
		name, ir := sec.name, sec.ir
		if ir.Length < 0 {
			fail("%s.length must not be negative, got %g", name, ir.Length)
		} else if (ir.Train != "" || ir.Validate != "") && c.samples(ir.Length) <= 0 {
			fail("%s.length must be positive when %s sources are configured, got %g", name, name, ir.Length)
		}
	}
	if c.CutoutMin < 0 || c.CutoutMin > c.CutoutMax {
		fail("cutout_min must be in [0, cutout_max], got cutout_min=%g cutout_max=%g", c.CutoutMin, c.CutoutMax)
	}
	if c.CutoutMax >= c.SegmentSize && c.CutoutMax > 0 {
		fail("cutout_max %g must be shorter than segment_size %g", c.CutoutMax, c.SegmentSize)
	}
	if c.BatchSize%2 != 0 {
		fail("batch_size must be even (paired views), got %d", c.BatchSize)
	}

	if c.FFTConvN < 0 {
		fail("fftconv_n must not be negative, got %d", c.FFTConvN)
	} else if c.FFTConvN > 0 && c.SampleRate > 0 {
		if need := c.ConvolutionLength(); c.FFTConvN < need {
			errs = append(errs, &ConvolutionOverflowError{FFTConvN: c.FFTConvN, Required: need})
		}
	}

	if err := c.validateModel(); err != nil {
		errs = append(errs, err)
	}

	if c.Index.IndexFactory == "" {
		fail("indexer.index_factory is required")
	}
	if c.Index.TopK == 0 || c.Index.TopK < -1 {
		fail("indexer.top_k must be positive, or -1 for exhaustive search, got %d", c.Index.TopK)
	}
	if c.Index.NProbe < 0 {
		fail("indexer.nprobe must not be negative, got %d", c.Index.NProbe)
	}
	if c.Index.FrameShiftMul < 0 {
		fail("indexer.frame_shift_mul must not be negative, got %d", c.Index.FrameShiftMul)
	}
	if c.Workers < 0 {
		fail("workers must not be negative, got %d", c.Workers)
	}
	return errors.Join(errs...)
}

func (c *Config) validateModel() error {
	m := c.Model
	if m.D <= 0 || m.H <= 0 || m.U <= 0 {
		return fmt.Errorf("config: model d, h and u must be positive, got d=%d h=%d u=%d", m.D, m.H, m.U)
	}
	if m.H%m.D != 0 {
		return fmt.Errorf("config: model.h %d must be divisible by model.d %d", m.H, m.D)
	}
	switch m.ConvActivation {
	case "ReLU", "ELU":
	default:
		return fmt.Errorf("config: model.conv_activation must be ReLU or ELU, got %q", m.ConvActivation)
	}
	if c.StftHop <= 0 || c.NMels <= 0 {
		return nil
	}
	if f, t := c.EncoderShape(); f != 1 || t != 1 {
		return fmt.Errorf("config: encoder output must be 1x1, got %dx%d for a %dx%d spectrogram", f, t, c.NMels, c.Frames())
	}
	return nil
}

// FeatureKey fingerprints every parameter that affects spectrogram values.
// Cached features are keyed by it so that changing any of these parameters
// never serves stale entries.
func (c *Config) FeatureKey() string {
	parts := []string{
		strconv.Itoa(c.SampleRate),
		strconv.Itoa(c.SegmentSamples()),
		strconv.Itoa(c.HopSamples()),
		strconv.Itoa(c.StftN),
		strconv.Itoa(c.StftHop),
		strconv.Itoa(c.NMels),
		strconv.FormatFloat(c.FMin, 'g', -1, 64),
		strconv.FormatFloat(c.FMax, 'g', -1, 64),
		strconv.FormatFloat(c.DynamicRange, 'g', -1, 64),
		c.SpecNorm,
	}
	return strconv.FormatUint(xxhash.Checksum64([]byte(strings.Join(parts, "|"))), 16)
}

// SourceManifests returns the augmentation manifests selected for training
// or validation, keyed by section name. Sections without a manifest are
// omitted.
func (c *Config) SourceManifests(validation bool) map[string]string {
	pick := func(train, val string) string {
		if validation {
			return val
		}
		return train
	}
	out := make(map[string]string, 3)
	for name, path := range map[string]string{
		"noise":  pick(c.Noise.Train, c.Noise.Validate),
		"micirp": pick(c.MicIRP.Train, c.MicIRP.Validate),
		"air":    pick(c.Air.Train, c.Air.Validate),
	} {
		if path != "" {
			out[name] = path
		}
	}
	return out
}

// ValidateSources checks that every configured augmentation manifest lists
// at least one file.
func (c *Config) ValidateSources(validation bool) error {
	var errs []error
	for name, path := range c.SourceManifests(validation) {
		paths, err := manifest.Load(path, c.AudioRoot)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			continue
		}
		if len(paths) == 0 {
			errs = append(errs, fmt.Errorf("config: %s manifest %s: %w", name, path, ErrEmptySourceList))
		}
	}
	return errors.Join(errs...)
}
