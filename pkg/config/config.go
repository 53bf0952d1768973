// Package config defines the pfann parameter file: audio framing, feature
// extraction, augmentation sources, model shape and index settings.
//
// Files are YAML (JSON is accepted as a subset) and decoded strictly:
// unknown keys are rejected so that a typo in a parameter name fails
// loudly instead of silently falling back to a default.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the full parameter set shared by training, index building and
// matching. Durations are in seconds and are converted to sample counts
// with the helpers below.
type Config struct {
	SampleRate   int     `yaml:"sample_rate" json:"sample_rate"`
	SegmentSize  float64 `yaml:"segment_size" json:"segment_size"`
	HopSize      float64 `yaml:"hop_size" json:"hop_size"`
	TimeOffset   float64 `yaml:"time_offset" json:"time_offset"`
	PadStart     float64 `yaml:"pad_start" json:"pad_start"`
	ClipsPerSong int     `yaml:"clips_per_song" json:"clips_per_song"`

	StftN        int     `yaml:"stft_n" json:"stft_n"`
	StftHop      int     `yaml:"stft_hop" json:"stft_hop"`
	NMels        int     `yaml:"n_mels" json:"n_mels"`
	FMin         float64 `yaml:"f_min" json:"f_min"`
	FMax         float64 `yaml:"f_max" json:"f_max"`
	DynamicRange float64 `yaml:"dynamic_range" json:"dynamic_range"`
	SpecNorm     string  `yaml:"spec_norm" json:"spec_norm" jsonschema:"l2 or max; max subtracts the per-spectrogram peak"`

	// FFTConvN is the FFT size used for impulse response convolution.
	// Zero derives the smallest sufficient power of two.
	FFTConvN int `yaml:"fftconv_n" json:"fftconv_n"`

	CutoutMin   float64 `yaml:"cutout_min" json:"cutout_min"`
	CutoutMax   float64 `yaml:"cutout_max" json:"cutout_max"`
	CutoutCount int     `yaml:"cutout_count" json:"cutout_count"`

	// Consumed by the external training loop.
	BatchSize   int     `yaml:"batch_size" json:"batch_size"`
	ShuffleSize int     `yaml:"shuffle_size" json:"shuffle_size"`
	LR          float64 `yaml:"lr" json:"lr"`
	Tau         float64 `yaml:"tau" json:"tau"`
	Epoch       int     `yaml:"epoch" json:"epoch"`

	CacheDir  string `yaml:"cache_dir" json:"cache_dir"`
	ModelDir  string `yaml:"model_dir" json:"model_dir"`
	AudioRoot string `yaml:"audio_root" json:"audio_root"`

	TrainCSV    string `yaml:"train_csv" json:"train_csv"`
	ValidateCSV string `yaml:"validate_csv" json:"validate_csv"`
	TestCSV     string `yaml:"test_csv" json:"test_csv"`

	Noise  NoiseConfig   `yaml:"noise" json:"noise"`
	MicIRP IRConfig      `yaml:"micirp" json:"micirp"`
	Air    IRConfig      `yaml:"air" json:"air"`
	Model  ModelConfig   `yaml:"model" json:"model"`
	Index  IndexerConfig `yaml:"indexer" json:"indexer"`

	Seed    uint64 `yaml:"seed" json:"seed"`
	Workers int    `yaml:"workers" json:"workers" jsonschema:"worker pool size; 0 uses GOMAXPROCS"`
}

// NoiseConfig selects background noise manifests and the SNR range.
type NoiseConfig struct {
	Train    string  `yaml:"train" json:"train"`
	Validate string  `yaml:"validate" json:"validate"`
	SNRMin   float64 `yaml:"snr_min" json:"snr_min"`
	SNRMax   float64 `yaml:"snr_max" json:"snr_max"`
}

// IRConfig selects impulse response manifests. Length is the truncation
// length in seconds.
type IRConfig struct {
	Train    string  `yaml:"train" json:"train"`
	Validate string  `yaml:"validate" json:"validate"`
	Length   float64 `yaml:"length" json:"length"`
}

// ModelConfig is the embedding network shape.
type ModelConfig struct {
	D              int    `yaml:"d" json:"d" jsonschema:"embedding dimension"`
	H              int    `yaml:"h" json:"h" jsonschema:"encoder output channels; must be a multiple of d"`
	U              int    `yaml:"u" json:"u" jsonschema:"projection hidden units per group"`
	Fuller         bool   `yaml:"fuller" json:"fuller"`
	ConvActivation string `yaml:"conv_activation" json:"conv_activation"`
}

// IndexerConfig controls the approximate nearest neighbor index.
type IndexerConfig struct {
	IndexFactory  string `yaml:"index_factory" json:"index_factory"`
	TopK          int    `yaml:"top_k" json:"top_k"`
	NProbe        int    `yaml:"nprobe" json:"nprobe"`
	FrameShiftMul int    `yaml:"frame_shift_mul" json:"frame_shift_mul"`
}

// Default returns the default parameter set.
func Default() *Config {
	return &Config{
		SampleRate:   8000,
		SegmentSize:  1,
		HopSize:      0.5,
		TimeOffset:   1.2,
		PadStart:     1,
		StftN:        1024,
		StftHop:      256,
		NMels:        256,
		FMin:         300,
		FMax:         4000,
		DynamicRange: 80,
		SpecNorm:     "l2",
		CutoutCount:  1,
		BatchSize:    640,
		LR:           1e-4,
		Tau:          0.05,
		Epoch:        100,
		Noise:        NoiseConfig{SNRMin: 0, SNRMax: 10},
		MicIRP:       IRConfig{Length: 0.5},
		Air:          IRConfig{Length: 1},
		Model:        ModelConfig{D: 128, H: 1024, U: 32, ConvActivation: "ReLU"},
		Index: IndexerConfig{
			IndexFactory:  "IVF200,PQ64x8np",
			TopK:          100,
			NProbe:        50,
			FrameShiftMul: 1,
		},
	}
}

// Parse decodes a config document over the defaults. Keys that do not
// correspond to a known parameter are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) samples(sec float64) int {
	return int(math.Round(sec * float64(c.SampleRate)))
}

// SegmentSamples is the segment length in samples.
func (c *Config) SegmentSamples() int { return c.samples(c.SegmentSize) }

// HopSamples is the distance between consecutive segment starts.
func (c *Config) HopSamples() int { return c.samples(c.HopSize) }

// TimeOffsetSamples is the anchor window length for paired views.
func (c *Config) TimeOffsetSamples() int { return c.samples(c.TimeOffset) }

// PadStartSamples is the left context kept for reverb simulation.
func (c *Config) PadStartSamples() int { return c.samples(c.PadStart) }

// MicIRSamples is the microphone impulse response truncation length.
func (c *Config) MicIRSamples() int { return c.samples(c.MicIRP.Length) }

// AirSamples is the room impulse response truncation length.
func (c *Config) AirSamples() int { return c.samples(c.Air.Length) }

// Frames is the number of spectrogram frames of one segment.
func (c *Config) Frames() int {
	if c.StftHop <= 0 {
		return 0
	}
	return 1 + c.SegmentSamples()/c.StftHop
}

// ConvolutionLength is the length of the full linear convolution of a
// padded segment with both configured impulse responses.
func (c *Config) ConvolutionLength() int {
	n := c.PadStartSamples() + c.SegmentSamples()
	if l := c.AirSamples(); l > 0 {
		n += l - 1
	}
	if l := c.MicIRSamples(); l > 0 {
		n += l - 1
	}
	return n
}

// ConvN returns the configured FFT convolution size or, when unset, the
// smallest power of two (at least 1024) that holds ConvolutionLength.
func (c *Config) ConvN() int {
	if c.FFTConvN > 0 {
		return c.FFTConvN
	}
	need := c.ConvolutionLength()
	n := 1024
	for n < need {
		n *= 2
	}
	return n
}

// EncoderShape returns the spectral and temporal size after the eight
// stride-2 encoder stages.
func (c *Config) EncoderShape() (f, t int) {
	f, t = c.NMels, c.Frames()
	for range 8 {
		f = (f-1)/2 + 1
		t = (t-1)/2 + 1
	}
	return f, t
}
