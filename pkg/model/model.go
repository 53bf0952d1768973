// Package model implements the fingerprint embedding network: a stack of
// separable convolution blocks that reduces a log-mel spectrogram to a 1x1
// map of h channels, followed by a grouped projection head producing a
// d-dimensional unit vector.
//
// # Architecture
//
// Eight blocks with channels [1, d, d, 2d, 2d, 4d, 4d, h, h]. Each block
// halves both the spectral and the temporal size:
//
//	pad -> conv 1xk, stride 1xs -> LayerNorm -> activation
//	pad -> conv kx1, stride sx1 -> LayerNorm -> activation
//
// The second convolution is depthwise unless the Fuller variant is
// selected. Padding emulates "same" padding with the extra sample on the
// trailing side.
//
// The head splits the h channels into d groups of h/d, maps each group to u
// hidden units, applies ELU and maps each group to one output. The result
// is L2 normalized.
//
// # Thread Safety
//
// A Network is immutable after construction. Embed may be called from
// multiple goroutines.
package model

import (
	"fmt"
	"math"

	"github.com/mimbres/pfann/pkg/audio/fbank"
	"github.com/mimbres/pfann/pkg/config"
)

// Activation selects the block nonlinearity.
type Activation int

const (
	ReLU Activation = iota
	ELU
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "ReLU"
	case ELU:
		return "ELU"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// ParseActivation parses "ReLU" or "ELU".
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "ReLU":
		return ReLU, nil
	case "ELU":
		return ELU, nil
	}
	return 0, fmt.Errorf("model: unknown activation %q", s)
}

// Variant is the network flavor. It is resolved once when a Network is
// built.
type Variant struct {
	// Fuller uses a full (ungrouped) second convolution in every block.
	Fuller     bool
	Activation Activation
}

// Config is the network shape.
type Config struct {
	D, H, U int

	// Mels and Frames are the input spectrogram shape.
	Mels, Frames int

	Variant Variant
}

// FromConfig derives the network shape from the pipeline parameters.
func FromConfig(c *config.Config) (Config, error) {
	act, err := ParseActivation(c.Model.ConvActivation)
	if err != nil {
		return Config{}, err
	}
	return Config{
		D:       c.Model.D,
		H:       c.Model.H,
		U:       c.Model.U,
		Mels:    c.NMels,
		Frames:  c.Frames(),
		Variant: Variant{Fuller: c.Model.Fuller, Activation: act},
	}, nil
}

const (
	numBlocks = 8
	kernel    = 3
	stride    = 2
)

// channels returns the block channel progression.
func (c Config) channels() [numBlocks + 1]int {
	d := c.D
	return [numBlocks + 1]int{1, d, d, 2 * d, 2 * d, 4 * d, 4 * d, c.H, c.H}
}

func (c Config) validate() error {
	if c.D <= 0 || c.H <= 0 || c.U <= 0 {
		return fmt.Errorf("model: d, h and u must be positive, got %d %d %d", c.D, c.H, c.U)
	}
	if c.H%c.D != 0 {
		return fmt.Errorf("model: h %d must be divisible by d %d", c.H, c.D)
	}
	if c.Mels <= 0 || c.Frames <= 0 {
		return fmt.Errorf("model: invalid input shape %dx%d", c.Mels, c.Frames)
	}
	f, t := c.Mels, c.Frames
	for range numBlocks {
		f = (f-1)/stride + 1
		t = (t-1)/stride + 1
	}
	if f != 1 || t != 1 {
		return fmt.Errorf("model: encoder output must be 1x1, got %dx%d for %dx%d input", f, t, c.Mels, c.Frames)
	}
	return nil
}

// Embedder maps a spectrogram to an embedding vector.
type Embedder interface {
	// Embed returns a unit vector of length Dimension.
	Embed(spec *fbank.Spectrogram) ([]float32, error)

	// Dimension is the embedding length.
	Dimension() int
}

var _ Embedder = (*Network)(nil)

// Network is the embedding network with its weights.
type Network struct {
	cfg    Config
	blocks []*block
	head   *head
	params *weightsFile
}

// Config returns the network shape.
func (n *Network) Config() Config {
	return n.cfg
}

// Dimension returns d.
func (n *Network) Dimension() int {
	return n.cfg.D
}

// InputShape returns the expected spectrogram shape.
func (n *Network) InputShape() (mels, frames int) {
	return n.cfg.Mels, n.cfg.Frames
}

// Embed runs the network on one spectrogram.
func (n *Network) Embed(spec *fbank.Spectrogram) ([]float32, error) {
	if spec.Mels != n.cfg.Mels || spec.Frames != n.cfg.Frames {
		return nil, &fbank.ShapeMismatchError{
			WantMels: n.cfg.Mels, WantFrames: n.cfg.Frames,
			GotMels: spec.Mels, GotFrames: spec.Frames,
		}
	}
	x := tensor{c: 1, f: spec.Mels, t: spec.Frames, data: spec.Data}
	for _, b := range n.blocks {
		x = b.forward(x)
	}
	return n.head.forward(x.data), nil
}

// normalize scales v to unit L2 norm in place. A zero vector is left
// unchanged.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
