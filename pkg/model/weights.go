package model

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the weights file version written by Save.
const FormatVersion = 1

// WeightsFile is the weights file name inside a model directory.
const WeightsFile = "model.msgpack"

type blockParams struct {
	Conv1W []float32 `msgpack:"conv1_w"`
	Conv1B []float32 `msgpack:"conv1_b"`
	LN1G   []float32 `msgpack:"ln1_g"`
	LN1B   []float32 `msgpack:"ln1_b"`
	Conv2W []float32 `msgpack:"conv2_w"`
	Conv2B []float32 `msgpack:"conv2_b"`
	LN2G   []float32 `msgpack:"ln2_g"`
	LN2B   []float32 `msgpack:"ln2_b"`
}

type headParams struct {
	W1 []float32 `msgpack:"w1"`
	B1 []float32 `msgpack:"b1"`
	W2 []float32 `msgpack:"w2"`
	B2 []float32 `msgpack:"b2"`
}

// weightsFile is the on-disk layout.
type weightsFile struct {
	Version    int           `msgpack:"version"`
	D          int           `msgpack:"d"`
	H          int           `msgpack:"h"`
	U          int           `msgpack:"u"`
	Mels       int           `msgpack:"mels"`
	Frames     int           `msgpack:"frames"`
	Fuller     bool          `msgpack:"fuller"`
	Activation string        `msgpack:"activation"`
	Blocks     []blockParams `msgpack:"blocks"`
	Head       headParams    `msgpack:"head"`
}

// blockShape is the geometry of block i.
type blockShape struct {
	in, out  int
	inF, inT int
	midT     int
	outF     int
}

func (c Config) blockShapes() []blockShape {
	ch := c.channels()
	f, t := c.Mels, c.Frames
	shapes := make([]blockShape, numBlocks)
	for i := range shapes {
		s := blockShape{in: ch[i], out: ch[i+1], inF: f, inT: t}
		s.midT = (t-1)/stride + 1
		s.outF = (f-1)/stride + 1
		shapes[i] = s
		f, t = s.outF, s.midT
	}
	return shapes
}

// sizes returns the expected parameter lengths of a block in field order.
func (s blockShape) sizes(fuller bool) [8]int {
	conv2 := s.out * kernel
	if fuller {
		conv2 = s.out * s.out * kernel
	}
	ln1 := s.out * s.inF * s.midT
	ln2 := s.out * s.outF * s.midT
	return [8]int{s.out * s.in * kernel, s.out, ln1, ln1, conv2, s.out, ln2, ln2}
}

func (p *blockParams) fields() [8][]float32 {
	return [8][]float32{p.Conv1W, p.Conv1B, p.LN1G, p.LN1B, p.Conv2W, p.Conv2B, p.LN2G, p.LN2B}
}

// Init returns a network with He-normal convolution weights, zero biases
// and identity LayerNorm. It is used for tests and untrained baselines.
func Init(cfg Config, rng *rand.Rand) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	he := func(n, fanIn int) []float32 {
		std := math.Sqrt(2 / float64(fanIn))
		w := make([]float32, n)
		for i := range w {
			w[i] = float32(rng.NormFloat64() * std)
		}
		return w
	}
	fill := func(n int, v float32) []float32 {
		w := make([]float32, n)
		for i := range w {
			w[i] = v
		}
		return w
	}

	f := &weightsFile{}
	for _, s := range cfg.blockShapes() {
		sz := s.sizes(cfg.Variant.Fuller)
		fanIn2 := kernel
		if cfg.Variant.Fuller {
			fanIn2 = s.out * kernel
		}
		f.Blocks = append(f.Blocks, blockParams{
			Conv1W: he(sz[0], s.in*kernel),
			Conv1B: make([]float32, sz[1]),
			LN1G:   fill(sz[2], 1),
			LN1B:   make([]float32, sz[3]),
			Conv2W: he(sz[4], fanIn2),
			Conv2B: make([]float32, sz[5]),
			LN2G:   fill(sz[6], 1),
			LN2B:   make([]float32, sz[7]),
		})
	}
	v := cfg.H / cfg.D
	f.Head = headParams{
		W1: he(cfg.D*cfg.U*v, v),
		B1: make([]float32, cfg.D*cfg.U),
		W2: he(cfg.D*cfg.U, cfg.U),
		B2: make([]float32, cfg.D),
	}
	return build(cfg, f)
}

// build checks parameter shapes and assembles the layers. The variant is
// resolved here so that inference never branches on it.
func build(cfg Config, f *weightsFile) (*Network, error) {
	shapes := cfg.blockShapes()
	if len(f.Blocks) != len(shapes) {
		return nil, fmt.Errorf("model: %d blocks, want %d", len(f.Blocks), len(shapes))
	}

	act := relu
	if cfg.Variant.Activation == ELU {
		act = elu
	}

	n := &Network{cfg: cfg}
	for i, s := range shapes {
		p := &f.Blocks[i]
		want := s.sizes(cfg.Variant.Fuller)
		for j, field := range p.fields() {
			if len(field) != want[j] {
				return nil, fmt.Errorf("model: block %d parameter %d has %d values, want %d", i, j, len(field), want[j])
			}
		}

		var conv2 freqConv
		if cfg.Variant.Fuller {
			conv2 = &fullConv{ch: s.out, pad: samePad(s.inF), w: p.Conv2W, b: p.Conv2B}
		} else {
			conv2 = &depthwiseConv{ch: s.out, pad: samePad(s.inF), w: p.Conv2W, b: p.Conv2B}
		}
		n.blocks = append(n.blocks, &block{
			conv1: &timeConv{in: s.in, out: s.out, pad: samePad(s.inT), w: p.Conv1W, b: p.Conv1B},
			ln1:   &layerNorm{gamma: p.LN1G, beta: p.LN1B},
			conv2: conv2,
			ln2:   &layerNorm{gamma: p.LN2G, beta: p.LN2B},
			act:   act,
		})
	}

	v := cfg.H / cfg.D
	h := f.Head
	if len(h.W1) != cfg.D*cfg.U*v || len(h.B1) != cfg.D*cfg.U || len(h.W2) != cfg.D*cfg.U || len(h.B2) != cfg.D {
		return nil, fmt.Errorf("model: head parameters do not match d=%d h=%d u=%d", cfg.D, cfg.H, cfg.U)
	}
	n.head = &head{d: cfg.D, v: v, u: cfg.U, w1: h.W1, b1: h.B1, w2: h.W2, b2: h.B2}
	n.params = f
	return n, nil
}

// Save writes the network weights as msgpack.
func (n *Network) Save(w io.Writer) error {
	f := *n.params
	f.Version = FormatVersion
	f.D, f.H, f.U = n.cfg.D, n.cfg.H, n.cfg.U
	f.Mels, f.Frames = n.cfg.Mels, n.cfg.Frames
	f.Fuller = n.cfg.Variant.Fuller
	f.Activation = n.cfg.Variant.Activation.String()
	if err := msgpack.NewEncoder(w).Encode(&f); err != nil {
		return fmt.Errorf("model: encode weights: %w", err)
	}
	return nil
}

// Load reads weights written by Save. The stored shape must equal want;
// a network trained for other parameters is rejected.
func Load(r io.Reader, want Config) (*Network, error) {
	var f weightsFile
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("model: decode weights: %w", err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("model: unsupported weights version %d", f.Version)
	}
	act, err := ParseActivation(f.Activation)
	if err != nil {
		return nil, err
	}
	got := Config{
		D: f.D, H: f.H, U: f.U,
		Mels: f.Mels, Frames: f.Frames,
		Variant: Variant{Fuller: f.Fuller, Activation: act},
	}
	if got != want {
		return nil, fmt.Errorf("model: weights are for %+v, want %+v", got, want)
	}
	if err := got.validate(); err != nil {
		return nil, err
	}
	return build(got, &f)
}
