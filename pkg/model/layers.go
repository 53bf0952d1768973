package model

import "math"

const layerNormEps = 1e-5

// tensor is a C x F x T feature map, row-major.
type tensor struct {
	c, f, t int
	data    []float32
}

func newTensor(c, f, t int) tensor {
	return tensor{c: c, f: f, t: t, data: make([]float32, c*f*t)}
}

// row returns the T values of channel c at frequency f.
func (x tensor) row(c, f int) []float32 {
	off := (c*x.f + f) * x.t
	return x.data[off : off+x.t]
}

// samePad returns the leading pad of a "same" padded strided convolution
// over n inputs. The trailing side gets the odd sample.
func samePad(n int) int {
	return ((n-1)/stride*stride + kernel - n) / 2
}

// timeConv is the 1 x k convolution with stride 1 x s.
type timeConv struct {
	in, out int
	pad     int
	w       []float32 // out x in x k
	b       []float32
}

func (c *timeConv) forward(x tensor) tensor {
	outT := (x.t-1)/stride + 1
	y := newTensor(c.out, x.f, outT)
	for o := range c.out {
		for f := range x.f {
			dst := y.row(o, f)
			for t := range dst {
				dst[t] = c.b[o]
			}
			for i := range c.in {
				src := x.row(i, f)
				w := c.w[(o*c.in+i)*kernel : (o*c.in+i+1)*kernel]
				for t := range dst {
					base := t*stride - c.pad
					var acc float32
					for j, wj := range w {
						if p := base + j; p >= 0 && p < len(src) {
							acc += wj * src[p]
						}
					}
					dst[t] += acc
				}
			}
		}
	}
	return y
}

// freqConv is the k x 1 convolution with stride s x 1. The implementation
// is picked by the network variant.
type freqConv interface {
	forward(x tensor) tensor
}

// depthwiseConv convolves each channel with its own kernel.
type depthwiseConv struct {
	ch  int
	pad int
	w   []float32 // ch x k
	b   []float32
}

func (c *depthwiseConv) forward(x tensor) tensor {
	outF := (x.f-1)/stride + 1
	y := newTensor(c.ch, outF, x.t)
	for o := range c.ch {
		w := c.w[o*kernel : (o+1)*kernel]
		for f := range outF {
			dst := y.row(o, f)
			for t := range dst {
				dst[t] = c.b[o]
			}
			for j, wj := range w {
				p := f*stride + j - c.pad
				if p < 0 || p >= x.f {
					continue
				}
				for t, v := range x.row(o, p) {
					dst[t] += wj * v
				}
			}
		}
	}
	return y
}

// fullConv mixes all channels.
type fullConv struct {
	ch  int
	pad int
	w   []float32 // ch x ch x k
	b   []float32
}

func (c *fullConv) forward(x tensor) tensor {
	outF := (x.f-1)/stride + 1
	y := newTensor(c.ch, outF, x.t)
	for o := range c.ch {
		for f := range outF {
			dst := y.row(o, f)
			for t := range dst {
				dst[t] = c.b[o]
			}
			for i := range c.ch {
				w := c.w[(o*c.ch+i)*kernel : (o*c.ch+i+1)*kernel]
				for j, wj := range w {
					p := f*stride + j - c.pad
					if p < 0 || p >= x.f {
						continue
					}
					for t, v := range x.row(i, p) {
						dst[t] += wj * v
					}
				}
			}
		}
	}
	return y
}

// layerNorm normalizes a whole feature map with elementwise affine
// parameters.
type layerNorm struct {
	gamma, beta []float32
}

func (n *layerNorm) forward(x []float32) {
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(x))
	inv := 1 / math.Sqrt(variance+layerNormEps)
	for i, v := range x {
		x[i] = float32((float64(v)-mean)*inv)*n.gamma[i] + n.beta[i]
	}
}

func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func elu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = float32(math.Expm1(float64(v)))
		}
	}
}

// block is one separable convolution stage.
type block struct {
	conv1 *timeConv
	ln1   *layerNorm
	conv2 freqConv
	ln2   *layerNorm
	act   func([]float32)
}

func (b *block) forward(x tensor) tensor {
	x = b.conv1.forward(x)
	b.ln1.forward(x.data)
	b.act(x.data)
	x = b.conv2.forward(x)
	b.ln2.forward(x.data)
	b.act(x.data)
	return x
}

// head is the grouped projection to d outputs.
type head struct {
	d, v, u int
	w1      []float32 // d*u x v
	b1      []float32
	w2      []float32 // d x u
	b2      []float32
}

func (h *head) forward(x []float32) []float32 {
	hidden := make([]float32, h.d*h.u)
	for g := range h.d {
		in := x[g*h.v : (g+1)*h.v]
		for k := range h.u {
			o := g*h.u + k
			acc := h.b1[o]
			w := h.w1[o*h.v : (o+1)*h.v]
			for i, v := range in {
				acc += w[i] * v
			}
			hidden[o] = acc
		}
	}
	elu(hidden)

	out := make([]float32, h.d)
	for g := range h.d {
		acc := h.b2[g]
		w := h.w2[g*h.u : (g+1)*h.u]
		for k, v := range hidden[g*h.u : (g+1)*h.u] {
			acc += w[k] * v
		}
		out[g] = acc
	}
	normalize(out)
	return out
}
