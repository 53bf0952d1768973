package augment

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// convolver performs linear convolution by FFT at a fixed size. Plans are
// pooled since a gonum FFT is not safe for concurrent use.
type convolver struct {
	n    int
	pool sync.Pool
}

func newConvolver(n int) *convolver {
	c := &convolver{n: n}
	c.pool.New = func() any { return fourier.NewFFT(n) }
	return c
}

// spectrum returns the n/2+1 coefficients of x zero padded to n. x longer
// than n cannot be represented without circular aliasing.
func (c *convolver) spectrum(x []float32) ([]complex128, error) {
	if len(x) > c.n {
		return nil, fmt.Errorf("kernel of %d taps exceeds fft size %d", len(x), c.n)
	}
	fft := c.pool.Get().(*fourier.FFT)
	defer c.pool.Put(fft)

	buf := make([]float64, c.n)
	for i, v := range x {
		buf[i] = float64(v)
	}
	return fft.Coefficients(nil, buf), nil
}

// apply convolves x with every kernel spectrum and returns the first len(x)
// samples of the result.
func (c *convolver) apply(x []float32, kernels ...[]complex128) []float32 {
	fft := c.pool.Get().(*fourier.FFT)
	defer c.pool.Put(fft)

	buf := make([]float64, c.n)
	for i, v := range x {
		buf[i] = float64(v)
	}
	coeffs := fft.Coefficients(nil, buf)
	for _, k := range kernels {
		for i := range coeffs {
			coeffs[i] *= k[i]
		}
	}
	seq := fft.Sequence(buf, coeffs)

	// gonum's inverse transform is unnormalized.
	scale := 1 / float64(c.n)
	out := make([]float32, len(x))
	for i := range out {
		out[i] = float32(seq[i] * scale)
	}
	return out
}

// Convolve returns the full linear convolution of x and h, of length
// len(x)+len(h)-1.
func Convolve(x, h []float32) []float32 {
	if len(x) == 0 || len(h) == 0 {
		return nil
	}
	m := len(x) + len(h) - 1
	n := 1
	for n < m {
		n <<= 1
	}
	c := newConvolver(n)
	padded := make([]float32, m)
	copy(padded, x)
	k, _ := c.spectrum(h) // len(h) <= m <= n
	return c.apply(padded, k)
}

// prepareIR truncates an impulse response to n samples and scales it to
// unit energy. A silent response is replaced by a unit impulse. n must be
// positive.
func prepareIR(ir []float32, n int) []float32 {
	if len(ir) > n {
		ir = ir[:n]
	}
	out := make([]float32, max(len(ir), 1))
	copy(out, ir)
	norm := math.Sqrt(power(out) * float64(len(out)))
	if norm == 0 {
		clear(out)
		out[0] = 1
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}
