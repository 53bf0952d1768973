package fbank

import (
	"sync"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

// fftPool hands out FFT plans of one size. A gonum FFT keeps internal work
// space and must not be shared between goroutines.
type fftPool struct {
	pool sync.Pool
}

func newFFTPool(n int) *fftPool {
	return &fftPool{pool: sync.Pool{New: func() any { return fourier.NewFFT(n) }}}
}

func (p *fftPool) get() *fourier.FFT  { return p.pool.Get().(*fourier.FFT) }
func (p *fftPool) put(f *fourier.FFT) { p.pool.Put(f) }

// periodicHann returns an n-point periodic Hann window, the first n points
// of an (n+1)-point symmetric window.
func periodicHann(n int) []float64 {
	return window.Hann(n + 1)[:n]
}

// reflect maps an out-of-range index into [0, n) by mirroring at the edges
// without repeating the edge sample.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// powerSpectrogram returns frames x (FFTSize/2+1) power values, frame-major.
// Frame t is centered on sample t*HopSize; the signal is reflect padded by
// FFTSize/2 on both sides.
func (e *Extractor) powerSpectrogram(x []float32, frames int) []float64 {
	nfft := e.cfg.FFTSize
	half := nfft/2 + 1
	pad := nfft / 2

	fft := e.ffts.get()
	defer e.ffts.put(fft)

	out := make([]float64, frames*half)
	buf := make([]float64, nfft)
	coeffs := make([]complex128, half)
	for t := range frames {
		start := t*e.cfg.HopSize - pad
		for i := range nfft {
			j := start + i
			if j < 0 || j >= len(x) {
				j = reflect(j, len(x))
			}
			buf[i] = float64(x[j]) * e.window[i]
		}
		coeffs = fft.Coefficients(coeffs, buf)
		row := out[t*half : (t+1)*half]
		for k, c := range coeffs {
			row[k] = real(c)*real(c) + imag(c)*imag(c)
		}
	}
	return out
}
