package fbank

import "math"

// hzToMel converts frequency in Hz to the HTK mel scale.
func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// melToHz converts HTK mel back to Hz.
func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// filter is one triangular mel filter restricted to its non-zero bins.
type filter struct {
	start   int
	weights []float64
}

// melFilterBank builds numMels triangular filters over [lowFreq, highFreq].
// Filter edges are placed evenly on the mel scale and weights are evaluated
// at the exact FFT bin frequencies (no rounding of edges to bins), without
// area normalization.
func melFilterBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) []filter {
	half := fftSize/2 + 1
	binHz := float64(sampleRate) / 2 / float64(half-1)

	lowMel, highMel := hzToMel(lowFreq), hzToMel(highFreq)
	pts := make([]float64, numMels+2)
	for i := range pts {
		pts[i] = melToHz(lowMel + float64(i)*(highMel-lowMel)/float64(numMels+1))
	}

	bank := make([]filter, numMels)
	for m := range numMels {
		left, center, right := pts[m], pts[m+1], pts[m+2]
		var f filter
		f.start = -1
		for k := range half {
			hz := float64(k) * binHz
			up := (hz - left) / (center - left)
			down := (right - hz) / (right - center)
			w := max(0, min(up, down))
			if w <= 0 {
				if f.start >= 0 {
					break
				}
				continue
			}
			if f.start < 0 {
				f.start = k
			}
			f.weights = append(f.weights, w)
		}
		if f.start < 0 {
			// Narrower than one bin: the filter contributes nothing.
			f.start = 0
		}
		bank[m] = f
	}
	return bank
}
