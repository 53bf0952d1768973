package augment

import "math"

// power returns the mean squared value of x.
func power(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return sum / float64(len(x))
}

// loopNoise returns n samples of noise starting at offset, wrapping around
// the end as often as needed.
func loopNoise(noise []float32, offset, n int) []float32 {
	out := make([]float32, n)
	if len(noise) == 0 {
		return out
	}
	pos := offset % len(noise)
	for i := 0; i < n; {
		c := copy(out[i:], noise[pos:])
		i += c
		pos = 0
	}
	return out
}

// MixNoise returns x plus noise scaled so that the signal-to-noise ratio is
// snr dB. noise must be at least len(x) samples. Silent noise or silent
// signal leaves x unchanged.
func MixNoise(x, noise []float32, snr float64) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	ps := power(x)
	pn := power(noise[:len(x)])
	if ps == 0 || pn == 0 {
		return out
	}
	scale := math.Sqrt(ps / (pn * math.Pow(10, snr/10)))
	for i := range out {
		out[i] += float32(float64(noise[i]) * scale)
	}
	return out
}

// SNR returns the power ratio in dB of signal to the difference between
// noisy and signal.
func SNR(signal, noisy []float32) float64 {
	n := min(len(signal), len(noisy))
	var ps, pn float64
	for i := range n {
		d := float64(noisy[i]) - float64(signal[i])
		ps += float64(signal[i]) * float64(signal[i])
		pn += d * d
	}
	if pn == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(ps/pn)
}
