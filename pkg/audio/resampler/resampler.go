// Package resampler converts mono float audio between sample rates using a
// pure Go polyphase resampler (no CGO/FFI dependencies).
//
// Example usage:
//
//	out, err := resampler.Resample(samples, 44100, 8000)
//	if err != nil {
//	    return err
//	}
package resampler

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// tailPad is the trailing silence pushed through the filter so that its
// group delay is flushed into the output.
const tailPad = 2048

// Resample converts mono samples from srcRate to dstRate. The output length
// is round(len(samples) * dstRate / srcRate).
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}
	want := OutputLen(len(samples), srcRate, dstRate)
	if len(samples) == 0 {
		return []float32{}, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}

	input := make([]float64, len(samples)+tailPad)
	for i, s := range samples {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}

	out := make([]float32, want)
	for i := 0; i < want && i < len(output); i++ {
		out[i] = float32(output[i])
	}
	return out, nil
}

// OutputLen returns the number of samples Resample produces for n input
// samples.
func OutputLen(n, srcRate, dstRate int) int {
	return int((int64(n)*int64(dstRate) + int64(srcRate)/2) / int64(srcRate))
}
