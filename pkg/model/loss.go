package model

import (
	"fmt"
	"math"
)

// ContrastiveLoss is the NT-Xent loss over paired unit embeddings: a[i]
// and b[i] are two views of the same segment and every other embedding in
// the batch is a negative. tau is the softmax temperature.
func ContrastiveLoss(a, b [][]float32, tau float64) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("model: loss needs equal non-empty batches, got %d and %d", len(a), len(b))
	}
	if tau <= 0 {
		return 0, fmt.Errorf("model: tau must be positive, got %g", tau)
	}
	n := len(a)
	z := make([][]float32, 0, 2*n)
	z = append(z, a...)
	z = append(z, b...)

	var total float64
	for i := range z {
		pos := (i + n) % (2 * n)
		var (
			logits = make([]float64, 0, 2*n-1)
			posIdx int
		)
		for j := range z {
			if j == i {
				continue
			}
			if j == pos {
				posIdx = len(logits)
			}
			logits = append(logits, dot(z[i], z[j])/tau)
		}
		total += logSumExp(logits) - logits[posIdx]
	}
	return total / float64(2*n), nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func logSumExp(x []float64) float64 {
	m := math.Inf(-1)
	for _, v := range x {
		m = max(m, v)
	}
	var s float64
	for _, v := range x {
		s += math.Exp(v - m)
	}
	return m + math.Log(s)
}
