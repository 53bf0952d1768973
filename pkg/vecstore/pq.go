package vecstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ProductQuantizer splits vectors into M contiguous subvectors and encodes
// each by the index of its nearest codeword, one byte per subvector.
type ProductQuantizer struct {
	M    int
	Bits int
	dsub int

	// codebooks holds M x K x dsub codeword values.
	codebooks []float32
}

// NewProductQuantizer creates an untrained quantizer for dim-dimensional
// vectors.
func NewProductQuantizer(dim, m, bits int) (*ProductQuantizer, error) {
	if m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("vecstore: dimension %d is not divisible into %d subquantizers", dim, m)
	}
	if bits < 1 || bits > 8 {
		return nil, fmt.Errorf("vecstore: PQ bits must be in [1, 8], got %d", bits)
	}
	return &ProductQuantizer{M: m, Bits: bits, dsub: dim / m}, nil
}

// K is the number of codewords per subquantizer.
func (pq *ProductQuantizer) K() int { return 1 << pq.Bits }

func (pq *ProductQuantizer) trained() bool { return pq.codebooks != nil }

// codeword returns codeword c of subquantizer m.
func (pq *ProductQuantizer) codeword(m, c int) []float32 {
	off := (m*pq.K() + c) * pq.dsub
	return pq.codebooks[off : off+pq.dsub]
}

// Train learns each subquantizer codebook independently, in parallel.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32, trainer func(m int) Trainer) error {
	k := pq.K()
	books := make([][][]float32, pq.M)
	g, gctx := errgroup.WithContext(ctx)
	for m := range pq.M {
		g.Go(func() error {
			sub := make([][]float32, len(vectors))
			for i, v := range vectors {
				sub[i] = v[m*pq.dsub : (m+1)*pq.dsub]
			}
			c, err := trainer(m).Train(gctx, sub, k)
			if err != nil {
				return fmt.Errorf("vecstore: PQ subquantizer %d: %w", m, err)
			}
			books[m] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	pq.codebooks = make([]float32, 0, pq.M*k*pq.dsub)
	for _, b := range books {
		for _, c := range b {
			pq.codebooks = append(pq.codebooks, c...)
		}
	}
	return nil
}

// Encode writes the M codes of v to code.
func (pq *ProductQuantizer) Encode(v []float32, code []byte) {
	for m := range pq.M {
		sub := v[m*pq.dsub : (m+1)*pq.dsub]
		best, bestD := 0, float32(0)
		for c := range pq.K() {
			d := l2(sub, pq.codeword(m, c))
			if c == 0 || d < bestD {
				best, bestD = c, d
			}
		}
		code[m] = byte(best)
	}
}

// Decode adds the vector represented by code to dst.
func (pq *ProductQuantizer) Decode(code []byte, dst []float32) {
	for m := range pq.M {
		cw := pq.codeword(m, int(code[m]))
		out := dst[m*pq.dsub : (m+1)*pq.dsub]
		for i, x := range cw {
			out[i] += x
		}
	}
}

// innerProductTable returns the M x K table of inner products between the
// query subvectors and every codeword.
func (pq *ProductQuantizer) innerProductTable(q []float32) []float32 {
	k := pq.K()
	table := make([]float32, pq.M*k)
	for m := range pq.M {
		sub := q[m*pq.dsub : (m+1)*pq.dsub]
		for c := range k {
			table[m*k+c] = Dot(sub, pq.codeword(m, c))
		}
	}
	return table
}

// score sums the table entries selected by code.
func (pq *ProductQuantizer) score(table []float32, code []byte) float32 {
	k := pq.K()
	var s float32
	for m, c := range code {
		s += table[m*k+int(c)]
	}
	return s
}
