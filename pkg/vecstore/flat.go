package vecstore

import (
	"context"
	"fmt"
)

// Flat is an exact inner product index. It needs no training.
type Flat struct {
	dim  int
	data []float32
}

var _ Index = (*Flat)(nil)

// NewFlat creates an empty exact index.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

func (f *Flat) Spec() Spec    { return Spec{Kind: KindFlat} }
func (f *Flat) Dim() int      { return f.dim }
func (f *Flat) Trained() bool { return true }
func (f *Flat) Len() int      { return len(f.data) / f.dim }

// Train is a no-op.
func (f *Flat) Train(context.Context, [][]float32) error { return nil }

// Add appends vectors.
func (f *Flat) Add(ctx context.Context, vectors [][]float32) error {
	for _, v := range vectors {
		if err := checkDim(v, f.dim); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	return nil
}

// Search scans every vector.
func (f *Flat) Search(query []float32, k int) ([]Match, error) {
	if err := checkDim(query, f.dim); err != nil {
		return nil, err
	}
	top := newTopK(k)
	for i := range f.Len() {
		top.push(int64(i), Dot(query, f.vector(i)))
	}
	return top.sorted(), nil
}

// Reconstruct returns a copy of vector id.
func (f *Flat) Reconstruct(id int64) ([]float32, error) {
	if id < 0 || id >= int64(f.Len()) {
		return nil, fmt.Errorf("vecstore: id %d out of range [0, %d)", id, f.Len())
	}
	return append([]float32(nil), f.vector(int(id))...), nil
}

func (f *Flat) vector(i int) []float32 {
	return f.data[i*f.dim : (i+1)*f.dim]
}
