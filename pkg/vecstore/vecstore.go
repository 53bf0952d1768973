// Package vecstore provides approximate nearest-neighbor (ANN) search over
// dense float32 vectors by maximum inner product.
//
// Indexes are described by a factory string:
//
//	Flat                      exact search
//	IVF<nlist>,Flat           inverted lists, raw residuals
//	IVF<nlist>,PQ<m>[x<b>]    inverted lists, product quantized residuals
//	IVF<nlist>_HNSW<M>,...    same, with an HNSW graph as coarse quantizer
//
// A trailing "np" on the PQ term is accepted and ignored.
//
// # Lifecycle
//
// An index is built in two phases: Train learns the coarse centroids and
// PQ codebooks from a representative sample, then Add assigns and encodes
// vectors. IDs are assigned sequentially from 0 in Add order. Searching an
// untrained index returns [ErrNotTrained].
//
// # Thread Safety
//
// Train and Add must not run concurrently with any other method. Once
// building is done the index is read only and Search and Reconstruct may
// be called from multiple goroutines without locking.
package vecstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotTrained is returned when vectors are added to or searched in an
// index whose quantizers have not been trained.
var ErrNotTrained = errors.New("vecstore: index is not trained")

// Index is an inner product ANN index.
type Index interface {
	// Spec returns the index description.
	Spec() Spec

	// Dim returns the vector dimension.
	Dim() int

	// Trained reports whether the index can accept vectors.
	Trained() bool

	// Train learns quantizers from a sample of vectors.
	Train(ctx context.Context, sample [][]float32) error

	// Add appends vectors. The first vector receives ID Len().
	Add(ctx context.Context, vectors [][]float32) error

	// Search returns up to k matches ordered by descending score.
	Search(query []float32, k int) ([]Match, error)

	// Reconstruct returns the stored approximation of vector id.
	Reconstruct(id int64) ([]float32, error)

	// Len returns the number of indexed vectors.
	Len() int
}

// SearchAll returns every vector of ix ranked against query. Inverted
// indexes visit all of their lists instead of the nprobe nearest.
func SearchAll(ix Index, query []float32) ([]Match, error) {
	if ivf, ok := ix.(*IVF); ok {
		return ivf.SearchAll(query, ivf.Len())
	}
	return ix.Search(query, ix.Len())
}

// Match is a single search result.
type Match struct {
	// ID is the sequential vector ID.
	ID int64

	// Score is the (approximate) inner product with the query. Higher
	// is more similar.
	Score float32
}

// Options tune index construction.
type Options struct {
	// NProbe is the number of inverted lists visited per query.
	// Default: min(nlist, 16).
	NProbe int

	// Trainer learns coarse centroids. Default: [KMeans] seeded with
	// Seed.
	Trainer Trainer

	// Seed makes training and graph construction reproducible.
	Seed uint64

	// Workers bounds the goroutines used by Train and Add. 0 means
	// GOMAXPROCS.
	Workers int
}

// New creates an empty index for spec.
func New(spec Spec, dim int, opts Options) (Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vecstore: dimension must be positive, got %d", dim)
	}
	if err := spec.check(dim); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindFlat:
		return NewFlat(dim), nil
	case KindIVFFlat, KindIVFPQ:
		return newIVF(spec, dim, opts), nil
	}
	return nil, fmt.Errorf("vecstore: unknown index kind %d", spec.Kind)
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// l2 returns the squared Euclidean distance between a and b.
func l2(a, b []float32) float32 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func checkDim(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(v), dim)
	}
	return nil
}
