package vecstore

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Trainer learns k centroids from a sample of vectors. Implementations
// must be deterministic for a given input.
type Trainer interface {
	Train(ctx context.Context, vectors [][]float32, k int) ([][]float32, error)
}

// KMeans is the default Trainer: k-means++ seeding followed by Lloyd
// iterations under squared Euclidean distance. Assignment runs in parallel;
// centroid updates are serial so results do not depend on scheduling.
type KMeans struct {
	// Iterations of Lloyd refinement. Default: 20.
	Iterations int

	// Seed for k-means++ seeding and empty cluster repair.
	Seed uint64

	// Workers bounds assignment goroutines. 0 means GOMAXPROCS.
	Workers int
}

var _ Trainer = (*KMeans)(nil)

// Train clusters vectors into k centroids.
func (km *KMeans) Train(ctx context.Context, vectors [][]float32, k int) ([][]float32, error) {
	n := len(vectors)
	if k <= 0 {
		return nil, fmt.Errorf("vecstore: k must be positive, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("vecstore: %d training vectors for %d centroids", n, k)
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if err := checkDim(v, dim); err != nil {
			return nil, err
		}
	}
	iters := km.Iterations
	if iters <= 0 {
		iters = 20
	}
	rng := rand.New(rand.NewPCG(km.Seed, km.Seed^0xdeadbeef))

	centroids := seedPlusPlus(vectors, k, rng)
	assign := make([]int, n)
	for it := range iters {
		changed, err := km.assign(ctx, vectors, centroids, assign, it == 0)
		if err != nil {
			return nil, err
		}
		update(vectors, centroids, assign, rng)
		if it > 0 && changed == 0 {
			break
		}
	}
	return centroids, nil
}

// seedPlusPlus picks k initial centroids with probability proportional to
// the squared distance from the nearest already chosen centroid.
func seedPlusPlus(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(vectors[rng.IntN(n)]))
	dist := make([]float64, n)
	for i, v := range vectors {
		dist[i] = float64(l2(v, centroids[0]))
	}
	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		pick := rng.IntN(n)
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					pick = i
					break
				}
			}
		}
		c := clone(vectors[pick])
		centroids = append(centroids, c)
		for i, v := range vectors {
			dist[i] = math.Min(dist[i], float64(l2(v, c)))
		}
	}
	return centroids
}

// assign sets assign[i] to the nearest centroid of vectors[i] and returns
// how many assignments changed.
func (km *KMeans) assign(ctx context.Context, vectors, centroids [][]float32, assign []int, first bool) (int, error) {
	workers := km.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	n := len(vectors)
	chunk := (n + workers - 1) / workers
	changed := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				c, _ := nearest(vectors[i], centroids)
				if first || assign[i] != c {
					changed[w]++
				}
				assign[i] = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int
	for _, c := range changed {
		total += c
	}
	return total, nil
}

// update recomputes centroids as cluster means. An empty cluster takes a
// random training vector.
func update(vectors, centroids [][]float32, assign []int, rng *rand.Rand) {
	dim := len(centroids[0])
	sums := make([][]float64, len(centroids))
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	counts := make([]int, len(centroids))
	for i, v := range vectors {
		c := assign[i]
		counts[c]++
		for j, x := range v {
			sums[c][j] += float64(x)
		}
	}
	for c := range centroids {
		if counts[c] == 0 {
			copy(centroids[c], vectors[rng.IntN(len(vectors))])
			continue
		}
		for j := range dim {
			centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
		}
	}
}

// nearest returns the index of the centroid closest to v and its squared
// distance.
func nearest(v []float32, centroids [][]float32) (int, float32) {
	best, bestD := 0, float32(math.Inf(1))
	for i, c := range centroids {
		if d := l2(v, c); d < bestD {
			best, bestD = i, d
		}
	}
	return best, bestD
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
