package vecstore

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// invList is one inverted list. Codes are PQ codes (M bytes per vector)
// for IVF-PQ; residuals are raw float32 residuals for IVF-Flat.
type invList struct {
	ids       []int64
	codes     []byte
	residuals []float32
}

// location is where a vector lives.
type location struct {
	list int32
	pos  int32
}

// IVF is an inverted file index. Each vector is assigned to its nearest
// coarse centroid and stored as the residual from that centroid, either
// raw or product quantized. Scores are inner products:
//
//	<q, x> ~= <q, c> + <q, residual>
//
// With PQ the second term is read from a per-query lookup table shared by
// every list.
type IVF struct {
	spec    Spec
	dim     int
	nprobe  int
	seed    uint64
	workers int
	trainer Trainer

	centroids [][]float32
	coarse    *hnswGraph
	pq        *ProductQuantizer

	lists []invList
	where []location
}

var _ Index = (*IVF)(nil)

func newIVF(spec Spec, dim int, opts Options) *IVF {
	nprobe := opts.NProbe
	if nprobe <= 0 {
		nprobe = 16
	}
	trainer := opts.Trainer
	if trainer == nil {
		trainer = &KMeans{Seed: opts.Seed, Workers: opts.Workers}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &IVF{
		spec:    spec,
		dim:     dim,
		nprobe:  min(nprobe, spec.NList),
		seed:    opts.Seed,
		workers: workers,
		trainer: trainer,
	}
}

func (ix *IVF) Spec() Spec    { return ix.spec }
func (ix *IVF) Dim() int      { return ix.dim }
func (ix *IVF) Len() int      { return len(ix.where) }
func (ix *IVF) Trained() bool { return ix.centroids != nil && (ix.spec.Kind != KindIVFPQ || (ix.pq != nil && ix.pq.trained())) }

// NProbe returns the number of lists visited per query.
func (ix *IVF) NProbe() int { return ix.nprobe }

// SetNProbe sets the number of lists visited per query. It must not be
// called concurrently with Search.
func (ix *IVF) SetNProbe(n int) {
	ix.nprobe = max(1, min(n, ix.spec.NList))
}

// Train learns the coarse centroids and, for IVF-PQ, the residual
// codebooks.
func (ix *IVF) Train(ctx context.Context, sample [][]float32) error {
	for _, v := range sample {
		if err := checkDim(v, ix.dim); err != nil {
			return err
		}
	}
	centroids, err := ix.trainer.Train(ctx, sample, ix.spec.NList)
	if err != nil {
		return fmt.Errorf("vecstore: coarse quantizer: %w", err)
	}
	ix.setCentroids(centroids)

	if ix.spec.Kind == KindIVFPQ {
		pq, err := NewProductQuantizer(ix.dim, ix.spec.PQM, ix.spec.PQBits)
		if err != nil {
			return err
		}
		residuals := make([][]float32, len(sample))
		for i, v := range sample {
			residuals[i] = ix.residual(v, ix.assign(v))
		}
		err = pq.Train(ctx, residuals, func(m int) Trainer {
			return &KMeans{Seed: ix.seed + uint64(m) + 1, Workers: 1}
		})
		if err != nil {
			return err
		}
		ix.pq = pq
	}
	return nil
}

// setCentroids installs trained centroids and builds the coarse graph.
func (ix *IVF) setCentroids(centroids [][]float32) {
	ix.centroids = centroids
	ix.lists = make([]invList, len(centroids))
	if ix.spec.HNSWM > 0 {
		ix.coarse = buildHNSW(centroids, ix.spec.HNSWM, ix.seed)
	}
}

// assign returns the nearest centroid of v.
func (ix *IVF) assign(v []float32) int {
	if ix.coarse != nil {
		return int(ix.coarse.search(v, 1, 32)[0])
	}
	c, _ := nearest(v, ix.centroids)
	return c
}

// probe returns the n lists nearest to q.
func (ix *IVF) probe(q []float32, n int) []int {
	if ix.coarse != nil {
		ids := ix.coarse.search(q, n, max(n, 64))
		out := make([]int, len(ids))
		for i, id := range ids {
			out[i] = int(id)
		}
		return out
	}
	top := newTopK(n)
	for i, c := range ix.centroids {
		top.push(int64(i), -l2(q, c))
	}
	var out []int
	for _, m := range top.sorted() {
		out = append(out, int(m.ID))
	}
	return out
}

func (ix *IVF) residual(v []float32, list int) []float32 {
	r := make([]float32, ix.dim)
	c := ix.centroids[list]
	for i := range r {
		r[i] = v[i] - c[i]
	}
	return r
}

// Add assigns and encodes vectors in parallel, then appends them in input
// order so IDs and list contents do not depend on scheduling.
func (ix *IVF) Add(ctx context.Context, vectors [][]float32) error {
	if !ix.Trained() {
		return ErrNotTrained
	}
	for _, v := range vectors {
		if err := checkDim(v, ix.dim); err != nil {
			return err
		}
	}

	type encoded struct {
		list int
		code []byte
		res  []float32
	}
	enc := make([]encoded, len(vectors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	const chunk = 256
	for lo := 0; lo < len(vectors); lo += chunk {
		hi := min(lo+chunk, len(vectors))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				list := ix.assign(vectors[i])
				r := ix.residual(vectors[i], list)
				e := encoded{list: list}
				if ix.pq != nil {
					e.code = make([]byte, ix.pq.M)
					ix.pq.Encode(r, e.code)
				} else {
					e.res = r
				}
				enc[i] = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range enc {
		id := int64(len(ix.where))
		l := &ix.lists[e.list]
		ix.where = append(ix.where, location{list: int32(e.list), pos: int32(len(l.ids))})
		l.ids = append(l.ids, id)
		l.codes = append(l.codes, e.code...)
		l.residuals = append(l.residuals, e.res...)
	}
	return nil
}

// Search visits the nprobe nearest lists and ranks their vectors by
// approximate inner product.
func (ix *IVF) Search(query []float32, k int) ([]Match, error) {
	if err := ix.checkQuery(query); err != nil {
		return nil, err
	}
	return ix.scan(query, k, ix.probe(query, ix.nprobe)), nil
}

// SearchAll ranks every indexed vector, visiting all lists regardless of
// nprobe.
func (ix *IVF) SearchAll(query []float32, k int) ([]Match, error) {
	if err := ix.checkQuery(query); err != nil {
		return nil, err
	}
	lists := make([]int, len(ix.lists))
	for i := range lists {
		lists[i] = i
	}
	return ix.scan(query, k, lists), nil
}

func (ix *IVF) checkQuery(query []float32) error {
	if !ix.Trained() {
		return ErrNotTrained
	}
	return checkDim(query, ix.dim)
}

func (ix *IVF) scan(query []float32, k int, lists []int) []Match {
	var table []float32
	if ix.pq != nil {
		table = ix.pq.innerProductTable(query)
	}
	top := newTopK(k)
	for _, li := range lists {
		l := &ix.lists[li]
		base := Dot(query, ix.centroids[li])
		for j, id := range l.ids {
			var s float32
			if ix.pq != nil {
				s = ix.pq.score(table, l.codes[j*ix.pq.M:(j+1)*ix.pq.M])
			} else {
				s = Dot(query, l.residuals[j*ix.dim:(j+1)*ix.dim])
			}
			top.push(id, base+s)
		}
	}
	return top.sorted()
}

// Reconstruct returns centroid plus decoded residual for id.
func (ix *IVF) Reconstruct(id int64) ([]float32, error) {
	if id < 0 || id >= int64(len(ix.where)) {
		return nil, fmt.Errorf("vecstore: id %d out of range [0, %d)", id, len(ix.where))
	}
	loc := ix.where[id]
	l := &ix.lists[loc.list]
	out := clone(ix.centroids[loc.list])
	j := int(loc.pos)
	if ix.pq != nil {
		ix.pq.Decode(l.codes[j*ix.pq.M:(j+1)*ix.pq.M], out)
	} else {
		for i, r := range l.residuals[j*ix.dim : (j+1)*ix.dim] {
			out[i] += r
		}
	}
	return out, nil
}
