package vecstore

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

// randVec generates a random unit vector of the given dimension using rng.
func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := float32(rng.NormFloat64())
		v[i] = x
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= float32(norm)
	}
	return v
}

func randVecs(seed uint64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0xdeadbeef))
	out := make([][]float32, n)
	for i := range out {
		out[i] = randVec(rng, dim)
	}
	return out
}

func build(t *testing.T, factory string, vecs [][]float32, nprobe int) Index {
	t.Helper()
	spec, err := ParseFactory(factory)
	if err != nil {
		t.Fatalf("ParseFactory(%q): %v", factory, err)
	}
	idx, err := New(spec, len(vecs[0]), Options{NProbe: nprobe, Seed: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := idx.Train(ctx, vecs); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := idx.Add(ctx, vecs); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return idx
}

func TestParseFactory(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"Flat", Spec{Kind: KindFlat}},
		{"IVF200,Flat", Spec{Kind: KindIVFFlat, NList: 200}},
		{"IVF200,PQ64x8np", Spec{Kind: KindIVFPQ, NList: 200, PQM: 64, PQBits: 8}},
		{"IVF16,PQ16", Spec{Kind: KindIVFPQ, NList: 16, PQM: 16, PQBits: 8}},
		{"IVF1024_HNSW32,PQ64x4", Spec{Kind: KindIVFPQ, NList: 1024, HNSWM: 32, PQM: 64, PQBits: 4}},
	}
	for _, tt := range tests {
		got, err := ParseFactory(tt.in)
		if err != nil {
			t.Fatalf("ParseFactory(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFactory(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		again, err := ParseFactory(got.String())
		if err != nil || again != got {
			t.Errorf("String() %q does not round trip: %+v, %v", got.String(), again, err)
		}
	}
	for _, bad := range []string{"", "HNSW32", "IVF,Flat", "IVF0,Flat", "IVF10,PQ", "IVF10,SQ8", "IVF10_HNSW1,Flat", "IVF10,PQ8xz"} {
		if _, err := ParseFactory(bad); err == nil {
			t.Errorf("ParseFactory(%q) succeeded", bad)
		}
	}
}

func TestSpecCheck(t *testing.T) {
	spec, _ := ParseFactory("IVF8,PQ5")
	if _, err := New(spec, 32, Options{}); err == nil {
		t.Fatal("New accepted 32 dims in 5 subquantizers")
	}
	spec, _ = ParseFactory("IVF8,PQ8x9")
	if _, err := New(spec, 32, Options{}); err == nil {
		t.Fatal("New accepted 9-bit codes")
	}
}

func TestProductQuantizerDivisibility(t *testing.T) {
	for _, tt := range []struct{ dim, m int }{{30, 4}, {16, 0}, {8, 16}} {
		if _, err := NewProductQuantizer(tt.dim, tt.m, 8); err == nil {
			t.Fatalf("NewProductQuantizer(%d, %d) accepted", tt.dim, tt.m)
		}
	}
	pq, err := NewProductQuantizer(30, 5, 8)
	if err != nil {
		t.Fatal(err)
	}
	if pq.dsub != 6 || pq.K() != 256 {
		t.Fatalf("dsub = %d, K = %d", pq.dsub, pq.K())
	}
}

func TestSearchEmptyTrainedIndex(t *testing.T) {
	sample := randVecs(7, 300, 16)
	for _, factory := range []string{"Flat", "IVF4,Flat", "IVF4,PQ4x4", "IVF4_HNSW4,PQ4x4"} {
		spec, err := ParseFactory(factory)
		if err != nil {
			t.Fatal(err)
		}
		idx, err := New(spec, 16, Options{Seed: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := idx.Train(context.Background(), sample); err != nil {
			t.Fatalf("%s: Train: %v", factory, err)
		}
		ms, err := idx.Search(sample[0], 5)
		if err != nil || len(ms) != 0 {
			t.Fatalf("%s: Search = %v, %v, want no matches", factory, ms, err)
		}
		if ms, err = SearchAll(idx, sample[0]); err != nil || len(ms) != 0 {
			t.Fatalf("%s: SearchAll = %v, %v, want no matches", factory, ms, err)
		}
	}
}

func TestSpecFit(t *testing.T) {
	spec, _ := ParseFactory("IVF200,PQ64x8")
	got := spec.Fit(100)
	if got.NList != 100 || got.PQBits != 6 {
		t.Fatalf("Fit(100) = %+v", got)
	}
	if spec.Fit(1).Kind != KindFlat {
		t.Fatal("Fit(1) is not Flat")
	}
	if spec.TrainingSize() != 65536 {
		t.Fatalf("TrainingSize = %d", spec.TrainingSize())
	}
}

func TestFlatExact(t *testing.T) {
	vecs := randVecs(1, 300, 16)
	idx := build(t, "Flat", vecs, 0)
	q := randVecs(2, 1, 16)[0]

	got, err := idx.Search(q, 5)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, len(vecs))
	for i := range ids {
		ids[i] = int64(i)
	}
	slices.SortFunc(ids, func(a, b int64) int {
		da, db := Dot(q, vecs[a]), Dot(q, vecs[b])
		switch {
		case da > db:
			return -1
		case da < db:
			return 1
		}
		return 0
	})
	for i, m := range got {
		if m.ID != ids[i] {
			t.Fatalf("rank %d = %d, want %d", i, m.ID, ids[i])
		}
		if i > 0 && m.Score > got[i-1].Score {
			t.Fatal("scores not descending")
		}
	}
	v, err := idx.Reconstruct(7)
	if err != nil || !slices.Equal(v, vecs[7]) {
		t.Fatalf("Reconstruct(7) = %v, %v", v, err)
	}
}

func recall(t *testing.T, idx Index, vecs [][]float32, k int) float64 {
	t.Helper()
	hit := 0
	for i, v := range vecs {
		ms, err := idx.Search(v, k)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range ms {
			if m.ID == int64(i) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(vecs))
}

func TestIVFPQRecall(t *testing.T) {
	vecs := randVecs(3, 2000, 32)
	for _, factory := range []string{"IVF16,PQ16", "IVF16_HNSW8,PQ16np"} {
		idx := build(t, factory, vecs, 4)
		if idx.Len() != 2000 {
			t.Fatalf("%s: Len = %d", factory, idx.Len())
		}
		if r := recall(t, idx, vecs, 10); r < 0.99 {
			t.Fatalf("%s: recall@10 = %.4f, want >= 0.99", factory, r)
		}
	}
}

func TestIVFFlatReconstruct(t *testing.T) {
	vecs := randVecs(4, 500, 16)
	idx := build(t, "IVF8,Flat", vecs, 8)
	for _, id := range []int64{0, 123, 499} {
		v, err := idx.Reconstruct(id)
		if err != nil {
			t.Fatal(err)
		}
		if d := l2(v, vecs[id]); d > 1e-10 {
			t.Fatalf("Reconstruct(%d) off by %v", id, d)
		}
	}
	if _, err := idx.Reconstruct(500); err == nil {
		t.Fatal("Reconstruct accepted out of range id")
	}
	// With every list probed the scores are exact.
	q := vecs[42]
	ms, err := idx.Search(q, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ms[0].ID != 42 || math.Abs(float64(ms[0].Score)-1) > 1e-5 {
		t.Fatalf("top match = %+v", ms[0])
	}
}

func TestSearchAllIgnoresNProbe(t *testing.T) {
	vecs := randVecs(6, 400, 16)
	idx := build(t, "IVF8,Flat", vecs, 1)
	q := vecs[17]

	probed, err := idx.Search(q, len(vecs))
	if err != nil {
		t.Fatal(err)
	}
	if len(probed) >= len(vecs) {
		t.Fatalf("nprobe 1 returned %d of %d vectors", len(probed), len(vecs))
	}
	all, err := SearchAll(idx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(vecs) {
		t.Fatalf("SearchAll returned %d matches, want %d", len(all), len(vecs))
	}
	if all[0].ID != 17 {
		t.Fatalf("top match = %+v, want id 17", all[0])
	}
	for i := 1; i < len(all); i++ {
		if all[i].Score > all[i-1].Score {
			t.Fatalf("matches not sorted at %d", i)
		}
	}

	flat := build(t, "Flat", vecs[:10], 0)
	if ms, err := SearchAll(flat, q); err != nil || len(ms) != 10 {
		t.Fatalf("SearchAll on Flat = %d matches, %v", len(ms), err)
	}
}

func TestNotTrained(t *testing.T) {
	spec, _ := ParseFactory("IVF4,PQ4")
	idx, err := New(spec, 8, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Search(make([]float32, 8), 1); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Search = %v, want ErrNotTrained", err)
	}
	if err := idx.Add(context.Background(), [][]float32{make([]float32, 8)}); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Add = %v, want ErrNotTrained", err)
	}
	if err := Write(&bytes.Buffer{}, idx); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Write = %v, want ErrNotTrained", err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := build(t, "IVF4,Flat", randVecs(5, 50, 8), 2)
	if _, err := idx.Search(make([]float32, 4), 1); err == nil {
		t.Fatal("Search accepted wrong dimension")
	}
	if err := idx.Add(context.Background(), [][]float32{make([]float32, 3)}); err == nil {
		t.Fatal("Add accepted wrong dimension")
	}
}

func TestWriteRead(t *testing.T) {
	vecs := randVecs(6, 800, 16)
	queries := randVecs(7, 20, 16)
	for _, factory := range []string{"Flat", "IVF8,Flat", "IVF8,PQ8x6", "IVF8_HNSW4,PQ4"} {
		idx := build(t, factory, vecs, 3)
		var buf bytes.Buffer
		if err := Write(&buf, idx); err != nil {
			t.Fatalf("%s: Write: %v", factory, err)
		}
		loaded, err := Read(&buf)
		if err != nil {
			t.Fatalf("%s: Read: %v", factory, err)
		}
		if loaded.Len() != idx.Len() || loaded.Spec() != idx.Spec() {
			t.Fatalf("%s: loaded %d %v", factory, loaded.Len(), loaded.Spec())
		}
		for _, q := range queries {
			a, _ := idx.Search(q, 5)
			b, err := loaded.Search(q, 5)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(a, b) {
				t.Fatalf("%s: results differ after reload: %v vs %v", factory, a, b)
			}
		}
	}

	if _, err := Read(bytes.NewReader([]byte("NOPE0000"))); err == nil {
		t.Fatal("Read accepted bad magic")
	}
}

func TestKMeansDeterministic(t *testing.T) {
	vecs := randVecs(8, 400, 8)
	a, err := (&KMeans{Seed: 3, Workers: 4}).Train(context.Background(), vecs, 10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := (&KMeans{Seed: 3, Workers: 1}).Train(context.Background(), vecs, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if !slices.Equal(a[i], b[i]) {
			t.Fatalf("centroid %d differs across worker counts", i)
		}
	}
	if _, err := (&KMeans{}).Train(context.Background(), vecs[:5], 10); err == nil {
		t.Fatal("Train accepted fewer vectors than centroids")
	}
}

// fixedTrainer returns the first k vectors as centroids.
type fixedTrainer struct{}

func (fixedTrainer) Train(_ context.Context, vectors [][]float32, k int) ([][]float32, error) {
	out := make([][]float32, k)
	for i := range out {
		out[i] = clone(vectors[i])
	}
	return out, nil
}

func TestCustomTrainer(t *testing.T) {
	vecs := randVecs(9, 100, 8)
	spec, _ := ParseFactory("IVF4,Flat")
	idx, err := New(spec, 8, Options{Trainer: fixedTrainer{}, NProbe: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Train(context.Background(), vecs); err != nil {
		t.Fatal(err)
	}
	ivf := idx.(*IVF)
	for i := range 4 {
		if !slices.Equal(ivf.centroids[i], vecs[i]) {
			t.Fatalf("centroid %d not from custom trainer", i)
		}
	}
}

func TestHNSWGraphSearch(t *testing.T) {
	vecs := randVecs(10, 500, 8)
	g := buildHNSW(vecs, 8, 1)
	queries := randVecs(11, 50, 8)
	hit := 0
	for _, q := range queries {
		want, _ := nearest(q, vecs)
		got := g.search(q, 1, 64)
		if len(got) == 1 && int(got[0]) == want {
			hit++
		}
	}
	if hit < 48 {
		t.Fatalf("graph found the nearest centroid for %d/50 queries", hit)
	}

	again := buildHNSW(vecs, 8, 1)
	for i := range g.nodes {
		if g.nodes[i].level != again.nodes[i].level {
			t.Fatal("graph levels not reproducible from seed")
		}
	}
}

func TestTopK(t *testing.T) {
	top := newTopK(3)
	for i, s := range []float32{0.1, 0.9, 0.5, 0.9, 0.2, 0.7} {
		top.push(int64(i), s)
	}
	got := top.sorted()
	want := []Match{{ID: 1, Score: 0.9}, {ID: 3, Score: 0.9}, {ID: 5, Score: 0.7}}
	if !slices.Equal(got, want) {
		t.Fatalf("sorted = %v, want %v", got, want)
	}
	if len(newTopK(0).sorted()) != 0 {
		t.Fatal("k=0 kept matches")
	}
}
