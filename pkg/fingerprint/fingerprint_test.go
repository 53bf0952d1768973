package fingerprint_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/fingerprint"
	"github.com/mimbres/pfann/pkg/storage"
	"github.com/mimbres/pfann/pkg/vecstore"
)

const dim = 16

func unit(rng *rand.Rand) []float32 {
	v := make([]float32, dim)
	var n float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		n += x * x
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] /= float32(n)
	}
	return v
}

func testConfig(factory string) *config.Config {
	c := config.Default()
	c.Model.D = dim
	c.Index.IndexFactory = factory
	c.Index.NProbe = 8
	c.Seed = 7
	return c
}

func testEntries(sources, segments int, seed uint64) []fingerprint.Entry {
	rng := rand.New(rand.NewPCG(seed, seed^0xdeadbeef))
	entries := make([]fingerprint.Entry, sources)
	for i := range entries {
		entries[i].Source = fmt.Sprintf("song%02d.wav", i)
		for range segments {
			entries[i].Vectors = append(entries[i].Vectors, unit(rng))
		}
	}
	return entries
}

func build(t *testing.T, factory string, entries []fingerprint.Entry) *fingerprint.Snapshot {
	t.Helper()
	s, err := fingerprint.Build(context.Background(), testConfig(factory), entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func TestBuildRecall(t *testing.T) {
	entries := testEntries(3, 100, 1)
	s := build(t, "IVF8,PQ8", entries)
	if s.Len() != 300 {
		t.Fatalf("Len = %d, want 300", s.Len())
	}

	var found, total int
	for _, e := range entries {
		for seg, v := range e.Vectors {
			hits, err := s.Search(v, 10)
			if err != nil {
				t.Fatal(err)
			}
			total++
			for _, h := range hits {
				if h.Source == e.Source && h.Segment == seg {
					found++
					break
				}
			}
		}
	}
	if recall := float64(found) / float64(total); recall < 0.99 {
		t.Fatalf("recall@10 = %.3f, want >= 0.99", recall)
	}
}

func TestSearchResolvesHits(t *testing.T) {
	entries := testEntries(3, 20, 2)
	s := build(t, "Flat", entries)

	hits, err := s.Search(entries[2].Vectors[5], 1)
	if err != nil {
		t.Fatal(err)
	}
	h := hits[0]
	if h.Source != "song02.wav" || h.Segment != 5 || h.ID != 45 {
		t.Fatalf("hit = %+v", h)
	}
	if h.Offset != 2500*time.Millisecond {
		t.Fatalf("Offset = %v, want 2.5s", h.Offset)
	}
	if h.BuildID != s.BuildID {
		t.Fatalf("BuildID = %v, want %v", h.BuildID, s.BuildID)
	}
}

func TestBuildSkipsEmptyEntries(t *testing.T) {
	entries := testEntries(2, 10, 3)
	entries = append([]fingerprint.Entry{{Source: "silent.wav"}}, entries...)
	s := build(t, "Flat", entries)
	if len(s.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(s.Sources))
	}
	if _, err := fingerprint.Build(context.Background(), testConfig("Flat"), nil); err == nil {
		t.Fatal("expected error for no vectors")
	}
}

func TestDB(t *testing.T) {
	var db fingerprint.DB
	if _, err := db.Search(make([]float32, dim), 1); !errors.Is(err, vecstore.ErrNotTrained) {
		t.Fatalf("empty DB: err = %v, want ErrNotTrained", err)
	}
	if _, err := db.Match([][]float32{make([]float32, dim)}, fingerprint.MatchOptions{}); !errors.Is(err, vecstore.ErrNotTrained) {
		t.Fatalf("empty DB match: err = %v, want ErrNotTrained", err)
	}

	entries := testEntries(2, 10, 4)
	first := build(t, "Flat", entries)
	second := build(t, "Flat", entries)
	if first.BuildID == second.BuildID {
		t.Fatal("rebuild reused BuildID")
	}

	if old := db.Swap(first); old != nil {
		t.Fatalf("first swap returned %v", old.BuildID)
	}
	if old := db.Swap(second); old != first {
		t.Fatal("swap did not return previous snapshot")
	}
	hits, err := db.Search(entries[0].Vectors[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].BuildID != second.BuildID {
		t.Fatal("hit carries stale BuildID")
	}
}

func TestRerank(t *testing.T) {
	entries := testEntries(2, 150, 5)
	s := build(t, "IVF4,PQ8", entries)
	q := entries[1].Vectors[3]
	hits, err := s.Search(q, 20)
	if err != nil {
		t.Fatal(err)
	}

	exact := make(map[int64][]float32)
	for _, h := range hits {
		i := 0
		if h.Source == entries[1].Source {
			i = 1
		}
		exact[h.ID] = entries[i].Vectors[h.Segment]
	}
	got, err := s.Rerank(q, hits, exact)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Source != entries[1].Source || got[0].Segment != 3 {
		t.Fatalf("top after rerank = %+v", got[0])
	}
	if math.Abs(float64(got[0].Score)-1) > 1e-5 {
		t.Fatalf("exact self score = %v, want 1", got[0].Score)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("rerank not sorted at %d", i)
		}
	}

	// Without exact vectors, reconstructions are used.
	if _, err := s.Rerank(q, hits, nil); err != nil {
		t.Fatal(err)
	}
}

func noisy(v []float32, rng *rand.Rand, amount float32) []float32 {
	out := make([]float32, len(v))
	n := unit(rng)
	for i := range v {
		out[i] = v[i] + amount*n[i]
	}
	return out
}

func TestMatch(t *testing.T) {
	entries := testEntries(3, 40, 6)
	s := build(t, "Flat", entries)
	rng := rand.New(rand.NewPCG(60, 61))

	var queries [][]float32
	for _, v := range entries[1].Vectors[10:20] {
		queries = append(queries, noisy(v, rng, 0.2))
	}
	res, err := s.Match(queries, fingerprint.MatchOptions{TopK: 5, FrameShiftMul: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != entries[1].Source {
		t.Fatalf("Source = %s, want %s", res.Source, entries[1].Source)
	}
	if res.Offset != 5*time.Second {
		t.Fatalf("Offset = %v, want 5s", res.Offset)
	}
	if len(res.Votes) < 8 {
		t.Fatalf("votes = %d, want most frames", len(res.Votes))
	}
	if res.SourceScores[entries[1].Source] != res.Score {
		t.Fatalf("source score %v != best %v", res.SourceScores[entries[1].Source], res.Score)
	}
	for name, sc := range res.SourceScores {
		if name != res.Source && sc >= res.Score {
			t.Fatalf("%s scored %v >= winner %v", name, sc, res.Score)
		}
	}
}

func TestMatchFrameShift(t *testing.T) {
	entries := testEntries(3, 40, 8)
	s := build(t, "Flat", entries)
	rng := rand.New(rand.NewPCG(80, 81))

	// Even frames align with segments 10.., odd frames are unrelated.
	var queries [][]float32
	for _, v := range entries[2].Vectors[10:18] {
		queries = append(queries, noisy(v, rng, 0.1), unit(rng))
	}
	res, err := s.Match(queries, fingerprint.MatchOptions{TopK: 3, FrameShiftMul: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != entries[2].Source || res.Offset != 5*time.Second {
		t.Fatalf("match = %s @ %v, want %s @ 5s", res.Source, res.Offset, entries[2].Source)
	}
}

func TestMatchNegativeOffset(t *testing.T) {
	entries := testEntries(2, 30, 9)
	s := build(t, "Flat", entries)
	rng := rand.New(rand.NewPCG(90, 91))

	queries := [][]float32{unit(rng), unit(rng)}
	queries = append(queries, entries[0].Vectors[:8]...)
	res, err := s.Match(queries, fingerprint.MatchOptions{TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != entries[0].Source || res.Offset != -time.Second {
		t.Fatalf("match = %s @ %v, want %s @ -1s", res.Source, res.Offset, entries[0].Source)
	}
}

func TestMatchExhaustive(t *testing.T) {
	entries := testEntries(2, 20, 10)
	s := build(t, "Flat", entries)
	res, err := s.Match(entries[1].Vectors[4:9], fingerprint.MatchOptions{TopK: -1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != entries[1].Source || res.Offset != 2*time.Second {
		t.Fatalf("match = %s @ %v", res.Source, res.Offset)
	}
	if math.Abs(float64(res.Score)-5) > 1e-4 {
		t.Fatalf("Score = %v, want 5", res.Score)
	}
	if _, err := s.Match(nil, fingerprint.MatchOptions{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestMatchExhaustiveVisitsAllLists(t *testing.T) {
	entries := testEntries(3, 120, 12)
	s := build(t, "IVF8,Flat", entries)
	s.Index.(*vecstore.IVF).SetNProbe(1)

	res, err := s.Match(entries[2].Vectors[30:36], fingerprint.MatchOptions{TopK: -1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != entries[2].Source || res.Offset != 15*time.Second {
		t.Fatalf("match = %s @ %v", res.Source, res.Offset)
	}
	// Every indexed vector votes, so every source is scored.
	if len(res.SourceScores) != len(entries) {
		t.Fatalf("scored %d sources, want %d", len(res.SourceScores), len(entries))
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	entries := testEntries(3, 120, 11)
	s := build(t, "IVF8_HNSW4,PQ8", entries)

	fs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := fingerprint.Save(ctx, fs, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, name := range []string{fingerprint.IndexFile, fingerprint.SourcesFile, fingerprint.ConfigFile} {
		if ok, _ := fs.Exists(ctx, name); !ok {
			t.Fatalf("%s not written", name)
		}
	}

	got, err := fingerprint.Load(ctx, fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BuildID != s.BuildID {
		t.Fatalf("BuildID = %v, want %v", got.BuildID, s.BuildID)
	}
	if len(got.Sources) != 3 || got.Sources[2].Start != 240 || got.Sources[2].Count != 120 {
		t.Fatalf("sources = %+v", got.Sources)
	}
	if got.Config.Model.D != dim || got.Config.Index.IndexFactory != s.Config.Index.IndexFactory {
		t.Fatalf("config not restored: %+v", got.Config.Index)
	}

	q := entries[1].Vectors[7]
	want, err := s.Search(q, 5)
	if err != nil {
		t.Fatal(err)
	}
	have, err := got.Search(q, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if want[i].ID != have[i].ID || want[i].Score != have[i].Score {
			t.Fatalf("hit %d: got %+v, want %+v", i, have[i], want[i])
		}
	}
}

func TestLoadMissing(t *testing.T) {
	fs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fingerprint.Load(context.Background(), fs); err == nil {
		t.Fatal("expected error for empty store")
	}
}

func TestSaveLoadWeights(t *testing.T) {
	ctx := context.Background()
	s := build(t, "Flat", testEntries(2, 10, 4))

	dir := t.TempDir()
	fs, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := fingerprint.Save(ctx, fs, s); err != nil {
		t.Fatal(err)
	}
	got, err := fingerprint.Load(ctx, fs)
	if err != nil {
		t.Fatal(err)
	}
	if got.Weights != nil {
		t.Fatalf("Weights = %d bytes, want none", len(got.Weights))
	}
	if err := got.CheckWeights([]byte("anything")); err != nil {
		t.Fatalf("CheckWeights without recorded weights: %v", err)
	}

	s.Weights = []byte{0x81, 0xa1, 'd', 0x10}
	if err := fingerprint.Save(ctx, fs, s); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fs.Exists(ctx, fingerprint.WeightsFile); !ok {
		t.Fatalf("%s not written", fingerprint.WeightsFile)
	}
	if got, err = fingerprint.Load(ctx, fs); err != nil {
		t.Fatal(err)
	}
	if string(got.Weights) != string(s.Weights) {
		t.Fatalf("Weights = %x, want %x", got.Weights, s.Weights)
	}
	if err := got.CheckWeights(s.Weights); err != nil {
		t.Fatalf("CheckWeights with build weights: %v", err)
	}
	if err := got.CheckWeights([]byte{0x81, 0xa1, 'd', 0x11}); !errors.Is(err, fingerprint.ErrModelMismatch) {
		t.Fatalf("CheckWeights = %v, want ErrModelMismatch", err)
	}
}
