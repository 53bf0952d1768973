// Package fingerprint maps embedding vectors to the audio they came from.
//
// A [Snapshot] pairs an ANN index from [vecstore] with the list of indexed
// sources. Vectors of one source occupy a contiguous ID range in segment
// order, so an ID resolves to (source, segment) by binary search and the
// segment resolves to a time offset through the hop size.
//
// Snapshots are immutable. A [DB] publishes the current snapshot behind an
// atomic pointer: rebuilding produces a new snapshot with a new BuildID and
// [DB.Swap] makes it visible to subsequent queries without blocking
// in-flight ones. Every [Hit] carries the BuildID of the snapshot that
// produced it.
package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/vecstore"
)

// Entry is the embedded form of one source: its vectors in segment order.
type Entry struct {
	Source  string
	Vectors [][]float32
}

// Source is one indexed clip. Its vectors have IDs [Start, Start+Count).
type Source struct {
	Name  string `msgpack:"name"`
	Start int64  `msgpack:"start"`
	Count int    `msgpack:"count"`
}

// Hit is a single search result resolved to its source.
type Hit struct {
	ID      int64
	Source  string
	Segment int
	Offset  time.Duration
	Score   float32
	BuildID uuid.UUID
}

// Snapshot is a built, read-only fingerprint index.
type Snapshot struct {
	BuildID uuid.UUID
	Config  *config.Config
	Index   vecstore.Index
	Sources []Source

	// Weights are the serialized model weights the vectors were embedded
	// with. Nil for a snapshot that does not record its model.
	Weights []byte
}

// ErrModelMismatch is returned when a model other than the one recorded in
// a snapshot is used to query it.
var ErrModelMismatch = errors.New("fingerprint: model weights differ from those the database was built with")

// CheckWeights reports whether weights are the ones s was built with. A
// snapshot without recorded weights accepts any model.
func (s *Snapshot) CheckWeights(weights []byte) error {
	if s.Weights == nil || bytes.Equal(s.Weights, weights) {
		return nil
	}
	return ErrModelMismatch
}

// Build trains and fills an index with every vector of entries. The
// quantizer sample is gathered up front from all vectors, capped at the
// factory's training size; encoding then runs in parallel.
func Build(ctx context.Context, cfg *config.Config, entries []Entry) (*Snapshot, error) {
	var (
		all     [][]float32
		sources []Source
	)
	for _, e := range entries {
		if len(e.Vectors) == 0 {
			continue
		}
		sources = append(sources, Source{Name: e.Source, Start: int64(len(all)), Count: len(e.Vectors)})
		all = append(all, e.Vectors...)
	}
	if len(all) == 0 {
		return nil, errors.New("fingerprint: no vectors to index")
	}

	spec, err := vecstore.ParseFactory(cfg.Index.IndexFactory)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	fitted := spec.Fit(len(all))
	if fitted != spec {
		slog.Warn("fingerprint: index factory reduced for dataset size",
			"factory", spec.String(), "fitted", fitted.String(), "vectors", len(all))
	}
	idx, err := vecstore.New(fitted, len(all[0]), vecstore.Options{
		NProbe:  cfg.Index.NProbe,
		Seed:    cfg.Seed,
		Workers: cfg.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	start := time.Now()
	if err := idx.Train(ctx, trainingSample(all, fitted.TrainingSize())); err != nil {
		return nil, fmt.Errorf("fingerprint: train: %w", err)
	}
	if err := idx.Add(ctx, all); err != nil {
		return nil, fmt.Errorf("fingerprint: add: %w", err)
	}

	s := &Snapshot{
		BuildID: uuid.New(),
		Config:  cfg.Clone(),
		Index:   idx,
		Sources: sources,
	}
	slog.Info("fingerprint: index built",
		"build_id", s.BuildID, "factory", fitted.String(),
		"vectors", len(all), "sources", len(sources), "elapsed", time.Since(start))
	return s, nil
}

// trainingSample returns at most n vectors spread evenly over all.
func trainingSample(all [][]float32, n int) [][]float32 {
	if len(all) <= n {
		return all
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = all[i*len(all)/n]
	}
	return out
}

// Len returns the number of indexed vectors.
func (s *Snapshot) Len() int { return s.Index.Len() }

// locate returns the index of the source owning id.
func (s *Snapshot) locate(id int64) (int, bool) {
	i := sort.Search(len(s.Sources), func(i int) bool {
		return s.Sources[i].Start+int64(s.Sources[i].Count) > id
	})
	if i == len(s.Sources) || id < s.Sources[i].Start {
		return 0, false
	}
	return i, true
}

// hop is the time between consecutive indexed segments.
func (s *Snapshot) hop() time.Duration {
	return time.Duration(s.Config.HopSize * float64(time.Second))
}

// Resolve maps a vector ID to its source and segment.
func (s *Snapshot) Resolve(id int64) (Source, int, error) {
	i, ok := s.locate(id)
	if !ok {
		return Source{}, 0, fmt.Errorf("fingerprint: id %d is not indexed", id)
	}
	src := s.Sources[i]
	return src, int(id - src.Start), nil
}

// Search returns the k nearest indexed segments to q.
func (s *Snapshot) Search(q []float32, k int) ([]Hit, error) {
	matches, err := s.Index.Search(q, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		h, err := s.hit(m.ID, m.Score)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *Snapshot) hit(id int64, score float32) (Hit, error) {
	src, seg, err := s.Resolve(id)
	if err != nil {
		return Hit{}, err
	}
	return Hit{
		ID:      id,
		Source:  src.Name,
		Segment: seg,
		Offset:  time.Duration(seg) * s.hop(),
		Score:   score,
		BuildID: s.BuildID,
	}, nil
}

// Rerank re-scores hits by exact inner product with q and sorts them by
// descending score. A vector in exact keyed by hit ID is used as is;
// otherwise the index reconstruction stands in for it.
func (s *Snapshot) Rerank(q []float32, hits []Hit, exact map[int64][]float32) ([]Hit, error) {
	out := make([]Hit, len(hits))
	for i, h := range hits {
		v, ok := exact[h.ID]
		if !ok {
			var err error
			if v, err = s.Index.Reconstruct(h.ID); err != nil {
				return nil, fmt.Errorf("fingerprint: rerank: %w", err)
			}
		}
		if len(v) != len(q) {
			return nil, fmt.Errorf("fingerprint: rerank: dimension mismatch: got %d, want %d", len(v), len(q))
		}
		h.Score = vecstore.Dot(q, v)
		out[i] = h
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DB serves queries from the current snapshot. The zero value is empty
// and ready to use.
type DB struct {
	cur atomic.Pointer[Snapshot]
}

// NewDB returns a DB serving s. A nil s yields an empty DB.
func NewDB(s *Snapshot) *DB {
	db := &DB{}
	if s != nil {
		db.cur.Store(s)
	}
	return db
}

// Current returns the snapshot being served, or nil.
func (db *DB) Current() *Snapshot { return db.cur.Load() }

// Swap publishes s and returns the previous snapshot.
func (db *DB) Swap(s *Snapshot) *Snapshot {
	old := db.cur.Swap(s)
	if old != nil && s != nil {
		slog.Info("fingerprint: snapshot swapped", "old", old.BuildID, "new", s.BuildID)
	}
	return old
}

func (db *DB) snapshot() (*Snapshot, error) {
	s := db.cur.Load()
	if s == nil {
		return nil, vecstore.ErrNotTrained
	}
	return s, nil
}

// Search queries the current snapshot. It returns [vecstore.ErrNotTrained]
// when nothing has been published.
func (db *DB) Search(q []float32, k int) ([]Hit, error) {
	s, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Search(q, k)
}

// Match runs the sequence matcher against the current snapshot.
func (db *DB) Match(queries [][]float32, opts MatchOptions) (*Result, error) {
	s, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Match(queries, opts)
}
