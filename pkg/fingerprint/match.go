package fingerprint

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/vecstore"
)

// maxValidScore bounds the inner product of two unit vectors with some
// slack for quantization error. Search results above it are padding.
const maxValidScore = 2

// MatchOptions tune the sequence matcher.
type MatchOptions struct {
	// TopK is the number of neighbors retrieved per query frame. Zero or
	// negative ranks every indexed vector, visiting all inverted lists.
	TopK int

	// FrameShiftMul is how many query frames fall within one index hop.
	// Query frames are cut at hop/FrameShiftMul. Default: 1.
	FrameShiftMul int
}

// MatchOptionsFromConfig reads the matcher options from the indexer
// section.
func MatchOptionsFromConfig(c *config.Config) MatchOptions {
	return MatchOptions{TopK: c.Index.TopK, FrameShiftMul: c.Index.FrameShiftMul}
}

// Vote is one per-frame hit supporting a candidate alignment.
type Vote struct {
	Frame   int
	Segment int
	Score   float32
}

// Result is the outcome of matching one query.
type Result struct {
	// Source is the best matching source.
	Source string

	// Offset is where the query starts within Source. It can be negative
	// when the query begins before the indexed audio.
	Offset time.Duration

	// Score is the summed inner product over the aligned frames.
	Score float32

	// Votes are the per-frame hits that proposed the winning alignment.
	Votes []Vote

	// SourceScores holds the best alignment score of every source that
	// received at least one vote.
	SourceScores map[string]float32

	BuildID uuid.UUID
}

type alignment struct {
	source int
	dt     int64
}

// Match identifies which source a sequence of query embeddings comes from
// and where it starts.
//
// Every query frame votes for (source, dt) pairs, where dt is the start of
// the query in query-frame units implied by each of its neighbors. Each
// proposed alignment is then rescored by summing the inner products of all
// query frames with the reconstructed source vectors they align to; with
// FrameShiftMul > 1 the query frames are split into FrameShiftMul phases
// and the best phase wins.
func (s *Snapshot) Match(queries [][]float32, opts MatchOptions) (*Result, error) {
	if len(queries) == 0 {
		return nil, errors.New("fingerprint: empty query")
	}
	n := max(opts.FrameShiftMul, 1)

	var order []alignment
	votes := make(map[alignment][]Vote)
	for t, q := range queries {
		var (
			matches []vecstore.Match
			err     error
		)
		if opts.TopK > 0 {
			matches, err = s.Index.Search(q, opts.TopK)
		} else {
			matches, err = vecstore.SearchAll(s.Index, q)
		}
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.Score > maxValidScore {
				break
			}
			i, ok := s.locate(m.ID)
			if !ok {
				return nil, fmt.Errorf("fingerprint: id %d is not indexed", m.ID)
			}
			seg := int(m.ID - s.Sources[i].Start)
			a := alignment{source: i, dt: int64(seg)*int64(n) - int64(t)}
			if _, ok := votes[a]; !ok {
				order = append(order, a)
			}
			votes[a] = append(votes[a], Vote{Frame: t, Segment: seg, Score: m.Score})
		}
	}
	if len(order) == 0 {
		return nil, errors.New("fingerprint: no candidates")
	}
	slices.SortFunc(order, func(a, b alignment) int {
		if c := cmp.Compare(a.source, b.source); c != 0 {
			return c
		}
		return cmp.Compare(a.dt, b.dt)
	})

	r := &rescorer{s: s, queries: queries, n: n, recon: make(map[int64][]float32)}
	res := &Result{SourceScores: make(map[string]float32), BuildID: s.BuildID}
	var (
		best      alignment
		bestScore = float32(math.Inf(-1))
	)
	for _, a := range order {
		score, err := r.score(a)
		if err != nil {
			return nil, err
		}
		name := s.Sources[a.source].Name
		if prev, ok := res.SourceScores[name]; !ok || score > prev {
			res.SourceScores[name] = score
		}
		// Ties go to the later alignment.
		if score >= bestScore {
			best, bestScore = a, score
		}
	}

	res.Source = s.Sources[best.source].Name
	res.Score = bestScore
	res.Votes = votes[best]
	res.Offset = time.Duration(float64(best.dt) / float64(n) * s.Config.HopSize * float64(time.Second))
	return res, nil
}

// rescorer sums aligned inner products, caching reconstructions across
// candidates of one query.
type rescorer struct {
	s       *Snapshot
	queries [][]float32
	n       int
	recon   map[int64][]float32
}

func (r *rescorer) vector(id int64) ([]float32, error) {
	if v, ok := r.recon[id]; ok {
		return v, nil
	}
	v, err := r.s.Index.Reconstruct(id)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: reconstruct %d: %w", id, err)
	}
	r.recon[id] = v
	return v, nil
}

// score aligns query frame j*n+phase with source segment first+j, where
// first is dt/n rounded up, and returns the best phase sum.
func (r *rescorer) score(a alignment) (float32, error) {
	src := r.s.Sources[a.source]
	n := int64(r.n)
	queryLen := (int64(len(r.queries))-1)/n + 1
	first := floorDiv(a.dt-1, n) + 1
	lo := max(first, 0)
	hi := min(first+queryLen, int64(src.Count))

	best := float32(math.Inf(-1))
	for phase := range n {
		var sum float32
		for seg := lo; seg < hi; seg++ {
			qi := (seg-first)*n + phase
			if qi >= int64(len(r.queries)) {
				continue
			}
			v, err := r.vector(src.Start + seg)
			if err != nil {
				return 0, err
			}
			sum += vecstore.Dot(r.queries[qi], v)
		}
		best = max(best, sum)
	}
	return best, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
