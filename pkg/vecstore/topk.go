package vecstore

import (
	"cmp"
	"container/heap"
	"slices"
)

// scoreHeap is a min-heap by score; the root is the weakest kept match.
type scoreHeap []Match

func (h scoreHeap) Len() int { return len(h) }
func (h scoreHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].ID > h[j].ID
}
func (h scoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x any)   { *h = append(*h, x.(Match)) }
func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best matches seen.
type topK struct {
	k int
	h scoreHeap
}

func newTopK(k int) *topK {
	return &topK{k: max(k, 0), h: make(scoreHeap, 0, max(k, 0))}
}

func (t *topK) push(id int64, score float32) {
	if t.k == 0 {
		return
	}
	m := Match{ID: id, Score: score}
	if len(t.h) < t.k {
		heap.Push(&t.h, m)
		return
	}
	if !(scoreHeap{t.h[0], m}).Less(0, 1) {
		return
	}
	t.h[0] = m
	heap.Fix(&t.h, 0)
}

// sorted returns the kept matches by descending score, ties by ascending
// ID.
func (t *topK) sorted() []Match {
	out := slices.Clone([]Match(t.h))
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
