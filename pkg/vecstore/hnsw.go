package vecstore

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sort"
)

// ---------------------------------------------------------------------------
// Internal priority-queue types for beam search
// ---------------------------------------------------------------------------

// distItem pairs a node ID with its distance to a query vector.
type distItem struct {
	id   uint32
	dist float32
}

// minDistHeap is a min-heap ordered by distance (closest first).
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// maxDistHeap is a max-heap ordered by distance (farthest first).
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// ---------------------------------------------------------------------------
// Graph
// ---------------------------------------------------------------------------

// hnswNode is one vector in the graph.
type hnswNode struct {
	vector  []float32
	level   int
	friends [][]uint32 // friends[layer] = neighbor IDs at that layer
}

// hnswGraph is a Hierarchical Navigable Small World graph under squared
// Euclidean distance. It serves as the coarse quantizer of an IVF index:
// nodes are centroids, inserted once after training, never deleted.
//
// Levels are drawn from a seeded generator so that the same centroids
// always yield the same graph. This lets a loaded index rebuild its graph
// instead of storing it.
type hnswGraph struct {
	m              int
	efConstruction int
	nodes          []*hnswNode
	entry          int32 // -1 if empty
	maxLevel       int
	levelMul       float64
	rng            *rand.Rand
}

func newHNSWGraph(m int, seed uint64) *hnswGraph {
	m = max(m, 2)
	return &hnswGraph{
		m:              m,
		efConstruction: 200,
		entry:          -1,
		levelMul:       1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// buildHNSW inserts vectors in order; node IDs equal their positions.
func buildHNSW(vectors [][]float32, m int, seed uint64) *hnswGraph {
	g := newHNSWGraph(m, seed)
	for _, v := range vectors {
		g.insert(v)
	}
	return g
}

// maxConns returns the maximum number of connections at the given layer.
// Layer 0 allows 2*M; higher layers allow M.
func (g *hnswGraph) maxConns(layer int) int {
	if layer == 0 {
		return g.m * 2
	}
	return g.m
}

func (g *hnswGraph) dist(q []float32, id uint32) float32 {
	return l2(q, g.nodes[id].vector)
}

// insert adds a vector and returns its ID.
func (g *hnswGraph) insert(vec []float32) uint32 {
	idx := uint32(len(g.nodes))
	level := g.randomLevel()
	nd := &hnswNode{vector: vec, level: level, friends: make([][]uint32, level+1)}
	g.nodes = append(g.nodes, nd)

	if g.entry < 0 {
		g.entry = int32(idx)
		g.maxLevel = level
		return idx
	}

	// Greedy descent through the layers above the new node's level.
	cur := g.greedy(vec, uint32(g.entry), g.maxLevel, level)

	// Beam search, neighbor selection and bidirectional linking at each
	// layer the new node lives on.
	ep := []uint32{cur}
	for lev := min(level, g.maxLevel); lev >= 0; lev-- {
		candidates := g.searchLayer(vec, ep, g.efConstruction, lev)
		maxC := g.maxConns(lev)
		neighbors := g.selectClosest(vec, candidates, maxC)
		nd.friends[lev] = neighbors

		for _, nID := range neighbors {
			nn := g.nodes[nID]
			nn.friends[lev] = append(nn.friends[lev], idx)
			if len(nn.friends[lev]) > maxC {
				nn.friends[lev] = g.selectClosest(nn.vector, nn.friends[lev], maxC)
			}
		}
		ep = candidates
	}

	if level > g.maxLevel {
		g.entry = int32(idx)
		g.maxLevel = level
	}
	return idx
}

// search returns up to k node IDs closest to query, closest first.
func (g *hnswGraph) search(query []float32, k, ef int) []uint32 {
	if g.entry < 0 || k <= 0 {
		return nil
	}
	ef = max(ef, k)
	cur := g.greedy(query, uint32(g.entry), g.maxLevel, 0)
	ids := g.searchLayer(query, []uint32{cur}, ef, 0)
	sort.Slice(ids, func(i, j int) bool {
		di, dj := g.dist(query, ids[i]), g.dist(query, ids[j])
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids
}

// greedy walks from cur down to layer stop+1, moving to the closest
// neighbor until no neighbor improves.
func (g *hnswGraph) greedy(q []float32, cur uint32, top, stop int) uint32 {
	curDist := g.dist(q, cur)
	for lev := top; lev > stop; lev-- {
		changed := true
		for changed {
			changed = false
			nd := g.nodes[cur]
			if lev >= len(nd.friends) {
				break
			}
			for _, fID := range nd.friends[lev] {
				if d := g.dist(q, fID); d < curDist {
					cur, curDist = fID, d
					changed = true
				}
			}
		}
	}
	return cur
}

// randomLevel draws a layer with P(level >= l) = exp(-l * ln(M)).
func (g *hnswGraph) randomLevel() int {
	r := max(g.rng.Float64(), math.SmallestNonzeroFloat64)
	return min(int(-math.Log(r)*g.levelMul), 31)
}

// searchLayer performs a beam search on a single layer, starting from the
// given entry points. It returns up to ef node IDs closest to the query.
func (g *hnswGraph) searchLayer(query []float32, entryPoints []uint32, ef int, layer int) []uint32 {
	visited := make(map[uint32]struct{}, ef*2)

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		if _, seen := visited[ep]; seen {
			continue
		}
		visited[ep] = struct{}{}
		d := g.dist(query, ep)
		heap.Push(&candidates, distItem{id: ep, dist: d})
		heap.Push(&results, distItem{id: ep, dist: d})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}
		nd := g.nodes[closest.id]
		if layer >= len(nd.friends) {
			continue
		}
		for _, fID := range nd.friends[layer] {
			if _, seen := visited[fID]; seen {
				continue
			}
			visited[fID] = struct{}{}
			d := g.dist(query, fID)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{id: fID, dist: d})
				heap.Push(&results, distItem{id: fID, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].id
	}
	return out
}

// selectClosest returns up to maxN IDs from candidates closest to query.
func (g *hnswGraph) selectClosest(query []float32, candidates []uint32, maxN int) []uint32 {
	if len(candidates) <= maxN {
		return append([]uint32(nil), candidates...)
	}
	items := make([]distItem, len(candidates))
	for i, cID := range candidates {
		items[i] = distItem{id: cID, dist: g.dist(query, cID)}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		return items[i].id < items[j].id
	})
	out := make([]uint32, maxN)
	for i := range out {
		out[i] = items[i].id
	}
	return out
}
