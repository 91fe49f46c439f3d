package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// HNSWConfig tunes the approximate nearest-neighbor graph (spec §4.3).
type HNSWConfig struct {
	M               int     `yaml:"m"`
	EfConstruction  int     `yaml:"ef_construction"`
	EfSearch        int     `yaml:"ef_search"`
	LevelMultiplier float64 `yaml:"-"`
}

// DefaultHNSWConfig returns conventional HNSW tuning defaults, matching
// pkg/search/hnsw_index.go.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

type hnswNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// hnsw is a layered approximate nearest-neighbor graph over cosine
// distance.
type hnsw struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
}

func newHNSW(dimensions int, config HNSWConfig) *hnsw {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	return &hnsw{config: config, dimensions: dimensions, nodes: map[string]*hnswNode{}}
}

func (h *hnsw) add(id string, vec []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	normalized := Normalize(vec)
	level := h.randomLevel()

	node := &hnswNode{id: id, vector: normalized, level: level, neighbors: make([][]string, level+1)}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level
	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	top := level
	if epLevel < top {
		top = epLevel
	}
	for l := top; l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					merged := append(append([]string{}, neighbor.neighbors[l]...), id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, merged, h.config.M)
				}
			}
			neighbor.mu.Unlock()
		}
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
}

// search returns up to ef candidate (id, cosine) pairs nearest query,
// sorted descending by similarity.
func (h *hnsw) search(query []float32, ef int) []idScore {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil
	}

	normalized := Normalize(query)
	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, ef, 0)
	out := make([]idScore, 0, len(candidates))
	for _, id := range candidates {
		node := h.nodes[id]
		out = append(out, idScore{id: id, cosine: dot(normalized, node.vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cosine > out[j].cosine })
	return out
}

func (h *hnsw) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *hnsw) searchLayerSingle(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := 1.0 - dot(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			dist := 1.0 - dot(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

func (h *hnsw) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &distHeap{}
	heap.Init(candidates)
	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - dot(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			neighbor := h.nodes[neighborID]
			dist := 1.0 - dot(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

func (h *hnsw) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type scored struct {
		id   string
		dist float64
	}
	dists := make([]scored, len(candidates))
	for i, id := range candidates {
		dists[i] = scored{id: id, dist: 1.0 - dot(query, h.nodes[id].vector)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })
	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].id
	}
	return out
}

func (h *hnsw) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

type idScore struct {
	id     string
	cosine float64
}

type distItem struct {
	id    string
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }
func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}
func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}
