// Package vectorindex implements Cortex's VectorIndex component (spec
// §4.3): approximate nearest-neighbor search over node embeddings, with
// an exact brute-force fallback whenever the ANN structure has not been
// built yet.
package vectorindex

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	ErrDimensionMismatch = errors.New("vectorindex: embedding dimension mismatch")
	ErrNotFound          = errors.New("vectorindex: id not found")
)

// Meta carries the filterable attributes search needs without a round
// trip back to Storage.
type Meta struct {
	Kind        string
	SourceAgent string
}

// Filter narrows a search to a subset of the shadow map, matching spec
// §4.3's VectorFilter.
type Filter struct {
	Kinds       []string
	Exclude     map[string]bool
	SourceAgent string
}

func (f *Filter) allows(id string, m Meta) bool {
	if f == nil {
		return true
	}
	if f.Exclude != nil && f.Exclude[id] {
		return false
	}
	if f.SourceAgent != "" && m.SourceAgent != f.SourceAgent {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == m.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Result is one scored hit.
type Result struct {
	ID    string
	Score float64
}

// overFetchFactor controls how many raw candidates the ANN path pulls
// before a Filter whittles them down to k, spec §4.3's over-fetch rule.
const overFetchFactor = 10

// Index is the VectorIndex contract: a shadow map of raw vectors backing
// an optional ANN graph. Insert always updates the shadow map; it marks
// the ANN graph stale but leaves it in place and usable until Rebuild is
// called. Search falls back to an exact brute-force scan of the shadow
// map whenever the ANN graph has never been built, per spec §4.3.
type Index struct {
	mu        sync.RWMutex
	dimension int
	config    HNSWConfig
	shadow    map[string][]float32
	meta      map[string]Meta
	ann       *hnsw
	built     bool
}

// New returns an empty Index for vectors of the given dimension.
func New(dimension int, config HNSWConfig) *Index {
	return &Index{
		dimension: dimension,
		config:    config,
		shadow:    map[string][]float32{},
		meta:      map[string]Meta{},
	}
}

// Insert stores (or replaces) the embedding for id. It never touches the
// ANN graph directly; callers run Rebuild to fold new vectors into it.
func (idx *Index) Insert(id string, embedding []float32, m Meta) error {
	if idx.dimension > 0 && len(embedding) != idx.dimension {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(embedding), idx.dimension)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	idx.shadow[id] = cp
	idx.meta[id] = m
	return nil
}

// Remove deletes id from the shadow map. It does not prune the ANN
// graph; a stale ANN entry for a removed id is filtered out of search
// results by checking shadow-map membership.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.shadow, id)
	delete(idx.meta, id)
}

// Len reports how many vectors are currently held in the shadow map.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.shadow)
}

// Rebuild discards the current ANN graph and reconstructs it from the
// shadow map. No Cortex component calls it, on insert or on a schedule;
// callers decide when to rebuild (spec §4.3: no auto-rebuild threshold,
// see design decisions recorded in DESIGN.md).
func (idx *Index) Rebuild() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ann := newHNSW(idx.dimension, idx.config)
	for id, vec := range idx.shadow {
		ann.add(id, vec)
	}
	idx.ann = ann
	idx.built = true
	return nil
}

// Search returns the k highest-scoring matches for query, applying
// filter after over-fetching candidates from the ANN graph. If the ANN
// graph has never been built, Search runs an exact brute-force scan of
// the shadow map instead (spec §4.3 fallback rule).
func (idx *Index) Search(query []float32, k int, filter *Filter) ([]Result, error) {
	if idx.dimension > 0 && len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(query), idx.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.built || idx.ann == nil || idx.ann.size() == 0 {
		return idx.bruteForce(query, k, filter), nil
	}

	fetch := k * overFetchFactor
	if fetch < k {
		fetch = k
	}
	candidates := idx.ann.search(query, fetch)

	out := make([]Result, 0, k)
	for _, c := range candidates {
		if len(out) >= k {
			break
		}
		vec, ok := idx.shadow[c.id]
		if !ok {
			continue
		}
		m := idx.meta[c.id]
		if !filter.allows(c.id, m) {
			continue
		}
		out = append(out, Result{ID: c.id, Score: Score(CosineSimilarity(query, vec))})
	}
	return out, nil
}

// SearchThreshold returns every match scoring at or above threshold,
// unordered by a fixed k. It always brute-forces the shadow map: an ANN
// graph is tuned for top-k retrieval and cannot guarantee it surfaces
// every vector above an arbitrary threshold.
func (idx *Index) SearchThreshold(query []float32, threshold float64, filter *Filter) ([]Result, error) {
	if idx.dimension > 0 && len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(query), idx.dimension)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bruteForceThreshold(query, threshold, filter), nil
}

// SearchBatch runs Search independently for each query.
func (idx *Index) SearchBatch(queries [][]float32, k int, filter *Filter) ([][]Result, error) {
	out := make([][]Result, len(queries))
	for i, q := range queries {
		res, err := idx.Search(q, k, filter)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (idx *Index) bruteForce(query []float32, k int, filter *Filter) []Result {
	results := idx.bruteForceThreshold(query, -1, filter)
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func (idx *Index) bruteForceThreshold(query []float32, threshold float64, filter *Filter) []Result {
	out := make([]Result, 0, len(idx.shadow))
	for id, vec := range idx.shadow {
		if !filter.allows(id, idx.meta[id]) {
			continue
		}
		score := Score(CosineSimilarity(query, vec))
		if score >= threshold {
			out = append(out, Result{ID: id, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// persisted is the on-disk encoding for Save/Load: the shadow map and
// its metadata plus the dimension, but never the ANN graph itself —
// Load always starts unbuilt and relies on the fallback rule until the
// caller runs Rebuild.
type persisted struct {
	Dimension int
	Vectors   map[string][]float32
	Meta      map[string]Meta
}

// Save persists the shadow map to path. The ANN graph is not
// serialized; Load reconstructs an unbuilt Index and the caller decides
// when to Rebuild.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	snapshot := persisted{Dimension: idx.dimension, Vectors: idx.shadow, Meta: idx.meta}
	idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return fmt.Errorf("vectorindex: encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("vectorindex: create dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("vectorindex: write snapshot: %w", err)
	}
	return nil
}

// Load replaces the Index's shadow map with the contents of path. The
// ANN graph, if any, is discarded; callers should Rebuild after Load if
// they want ANN-accelerated search immediately.
func (idx *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vectorindex: read snapshot: %w", err)
	}
	var snapshot persisted
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snapshot); err != nil {
		return fmt.Errorf("vectorindex: decode snapshot: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dimension = snapshot.Dimension
	idx.shadow = snapshot.Vectors
	if idx.shadow == nil {
		idx.shadow = map[string][]float32{}
	}
	idx.meta = snapshot.Meta
	if idx.meta == nil {
		idx.meta = map[string]Meta{}
	}
	idx.ann = nil
	idx.built = false
	return nil
}
