// Package store — BadgerDB-backed implementation of the Storage contract.
// Transactional CRUD over a single-byte-table-prefix key encoding scheme,
// transaction-per-operation discipline, and diff-based secondary index
// maintenance on update. The schema (Node/Edge field set, index set,
// counters, schema versioning) is Cortex's own data model.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// currentSchemaVersion is written into meta["schema_version"] for every
// newly initialized database (spec §4.1 "Schema versioning").
const currentSchemaVersion = 1

const (
	metaSchemaVersion = "schema_version"
	metaNodeCount     = "stats:node_count"
	metaEdgeCount     = "stats:edge_count"
)

// Options configures Engine construction.
type Options struct {
	// DataDir is the directory BadgerDB stores its files in. Required
	// unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB with no on-disk files; data does not survive
	// process exit. Used by store.OpenInMemory for tests.
	InMemory bool

	// SyncWrites forces an fsync after every write transaction. Slower,
	// more durable.
	SyncWrites bool

	// Dimension is the fixed embedding width for this database (spec §3:
	// "D is fixed per database"). Nodes written with a different-length
	// embedding are rejected by PutNode once Dimension is nonzero.
	Dimension int
}

// Engine is the BadgerDB-backed Storage implementation (spec §4.1).
//
// All mutating operations run inside a single badger.Txn so that the
// primary table and every secondary index it touches commit atomically.
// Engine is safe for concurrent use: Badger serializes writers internally
// and readers never block on a writer (spec §5).
type Engine struct {
	db        *badger.DB
	dimension int

	mu     sync.RWMutex
	closed bool

	// version is an in-process counter bumped on every committed
	// mutation (spec §4.9: "graph_version, atomic counter owned by the
	// process"). It is not persisted — each process starts at zero —
	// since BriefingCache only needs it to detect staleness within its
	// own lifetime.
	version uint64
}

// Version returns the current graph version: the number of mutating
// operations (node/edge put or delete, including batched ones, counted
// once per call) committed since this Engine was opened.
func (e *Engine) Version() uint64 {
	return atomic.LoadUint64(&e.version)
}

func (e *Engine) bumpVersion() uint64 {
	return atomic.AddUint64(&e.version, 1)
}

// Open opens (creating if necessary) a Cortex database at opts.DataDir.
func Open(opts Options) (*Engine, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	if opts.SyncWrites {
		bopts = bopts.WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening cortex storage: %w", err)
	}

	eng := &Engine{db: db, dimension: opts.Dimension}
	if err := eng.ensureSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return eng, nil
}

// OpenInMemory opens a volatile in-memory database, for tests.
func OpenInMemory(dimension int) (*Engine, error) {
	return Open(Options{InMemory: true, Dimension: dimension})
}

func (e *Engine) ensureSchemaVersion() error {
	return e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaSchemaVersion))
		if err == badger.ErrKeyNotFound {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, currentSchemaVersion)
			return txn.Set(metaKey(metaSchemaVersion), buf)
		}
		if err != nil {
			return err
		}
		var version uint64
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: corrupt schema_version entry", ErrSerialization)
			}
			version = binary.LittleEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		if version < currentSchemaVersion {
			return fmt.Errorf("%w: database schema v%d is older than binary v%d, migration required", ErrSchemaMismatch, version, currentSchemaVersion)
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: database schema v%d is newer than binary v%d, binary outdated", ErrSchemaMismatch, version, currentSchemaVersion)
		}
		return nil
	})
}

// Close releases the underlying BadgerDB file handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Serialization
// ============================================================================

func encodeNode(n *Node) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &n, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func decodeEdge(data []byte) (*Edge, error) {
	var e Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &e, nil
}

// ============================================================================
// Counters (spec §4.1 "Counter maintenance")
// ============================================================================

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: corrupt counter", ErrSerialization)
		}
		v = int64(binary.LittleEndian.Uint64(val))
		return nil
	})
	return v, err
}

func writeCounter(txn *badger.Txn, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return txn.Set(key, buf)
}

func bumpCounter(txn *badger.Txn, key []byte, delta int64) error {
	cur, err := readCounter(txn, key)
	if err != nil {
		return err
	}
	return writeCounter(txn, key, cur+delta)
}

// ============================================================================
// Node operations
// ============================================================================

// PutNode validates and writes n, diff-updating the kind/tag/agent indexes
// against any prior version and bumping the node counter on first insert
// (spec §4.1 put_node).
func (e *Engine) PutNode(n *Node) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateNode(n); err != nil {
		return err
	}
	if e.dimension > 0 && n.Embedding != nil && len(n.Embedding) != e.dimension {
		return fmt.Errorf("%w: embedding dimension %d != %d", ErrValidation, len(n.Embedding), e.dimension)
	}

	err := e.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(n.ID)
		item, err := txn.Get(key)
		isInsert := err == badger.ErrKeyNotFound
		if err != nil && !isInsert {
			return err
		}

		var prior *Node
		if !isInsert {
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				prior, decodeErr = decodeNode(val)
				return decodeErr
			}); err != nil {
				return err
			}
			if err := diffDeleteNodeIndexes(txn, prior); err != nil {
				return err
			}
		}

		data, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := writeNodeIndexes(txn, n); err != nil {
			return err
		}

		if isInsert {
			return bumpCounter(txn, metaKey(metaNodeCount), 1)
		}
		return nil
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

func writeNodeIndexes(txn *badger.Txn, n *Node) error {
	if err := txn.Set(kindIndexKey(n.Kind, n.ID), []byte{}); err != nil {
		return err
	}
	for _, tag := range n.Tags {
		if err := txn.Set(tagIndexKey(tag, n.ID), []byte{}); err != nil {
			return err
		}
	}
	if n.Source.Agent != "" {
		if err := txn.Set(agentIndexKey(n.Source.Agent, n.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func diffDeleteNodeIndexes(txn *badger.Txn, n *Node) error {
	if err := txn.Delete(kindIndexKey(n.Kind, n.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	for _, tag := range n.Tags {
		if err := txn.Delete(tagIndexKey(tag, n.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	if n.Source.Agent != "" {
		if err := txn.Delete(agentIndexKey(n.Source.Agent, n.ID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// GetNode returns the node regardless of its Deleted flag; callers filter
// tombstones themselves (spec §4.1 get_node).
func (e *Engine) GetNode(id NodeID) (*Node, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var n *Node
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			n, decodeErr = decodeNode(val)
			return decodeErr
		})
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// DeleteNode soft-deletes a node: sets Deleted=true, bumps UpdatedAt, and
// decrements the node counter (spec §4.1 delete_node). Edges pointing at it
// are left in place; they fail re-validation the next time they are written
// through PutEdge/PutEdgesBatch. UpdateEdgeWeightAtomic does not re-check
// endpoints.
func (e *Engine) DeleteNode(id NodeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		var n *Node
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			n, decodeErr = decodeNode(val)
			return decodeErr
		}); err != nil {
			return err
		}
		if n.Deleted {
			return nil
		}
		n.Deleted = true
		n.UpdatedAt = time.Now()

		data, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return bumpCounter(txn, metaKey(metaNodeCount), -1)
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

// PurgeNode permanently removes a soft-deleted node and every edge
// touching it, for the retention sweep's hard-purge step (spec §3:
// tombstoned nodes are "optionally hard-purged"). It refuses to purge a
// node that hasn't gone through DeleteNode first, so a sweep can never
// destroy live data by mistake.
func (e *Engine) PurgeNode(id NodeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		var n *Node
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			n, decodeErr = decodeNode(val)
			return decodeErr
		}); err != nil {
			return err
		}
		if !n.Deleted {
			return fmt.Errorf("%w: node %s is not soft-deleted", ErrValidation, id)
		}

		if err := diffDeleteNodeIndexes(txn, n); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}

		for _, prefix := range [][]byte{edgesFromPrefix(id), edgesToPrefix(id)} {
			var edgeIDs []EdgeID
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				edgeIDs = append(edgeIDs, EdgeID(indexKeySuffix(it.Item().Key())))
			}
			it.Close()
			for _, eid := range edgeIDs {
				if err := deleteEdgeTxn(txn, eid); err != nil && err != ErrEdgeNotFound {
					return err
				}
			}
		}

		return nil
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

// ListNodes returns nodes matching filter, newest first (spec §4.1
// list_nodes). A Kind filter uses the kind index; otherwise this is a full
// table scan. Offset/limit apply after the deleted-node exclusion and the
// sort.
func (e *Engine) ListNodes(filter NodeFilter) ([]*Node, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Node
	err := e.db.View(func(txn *badger.Txn) error {
		var ids []NodeID
		if filter.Kind != "" {
			var err error
			ids, err = scanIndexIDs(txn, kindIndexPrefix(filter.Kind))
			if err != nil {
				return err
			}
		}

		collect := func(n *Node) error {
			if !filter.IncludeDeleted && n.Deleted {
				return nil
			}
			if filter.Tag != "" && !n.HasTag(filter.Tag) {
				return nil
			}
			if filter.SourceAgent != "" && n.Source.Agent != filter.SourceAgent {
				return nil
			}
			out = append(out, n)
			return nil
		}

		if ids != nil {
			for _, id := range ids {
				n, err := getNodeTxn(txn, id)
				if err != nil {
					return err
				}
				if err := collect(n); err != nil {
					return err
				}
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixNode}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n *Node
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				n, decodeErr = decodeNode(val)
				return decodeErr
			}); err != nil {
				return err
			}
			if err := collect(n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Node{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	var n *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		n, decodeErr = decodeNode(val)
		return decodeErr
	})
	return n, err
}

func scanIndexIDs(txn *badger.Txn, prefix []byte) ([]NodeID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []NodeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, NodeID(indexKeySuffix(it.Item().Key())))
	}
	return ids, nil
}

// CountNodes implements spec §4.1 count_nodes: a kind-only filter walks
// the kind index and skips soft-deleted nodes (whose index entries
// DeleteNode leaves in place); anything else materializes via ListNodes
// and counts.
func (e *Engine) CountNodes(filter NodeFilter) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if filter.Kind != "" && filter.Tag == "" && filter.SourceAgent == "" && !filter.IncludeDeleted {
		var count int64
		err := e.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			prefix := kindIndexPrefix(filter.Kind)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				n, err := getNodeTxn(txn, NodeID(indexKeySuffix(it.Item().Key())))
				if err == ErrNodeNotFound {
					continue
				}
				if err != nil {
					return err
				}
				if !n.Deleted {
					count++
				}
			}
			return nil
		})
		return count, err
	}

	nodes, err := e.ListNodes(NodeFilter{Kind: filter.Kind, Tag: filter.Tag, SourceAgent: filter.SourceAgent, IncludeDeleted: filter.IncludeDeleted})
	if err != nil {
		return 0, err
	}
	return int64(len(nodes)), nil
}

// ============================================================================
// Edge operations
// ============================================================================

// PutEdge validates e, verifies both endpoints exist and are alive, rejects
// a duplicate (From,To,Relation) triple, writes the edge, and maintains the
// edges_by_from/to indexes plus the edge counter — all in one transaction
// (spec §4.1 put_edge).
func (e *Engine) PutEdge(edge *Edge) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateEdgeShape(edge); err != nil {
		return err
	}

	err := e.db.Update(func(txn *badger.Txn) error {
		from, err := getNodeTxn(txn, edge.From)
		if err != nil {
			if err == ErrNodeNotFound {
				return fmt.Errorf("%w: from node %s missing", ErrInvalidEdge, edge.From)
			}
			return err
		}
		if from.Deleted {
			return fmt.Errorf("%w: from node %s deleted", ErrInvalidEdge, edge.From)
		}
		to, err := getNodeTxn(txn, edge.To)
		if err != nil {
			if err == ErrNodeNotFound {
				return fmt.Errorf("%w: to node %s missing", ErrInvalidEdge, edge.To)
			}
			return err
		}
		if to.Deleted {
			return fmt.Errorf("%w: to node %s deleted", ErrInvalidEdge, edge.To)
		}

		dupID, err := findEdgeTriple(txn, edge.From, edge.To, edge.Relation)
		if err != nil {
			return err
		}
		if dupID != "" && dupID != edge.ID {
			return fmt.Errorf("%w: from=%s to=%s relation=%s", ErrDuplicateEdge, edge.From, edge.To, edge.Relation)
		}

		_, existsErr := txn.Get(edgeKey(edge.ID))
		isInsert := existsErr == badger.ErrKeyNotFound

		data, err := encodeEdge(edge)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(edgesFromKey(edge.From, edge.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(edgesToKey(edge.To, edge.ID), []byte{}); err != nil {
			return err
		}
		if isInsert {
			return bumpCounter(txn, metaKey(metaEdgeCount), 1)
		}
		return nil
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

// findEdgeTriple scans the outgoing index of `from` for a live edge with
// the given (to, relation), returning its id or "" if none exists.
func findEdgeTriple(txn *badger.Txn, from, to NodeID, relation string) (EdgeID, error) {
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := edgesFromPrefix(from)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id := EdgeID(indexKeySuffix(it.Item().Key()))
		item, err := txn.Get(edgeKey(id))
		if err == badger.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		var edge *Edge
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = decodeEdge(val)
			return decodeErr
		}); err != nil {
			return "", err
		}
		if edge.To == to && edge.Relation == relation {
			return id, nil
		}
	}
	return "", nil
}

// GetEdge returns the edge with the given id.
func (e *Engine) GetEdge(id EdgeID) (*Edge, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var edge *Edge
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrEdgeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = decodeEdge(val)
			return decodeErr
		})
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// DeleteEdge removes an edge and its adjacency index entries (spec §3:
// edges are never soft-deleted).
func (e *Engine) DeleteEdge(id EdgeID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeTxn(txn, id)
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

func deleteEdgeTxn(txn *badger.Txn, id EdgeID) error {
	item, err := txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return ErrEdgeNotFound
	}
	if err != nil {
		return err
	}
	var edge *Edge
	if err := item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	}); err != nil {
		return err
	}
	if err := txn.Delete(edgesFromKey(edge.From, id)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(edgesToKey(edge.To, id)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(edgeKey(id)); err != nil {
		return err
	}
	return bumpCounter(txn, metaKey(metaEdgeCount), -1)
}

// EdgesFrom returns all edges with From == id.
func (e *Engine) EdgesFrom(id NodeID) ([]*Edge, error) {
	return e.edgesByIndex(edgesFromPrefix(id))
}

// EdgesTo returns all edges with To == id.
func (e *Engine) EdgesTo(id NodeID) ([]*Edge, error) {
	return e.edgesByIndex(edgesToPrefix(id))
}

func (e *Engine) edgesByIndex(prefix []byte) ([]*Edge, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Edge
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := EdgeID(indexKeySuffix(it.Item().Key()))
			item, err := txn.Get(edgeKey(id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var edge *Edge
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				edge, decodeErr = decodeEdge(val)
				return decodeErr
			}); err != nil {
				return err
			}
			out = append(out, edge)
		}
		return nil
	})
	return out, err
}

// EdgesBetween returns the live edges from a to b (spec invariant: at most
// one per relation, but callers iterate the relation dimension themselves).
func (e *Engine) EdgesBetween(a, b NodeID) ([]*Edge, error) {
	from, err := e.EdgesFrom(a)
	if err != nil {
		return nil, err
	}
	var out []*Edge
	for _, edge := range from {
		if edge.To == b {
			out = append(out, edge)
		}
	}
	return out, nil
}

// UpdateEdgeWeightAtomic locates the live edge (from,to,relation), applies
// fn to its weight, and writes it back in a single transaction, returning
// (old, new) (spec §4.1 update_edge_weight_atomic).
func (e *Engine) UpdateEdgeWeightAtomic(from, to NodeID, relation string, fn func(old float64) float64) (old, new float64, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, 0, err
	}
	err = e.db.Update(func(txn *badger.Txn) error {
		id, ferr := findEdgeTriple(txn, from, to, relation)
		if ferr != nil {
			return ferr
		}
		if id == "" {
			return ErrEdgeNotFound
		}
		item, gerr := txn.Get(edgeKey(id))
		if gerr != nil {
			return gerr
		}
		var edge *Edge
		if verr := item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = decodeEdge(val)
			return decodeErr
		}); verr != nil {
			return verr
		}
		old = edge.Weight
		new = fn(old)
		edge.Weight = new
		edge.UpdatedAt = time.Now()
		data, eerr := encodeEdge(edge)
		if eerr != nil {
			return eerr
		}
		return txn.Set(edgeKey(id), data)
	})
	if err == nil {
		e.bumpVersion()
	}
	return old, new, err
}

// ============================================================================
// Batch operations (spec §4.1 put_nodes_batch/put_edges_batch)
// ============================================================================

// PutNodesBatch validates every node first, then applies all writes in one
// transaction — observationally equivalent to sequential PutNode calls
// (spec §8 round-trip property), but touches disk once.
func (e *Engine) PutNodesBatch(nodes []*Node) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := validateNode(n); err != nil {
			return err
		}
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, n := range nodes {
			key := nodeKey(n.ID)
			item, err := txn.Get(key)
			isInsert := err == badger.ErrKeyNotFound
			if err != nil && !isInsert {
				return err
			}
			if !isInsert {
				var prior *Node
				if err := item.Value(func(val []byte) error {
					var decodeErr error
					prior, decodeErr = decodeNode(val)
					return decodeErr
				}); err != nil {
					return err
				}
				if err := diffDeleteNodeIndexes(txn, prior); err != nil {
					return err
				}
			}
			data, err := encodeNode(n)
			if err != nil {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			if err := writeNodeIndexes(txn, n); err != nil {
				return err
			}
			if isInsert {
				if err := bumpCounter(txn, metaKey(metaNodeCount), 1); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

// PutEdgesBatch is the edge analogue of PutNodesBatch.
func (e *Engine) PutEdgesBatch(edges []*Edge) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	for _, edge := range edges {
		if err := validateEdgeShape(edge); err != nil {
			return err
		}
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, edge := range edges {
			from, err := getNodeTxn(txn, edge.From)
			if err != nil {
				if err == ErrNodeNotFound {
					return fmt.Errorf("%w: from node %s missing", ErrInvalidEdge, edge.From)
				}
				return err
			}
			if from.Deleted {
				return fmt.Errorf("%w: from node %s deleted", ErrInvalidEdge, edge.From)
			}
			to, err := getNodeTxn(txn, edge.To)
			if err != nil {
				if err == ErrNodeNotFound {
					return fmt.Errorf("%w: to node %s missing", ErrInvalidEdge, edge.To)
				}
				return err
			}
			if to.Deleted {
				return fmt.Errorf("%w: to node %s deleted", ErrInvalidEdge, edge.To)
			}
			dupID, err := findEdgeTriple(txn, edge.From, edge.To, edge.Relation)
			if err != nil {
				return err
			}
			if dupID != "" && dupID != edge.ID {
				return fmt.Errorf("%w: from=%s to=%s relation=%s", ErrDuplicateEdge, edge.From, edge.To, edge.Relation)
			}
			_, existsErr := txn.Get(edgeKey(edge.ID))
			isInsert := existsErr == badger.ErrKeyNotFound

			data, err := encodeEdge(edge)
			if err != nil {
				return err
			}
			if err := txn.Set(edgeKey(edge.ID), data); err != nil {
				return err
			}
			if err := txn.Set(edgesFromKey(edge.From, edge.ID), []byte{}); err != nil {
				return err
			}
			if err := txn.Set(edgesToKey(edge.To, edge.ID), []byte{}); err != nil {
				return err
			}
			if isInsert {
				if err := bumpCounter(txn, metaKey(metaEdgeCount), 1); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		e.bumpVersion()
	}
	return err
}

// ============================================================================
// Metadata KV (spec §4.1 put_metadata/get_metadata — cursors, counters,
// schema version, briefing graph-version and autolinker cursor all live
// here)
// ============================================================================

// PutMetadata stores an opaque value under key in the meta table.
func (e *Engine) PutMetadata(key string, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), value)
	})
}

// GetMetadata returns the value for key, or (nil, false) if absent.
func (e *Engine) GetMetadata(key string) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	var out []byte
	found := true
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err == badger.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// ============================================================================
// Stats & snapshot
// ============================================================================

// Stats returns node/edge counts from the maintained counters plus
// per-kind/per-relation breakdowns and oldest/newest node timestamps from a
// scan (spec §4.1 stats()).
func (e *Engine) Stats() (*Stats, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	st := &Stats{NodesByKind: map[string]int64{}, EdgesByRel: map[string]int64{}}

	err := e.db.View(func(txn *badger.Txn) error {
		nc, err := readCounter(txn, metaKey(metaNodeCount))
		if err != nil {
			return err
		}
		ec, err := readCounter(txn, metaKey(metaEdgeCount))
		if err != nil {
			return err
		}
		st.NodeCount, st.EdgeCount = nc, ec

		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixNode}); it.ValidForPrefix([]byte{prefixNode}); it.Next() {
			var n *Node
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				n, decodeErr = decodeNode(val)
				return decodeErr
			}); err != nil {
				return err
			}
			if n.Deleted {
				continue
			}
			st.NodesByKind[n.Kind]++
			if st.OldestNode.IsZero() || n.CreatedAt.Before(st.OldestNode) {
				st.OldestNode = n.CreatedAt
			}
			if n.CreatedAt.After(st.NewestNode) {
				st.NewestNode = n.CreatedAt
			}
		}

		it2 := txn.NewIterator(opts)
		defer it2.Close()
		for it2.Seek([]byte{prefixEdge}); it2.ValidForPrefix([]byte{prefixEdge}); it2.Next() {
			var edge *Edge
			if err := it2.Item().Value(func(val []byte) error {
				var decodeErr error
				edge, decodeErr = decodeEdge(val)
				return decodeErr
			}); err != nil {
				return err
			}
			st.EdgesByRel[edge.Relation]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsm, vlog := e.db.Size()
	st.OnDiskBytesLSM, st.OnDiskBytesVlog = lsm, vlog
	return st, nil
}

// Snapshot copies the database to path via BadgerDB's backup stream,
// approximating the "atomic file copy" of spec §4.1.
func (e *Engine) Snapshot(path string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := e.db.Backup(&buf, 0); err != nil {
		return fmt.Errorf("backing up storage: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}
