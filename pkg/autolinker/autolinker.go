// Package autolinker implements Cortex's AutoLinker (spec §4.7): a
// single-worker cursor-driven loop that discovers newly written or
// updated nodes, proposes edges for them via LinkRules, periodically
// runs decay and dedup, and persists its progress in Storage metadata
// so a restart resumes where it left off.
package autolinker

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/decay"
	"github.com/cortexdb/cortex/pkg/dedup"
	"github.com/cortexdb/cortex/pkg/embedding"
	"github.com/cortexdb/cortex/pkg/graph"
	"github.com/cortexdb/cortex/pkg/linkrules"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
)

const (
	metadataCursor     = "auto_linker_cursor"
	metadataCycleCount = "auto_linker_cycle_count"
)

// Config tunes one AutoLinker cycle (spec §4.7).
type Config struct {
	MaxNodesPerCycle        int           `yaml:"max_nodes_per_cycle"`
	MaxEdgesPerNode         int           `yaml:"max_edges_per_node"`
	MaxEdgesPerCycle        int           `yaml:"max_edges_per_cycle"`
	GenericContentThreshold int           `yaml:"generic_content_threshold"`
	DecayEveryNCycles       int           `yaml:"decay_every_n_cycles"`
	DedupEveryNCycles       int           `yaml:"dedup_every_n_cycles"`
	CycleInterval           time.Duration `yaml:"cycle_interval"`
	SimilaritySearchK       int           `yaml:"similarity_search_k"`
}

// DefaultConfig matches the cadence spec §4.7 implies for a background
// maintenance loop: small batches, frequent enough to keep up with
// ingestion, decay/dedup run far less often since both are O(graph).
func DefaultConfig() Config {
	return Config{
		MaxNodesPerCycle:        50,
		MaxEdgesPerNode:         10,
		MaxEdgesPerCycle:        200,
		GenericContentThreshold: 5,
		DecayEveryNCycles:       100,
		DedupEveryNCycles:       500,
		CycleInterval:           30 * time.Second,
		SimilaritySearchK:       100,
	}
}

// Metrics tracks AutoLinker's running and per-cycle counters (spec
// §4.7). The per-cycle counters are reset at the start of each cycle;
// the cumulative ones persist for the life of the AutoLinker.
type Metrics struct {
	Cycles              int64
	NodesProcessed      int64
	EdgesCreated        int64
	EdgesPruned         int64
	EdgesDeleted        int64
	DuplicatesFound     int64
	ContradictionsFound int64
	LastCycleDuration   time.Duration
	BacklogSize         int
}

// AutoLinker runs the cursor-driven background pipeline.
type AutoLinker struct {
	store        *store.Engine
	index        *vectorindex.Index
	embedder     embedding.Service
	rules        []linkrules.Rule
	decay        *decay.Engine
	dedup        *dedup.Scanner
	topology     *graph.Engine
	topologyRule linkrules.TopologyRule
	config       Config
	logger       *log.Logger

	mu         sync.Mutex
	metrics    Metrics
	cycleCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an AutoLinker. logger may be nil, in which case
// log.Default() is used. topology may be nil, in which case proposeForNode
// skips the topology rule entirely (e.g. in tests that don't need it);
// when set, it backs linkrules.DefaultTopologyRule() alongside rules.
func New(config Config, s *store.Engine, idx *vectorindex.Index, embedder embedding.Service, decayEngine *decay.Engine, dedupScanner *dedup.Scanner, rules []linkrules.Rule, topology *graph.Engine, logger *log.Logger) *AutoLinker {
	if logger == nil {
		logger = log.Default()
	}
	return &AutoLinker{
		store:        s,
		index:        idx,
		embedder:     embedder,
		rules:        rules,
		decay:        decayEngine,
		dedup:        dedupScanner,
		topology:     topology,
		topologyRule: linkrules.DefaultTopologyRule(),
		config:       config,
		logger:       logger,
	}
}

// Start launches the background loop in a goroutine. Call Stop to shut
// it down.
func (a *AutoLinker) Start() {
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.run()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (a *AutoLinker) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *AutoLinker) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunCycle(a.ctx, time.Now()); err != nil {
				a.logger.Printf("autolinker: cycle failed: %v", err)
			}
		}
	}
}

// Metrics returns a snapshot of the current counters.
func (a *AutoLinker) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// RunCycle executes one cycle synchronously, per spec §4.7's six steps.
// It is exported so callers (and tests) can drive AutoLinker without the
// background ticker.
func (a *AutoLinker) RunCycle(ctx context.Context, now time.Time) (Metrics, error) {
	start := time.Now()

	cursor, err := a.loadCursor()
	if err != nil {
		return Metrics{}, err
	}
	cycleCount, err := a.loadCycleCount()
	if err != nil {
		return Metrics{}, err
	}

	var cycle Metrics
	cycle.BacklogSize = 0

	candidates, err := a.dueNodes(cursor)
	if err != nil {
		return Metrics{}, err
	}
	cycle.BacklogSize = len(candidates)

	if len(candidates) > a.config.MaxNodesPerCycle {
		candidates = candidates[:a.config.MaxNodesPerCycle]
	}

	var proposals []linkrules.ProposedEdge
	newCursor := cursor

	for _, node := range candidates {
		select {
		case <-ctx.Done():
			return cycle, ctx.Err()
		default:
		}

		if err := a.ensureEmbedding(ctx, node); err != nil {
			return cycle, err
		}

		nodeProposals, contradictions, err := a.proposeForNode(node)
		if err != nil {
			return cycle, err
		}
		proposals = append(proposals, nodeProposals...)
		cycle.ContradictionsFound += int64(contradictions)
		cycle.NodesProcessed++

		if len(nodeProposals) >= a.config.GenericContentThreshold {
			a.logger.Printf("autolinker: node %s produced %d proposals (generic content threshold %d)", node.ID, len(nodeProposals), a.config.GenericContentThreshold)
		}

		if node.CreatedAt.After(newCursor) {
			newCursor = node.CreatedAt
		}
	}

	if len(proposals) > a.config.MaxEdgesPerCycle {
		proposals = proposals[:a.config.MaxEdgesPerCycle]
	}
	for _, p := range proposals {
		err := a.store.PutEdge(&store.Edge{
			ID: store.EdgeID(cortexid.New()), From: p.From, To: p.To, Relation: p.Relation, Weight: p.Weight, Provenance: p.Provenance,
		})
		if errors.Is(err, store.ErrDuplicateEdge) {
			cycle.DuplicatesFound++
			continue
		}
		if err != nil {
			return cycle, err
		}
		cycle.EdgesCreated++
	}

	cycleCount++
	if a.config.DecayEveryNCycles > 0 && cycleCount%int64(a.config.DecayEveryNCycles) == 0 {
		report, err := a.decay.Apply(ctx, now)
		if err != nil {
			return cycle, err
		}
		cycle.EdgesPruned += int64(report.Pruned)
		cycle.EdgesDeleted += int64(report.Deleted)
	}
	if a.config.DedupEveryNCycles > 0 && cycleCount%int64(a.config.DedupEveryNCycles) == 0 {
		actions, err := a.dedup.Scan(ctx)
		if err != nil {
			return cycle, err
		}
		for _, action := range actions {
			if err := a.dedup.Execute(action); err != nil {
				return cycle, err
			}
		}
	}

	cycle.LastCycleDuration = time.Since(start)
	cycle.Cycles = cycleCount

	if err := a.saveCursor(newCursor); err != nil {
		return cycle, err
	}
	if err := a.saveCycleCount(cycleCount); err != nil {
		return cycle, err
	}

	a.mu.Lock()
	a.metrics.Cycles = cycleCount
	a.metrics.NodesProcessed += cycle.NodesProcessed
	a.metrics.EdgesCreated += cycle.EdgesCreated
	a.metrics.EdgesPruned += cycle.EdgesPruned
	a.metrics.EdgesDeleted += cycle.EdgesDeleted
	a.metrics.DuplicatesFound += cycle.DuplicatesFound
	a.metrics.ContradictionsFound += cycle.ContradictionsFound
	a.metrics.LastCycleDuration = cycle.LastCycleDuration
	a.metrics.BacklogSize = cycle.BacklogSize
	a.mu.Unlock()

	return cycle, nil
}

func (a *AutoLinker) dueNodes(cursor time.Time) ([]*store.Node, error) {
	nodes, err := a.store.ListNodes(store.NodeFilter{Limit: 0})
	if err != nil {
		return nil, err
	}
	var due []*store.Node
	for _, n := range nodes {
		if n.CreatedAt.After(cursor) || n.UpdatedAt.After(cursor) {
			due = append(due, n)
		}
	}
	return due, nil
}

func (a *AutoLinker) ensureEmbedding(ctx context.Context, node *store.Node) error {
	if len(node.Embedding) > 0 {
		return nil
	}
	vec, err := a.embedder.Embed(ctx, node.Title+"\n"+node.Body)
	if err != nil {
		return err
	}
	node.Embedding = vec
	if err := a.store.PutNode(node); err != nil {
		return err
	}
	return a.index.Insert(string(node.ID), vec, vectorindex.Meta{Kind: node.Kind, SourceAgent: node.Source.Agent})
}

func (a *AutoLinker) proposeForNode(node *store.Node) ([]linkrules.ProposedEdge, int, error) {
	if len(node.Embedding) == 0 {
		return nil, 0, nil
	}

	existing := map[string]bool{}
	outgoing, err := a.store.EdgesFrom(node.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range outgoing {
		existing[string(e.To)+"|"+e.Relation] = true
	}

	results, err := a.index.Search(node.Embedding, a.config.SimilaritySearchK, nil)
	if err != nil {
		return nil, 0, err
	}

	var proposals []linkrules.ProposedEdge
	contradictions := 0

	for _, r := range results {
		if r.ID == string(node.ID) {
			continue
		}
		if len(proposals) >= a.config.MaxEdgesPerNode {
			break
		}

		neighbor, err := a.store.GetNode(store.NodeID(r.ID))
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, 0, err
		}

		for _, p := range linkrules.EvaluateAll(a.rules, node, neighbor, r.Score) {
			key := string(p.To) + "|" + p.Relation
			if existing[key] {
				continue
			}
			existing[key] = true
			proposals = append(proposals, *p)
			if len(proposals) >= a.config.MaxEdgesPerNode {
				break
			}
		}

		if c := linkrules.DetectContradiction(linkrules.DefaultConfig(), node, neighbor, r.Score); c != nil {
			contradictions++
			key := string(c.Edge.To) + "|" + c.Edge.Relation
			if !existing[key] && len(proposals) < a.config.MaxEdgesPerNode {
				existing[key] = true
				proposals = append(proposals, *c.Edge)
			}
		}

		if a.topology != nil {
			if p := a.evaluateTopology(node, neighbor); p != nil {
				key := string(p.To) + "|" + p.Relation
				if !existing[key] && len(proposals) < a.config.MaxEdgesPerNode {
					existing[key] = true
					proposals = append(proposals, *p)
				}
			}
		}
	}

	return proposals, contradictions, nil
}

// evaluateTopology scores node/neighbor's shared-neighbor structure and
// folds it into proposeForNode alongside linkrules.EvaluateAll. A scoring
// error is logged and treated as "no proposal" rather than failing the
// whole cycle, matching how a single bad search result is handled above.
func (a *AutoLinker) evaluateTopology(node, neighbor *store.Node) *linkrules.ProposedEdge {
	score, err := a.topology.Topology(node.ID, neighbor.ID)
	if err != nil {
		a.logger.Printf("autolinker: topology score for %s/%s failed: %v", node.ID, neighbor.ID, err)
		return nil
	}
	return a.topologyRule.EvaluateTopology(node, neighbor, score)
}

func (a *AutoLinker) loadCursor() (time.Time, error) {
	raw, ok, err := a.store.GetMetadata(metadataCursor)
	if err != nil {
		return time.Time{}, err
	}
	if !ok || len(raw) != 8 {
		return time.Time{}, nil
	}
	seconds := int64(binary.LittleEndian.Uint64(raw))
	return time.Unix(seconds, 0), nil
}

func (a *AutoLinker) saveCursor(t time.Time) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t.Unix()))
	return a.store.PutMetadata(metadataCursor, buf)
}

func (a *AutoLinker) loadCycleCount() (int64, error) {
	raw, ok, err := a.store.GetMetadata(metadataCycleCount)
	if err != nil {
		return 0, err
	}
	if !ok || len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

func (a *AutoLinker) saveCycleCount(count int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(count))
	return a.store.PutMetadata(metadataCycleCount, buf)
}
