// Package briefing implements Cortex's BriefingEngine (spec §4.9): a
// structured per-agent context snapshot assembled from the agent's own
// graph node, its neighborhood, and a HybridSearch pass over its recent
// activity, rendered as Markdown or a denser compact form and cached by
// (agent_id, graph_version).
package briefing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cortexdb/cortex/pkg/graph"
	"github.com/cortexdb/cortex/pkg/hybridsearch"
	"github.com/cortexdb/cortex/pkg/store"
)

// Config tunes BriefingEngine.Generate (spec §4.9).
type Config struct {
	MinImportance      float64       `yaml:"min_importance"`
	MaxItemsPerSection int           `yaml:"max_items_per_section"`
	MaxTotalItems      int           `yaml:"max_total_items"`
	RecentWindow       time.Duration `yaml:"recent_window"`
	MaxChars           int           `yaml:"max_chars"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries    int           `yaml:"cache_max_entries"`
	AgentScanLimit     int           `yaml:"agent_scan_limit"`
}

// DefaultConfig matches the values spec §4.9 names or implies.
func DefaultConfig() Config {
	return Config{
		MinImportance:      0.2,
		MaxItemsPerSection: 10,
		MaxTotalItems:      40,
		RecentWindow:       24 * time.Hour,
		MaxChars:           4000,
		CacheTTL:           5 * time.Minute,
		CacheMaxEntries:    256,
		AgentScanLimit:     50,
	}
}

// Section is one named, ordered group of nodes in a Briefing.
type Section struct {
	Name  string
	Nodes []*store.Node
}

// Briefing is BriefingEngine's output for one agent at one graph version.
type Briefing struct {
	AgentID      string
	GraphVersion uint64
	Generated    time.Time
	Cached       bool
	Sections     []Section
}

// Engine generates and caches Briefings.
type Engine struct {
	store  *store.Engine
	graph  *graph.Engine
	hybrid *hybridsearch.Service
	config Config
	cache  *Cache
}

// New returns an Engine bound to s, g, and hybrid (hybrid may be nil, in
// which case Active Context falls back to the raw recent-nodes list).
func New(config Config, s *store.Engine, g *graph.Engine, hybrid *hybridsearch.Service) *Engine {
	return &Engine{
		store:  s,
		graph:  g,
		hybrid: hybrid,
		config: config,
		cache:  NewCache(config.CacheMaxEntries, config.CacheTTL),
	}
}

const (
	relationAppliesTo   = "applies_to"
	relationInstanceOf  = "instance_of"
	relationContradicts = "contradicts"
	kindPreference      = "preference"
	kindFact            = "fact"
	kindPattern         = "pattern"
	kindGoal            = "goal"
	kindEvent           = "event"
	kindDecision        = "decision"
	kindAgent           = "agent"
)

// Generate produces (or returns from cache) the Briefing for agentID.
func (e *Engine) Generate(ctx context.Context, agentID string) (*Briefing, error) {
	version := e.store.Version()
	if cached, ok := e.cache.Get(agentID, version); ok {
		clone := *cached
		clone.Cached = true
		return &clone, nil
	}

	agentNode, err := e.resolveAgent(agentID)
	if err != nil {
		return nil, err
	}

	seen := map[store.NodeID]bool{}
	var sections []Section

	if agentNode != nil {
		seen[agentNode.ID] = true
		sections = append(sections, e.identitySection(agentNode, seen))
		sections = append(sections, e.traversalSection("Patterns", agentNode.ID, 2,
			[]string{relationAppliesTo, relationInstanceOf}, []string{kindPattern}, seen))
		sections = append(sections, e.traversalSection("Goals", agentNode.ID, 2, nil, []string{kindGoal}, seen))
		sections = append(sections, e.contradictionsSection(agentNode.ID, seen))
	} else {
		sections = append(sections, e.fallbackKindSection("Patterns", kindPattern, seen))
		sections = append(sections, e.fallbackKindSection("Goals", kindGoal, seen))
		sections = append(sections, e.fallbackKindSection("Key Decisions", kindDecision, seen))
	}

	activeSection, err := e.activeContextSection(ctx, agentID, agentNode, seen)
	if err != nil {
		return nil, err
	}
	sections = append(sections, activeSection)
	sections = append(sections, e.recentEventsSection(agentID, seen))

	sections = applyRanking(sections, e.config)
	sections = enforceLimits(sections, e.config)

	b := &Briefing{
		AgentID:   agentID,
		Generated: time.Now(),
		Sections:  sections,
	}

	// bumpAccessCounts itself advances graph_version (it's a node write
	// like any other), so the version cached against must be read after
	// it runs: that's the version the NEXT Generate call will observe.
	if err := e.bumpAccessCounts(b); err != nil {
		return nil, err
	}
	b.GraphVersion = e.store.Version()

	e.cache.Put(agentID, b.GraphVersion, b)
	return b, nil
}

// resolveAgent finds the agent's own graph node (spec §4.9 step 2): by
// source agent, else by lowercased tag, else a bounded title substring
// scan.
func (e *Engine) resolveAgent(agentID string) (*store.Node, error) {
	bySource, err := e.store.ListNodes(store.NodeFilter{Kind: kindAgent, SourceAgent: agentID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(bySource) > 0 {
		return bySource[0], nil
	}

	byTag, err := e.store.ListNodes(store.NodeFilter{Kind: kindAgent, Tag: strings.ToLower(agentID), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(byTag) > 0 {
		return byTag[0], nil
	}

	scanned, err := e.store.ListNodes(store.NodeFilter{Kind: kindAgent, Limit: e.config.AgentScanLimit})
	if err != nil {
		return nil, err
	}
	lowered := strings.ToLower(agentID)
	for _, n := range scanned {
		if strings.Contains(strings.ToLower(n.Title), lowered) {
			return n, nil
		}
	}
	return nil, nil
}

func (e *Engine) identitySection(agentNode *store.Node, seen map[store.NodeID]bool) Section {
	sub, err := e.graph.Traverse(graph.Request{
		Start:          []store.NodeID{agentNode.ID},
		MaxDepth:       1,
		Direction:      graph.Both,
		Strategy:       graph.Bfs,
		RelationFilter: []string{relationAppliesTo},
		KindFilter:     []string{kindPreference, kindFact},
	})
	nodes := []*store.Node{agentNode}
	if err == nil {
		nodes = append(nodes, dedupedNodes(sub, agentNode.ID, seen)...)
	}
	seen[agentNode.ID] = true
	return Section{Name: "Identity & Preferences", Nodes: nodes}
}

func (e *Engine) traversalSection(name string, start store.NodeID, depth int, relations, kinds []string, seen map[store.NodeID]bool) Section {
	sub, err := e.graph.Traverse(graph.Request{
		Start:          []store.NodeID{start},
		MaxDepth:       depth,
		Direction:      graph.Both,
		Strategy:       graph.Bfs,
		RelationFilter: relations,
		KindFilter:     kinds,
	})
	if err != nil {
		return Section{Name: name}
	}
	return Section{Name: name, Nodes: dedupedNodes(sub, start, seen)}
}

// contradictionsSection traverses depth 3 over all relations, then keeps
// only nodes appearing as either endpoint of a contradicts edge in the
// returned subgraph (spec §4.9: surfaces regardless of importance).
func (e *Engine) contradictionsSection(start store.NodeID, seen map[store.NodeID]bool) Section {
	sub, err := e.graph.Traverse(graph.Request{
		Start:     []store.NodeID{start},
		MaxDepth:  3,
		Direction: graph.Both,
		Strategy:  graph.Bfs,
	})
	if err != nil {
		return Section{Name: "Unresolved Contradictions"}
	}

	involved := map[store.NodeID]bool{}
	for _, edge := range sub.Edges {
		if edge.Relation == relationContradicts {
			involved[edge.From] = true
			involved[edge.To] = true
		}
	}

	var nodes []*store.Node
	for id := range involved {
		if seen[id] {
			continue
		}
		if n, ok := sub.Nodes[id]; ok {
			nodes = append(nodes, n)
			seen[id] = true
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return Section{Name: "Unresolved Contradictions", Nodes: nodes}
}

func (e *Engine) fallbackKindSection(name, kind string, seen map[store.NodeID]bool) Section {
	nodes, err := e.store.ListNodes(store.NodeFilter{Kind: kind})
	if err != nil {
		return Section{Name: name}
	}
	var out []*store.Node
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		out = append(out, n)
		seen[n.ID] = true
	}
	return Section{Name: name, Nodes: out}
}

// activeContextSection implements spec §4.9's Active Context: recent
// nodes scoped to the agent (falling back to global recent, then global
// top-importance), then a HybridSearch pass seeded by the top-3 most
// important recent titles, anchored on the recent nodes plus the agent
// node. If HybridSearch returns nothing, the raw recent list is kept.
func (e *Engine) activeContextSection(ctx context.Context, agentID string, agentNode *store.Node, seen map[store.NodeID]bool) (Section, error) {
	recent, err := e.recentNodes(agentID)
	if err != nil {
		return Section{}, err
	}
	if len(recent) == 0 {
		return Section{Name: "Active Context"}, nil
	}

	if e.hybrid != nil {
		top := topByImportance(recent, 3)
		var titles []string
		for _, n := range top {
			titles = append(titles, n.Title)
		}
		var anchors []store.NodeID
		for _, n := range recent {
			anchors = append(anchors, n.ID)
		}
		if agentNode != nil {
			anchors = append(anchors, agentNode.ID)
		}

		results, err := e.hybrid.Search(ctx, hybridsearch.Query{
			Text:    strings.Join(titles, "\n"),
			Anchors: anchors,
			Limit:   e.config.MaxItemsPerSection,
		})
		if err == nil && len(results) > 0 {
			var nodes []*store.Node
			for _, r := range results {
				if seen[r.Node.ID] {
					continue
				}
				nodes = append(nodes, r.Node)
				seen[r.Node.ID] = true
			}
			return Section{Name: "Active Context", Nodes: nodes}, nil
		}
	}

	var nodes []*store.Node
	for _, n := range recent {
		if seen[n.ID] {
			continue
		}
		nodes = append(nodes, n)
		seen[n.ID] = true
	}
	return Section{Name: "Active Context", Nodes: nodes}, nil
}

// recentNodes returns nodes within RecentWindow, scoped to agentID if
// any exist, else the global recent set, else the global top-importance
// set (spec §4.9 Active Context fallback chain).
func (e *Engine) recentNodes(agentID string) ([]*store.Node, error) {
	cutoff := time.Now().Add(-e.config.RecentWindow)

	agentScoped, err := e.store.ListNodes(store.NodeFilter{SourceAgent: agentID})
	if err != nil {
		return nil, err
	}
	if within := filterRecent(agentScoped, cutoff); len(within) > 0 {
		return within, nil
	}

	global, err := e.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return nil, err
	}
	if within := filterRecent(global, cutoff); len(within) > 0 {
		return within, nil
	}

	sort.Slice(global, func(i, j int) bool { return global[i].Importance > global[j].Importance })
	if len(global) > e.config.MaxItemsPerSection {
		global = global[:e.config.MaxItemsPerSection]
	}
	return global, nil
}

func (e *Engine) recentEventsSection(agentID string, seen map[store.NodeID]bool) Section {
	cutoff := time.Now().Add(-e.config.RecentWindow)

	agentScoped, err := e.store.ListNodes(store.NodeFilter{Kind: kindEvent, SourceAgent: agentID})
	if err != nil {
		return Section{Name: "Recent Events"}
	}
	candidates := filterRecent(agentScoped, cutoff)
	if len(candidates) == 0 {
		global, err := e.store.ListNodes(store.NodeFilter{Kind: kindEvent})
		if err == nil {
			candidates = filterRecent(global, cutoff)
		}
	}

	var nodes []*store.Node
	for _, n := range candidates {
		if seen[n.ID] {
			continue
		}
		nodes = append(nodes, n)
		seen[n.ID] = true
	}
	return Section{Name: "Recent Events", Nodes: nodes}
}

func filterRecent(nodes []*store.Node, cutoff time.Time) []*store.Node {
	var out []*store.Node
	for _, n := range nodes {
		if n.CreatedAt.After(cutoff) || n.UpdatedAt.After(cutoff) {
			out = append(out, n)
		}
	}
	return out
}

func topByImportance(nodes []*store.Node, k int) []*store.Node {
	cp := append([]*store.Node{}, nodes...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Importance > cp[j].Importance })
	if len(cp) > k {
		cp = cp[:k]
	}
	return cp
}

func dedupedNodes(sub *graph.Subgraph, start store.NodeID, seen map[store.NodeID]bool) []*store.Node {
	var out []*store.Node
	for id, n := range sub.Nodes {
		if id == start || seen[id] {
			continue
		}
		out = append(out, n)
		seen[id] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// applyRanking applies spec §4.9 step 4's uniform ranking rule: filter
// by importance floor, sort by importance desc then access_count desc.
// Unresolved Contradictions is exempt from the importance filter.
func applyRanking(sections []Section, cfg Config) []Section {
	for i := range sections {
		if sections[i].Name == "Unresolved Contradictions" {
			sortByImportanceThenAccess(sections[i].Nodes)
			continue
		}
		var kept []*store.Node
		for _, n := range sections[i].Nodes {
			if n.Importance >= cfg.MinImportance {
				kept = append(kept, n)
			}
		}
		sections[i].Nodes = kept
		sortByImportanceThenAccess(sections[i].Nodes)
	}
	return sections
}

func sortByImportanceThenAccess(nodes []*store.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Importance != nodes[j].Importance {
			return nodes[i].Importance > nodes[j].Importance
		}
		return nodes[i].AccessCount > nodes[j].AccessCount
	})
}

// enforceLimits applies spec §4.9 step 5: cap each section at
// MaxItemsPerSection, then cap the cross-section total at MaxTotalItems
// by truncating later sections first, then drop empty sections.
func enforceLimits(sections []Section, cfg Config) []Section {
	for i := range sections {
		if cfg.MaxItemsPerSection > 0 && len(sections[i].Nodes) > cfg.MaxItemsPerSection {
			sections[i].Nodes = sections[i].Nodes[:cfg.MaxItemsPerSection]
		}
	}

	if cfg.MaxTotalItems > 0 {
		total := 0
		for _, s := range sections {
			total += len(s.Nodes)
		}
		for i := len(sections) - 1; i >= 0 && total > cfg.MaxTotalItems; i-- {
			excess := total - cfg.MaxTotalItems
			if excess <= 0 {
				break
			}
			if excess >= len(sections[i].Nodes) {
				total -= len(sections[i].Nodes)
				sections[i].Nodes = nil
			} else {
				sections[i].Nodes = sections[i].Nodes[:len(sections[i].Nodes)-excess]
				total -= excess
			}
		}
	}

	var out []Section
	for _, s := range sections {
		if len(s.Nodes) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// bumpAccessCounts best-effort increments access_count on every included
// node via a single batched write (spec §4.9 step 7).
func (e *Engine) bumpAccessCounts(b *Briefing) error {
	var touched []*store.Node
	for _, s := range b.Sections {
		for _, n := range s.Nodes {
			n.AccessCount++
			touched = append(touched, n)
		}
	}
	if len(touched) == 0 {
		return nil
	}
	return e.store.PutNodesBatch(touched)
}

// Render renders b as Markdown: a header per section and one bullet per
// node, truncated to maxChars on a rune boundary.
func (b *Briefing) Render(maxChars int) string {
	var sb strings.Builder
	for _, s := range b.Sections {
		sb.WriteString("## ")
		sb.WriteString(s.Name)
		sb.WriteString("\n")
		for _, n := range s.Nodes {
			sb.WriteString("- ")
			sb.WriteString(n.Title)
			if n.Body != "" {
				sb.WriteString(": ")
				sb.WriteString(n.Body)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return truncateRunes(sb.String(), maxChars)
}

// RenderCompact renders b as one line per node: "Section > Title: Body",
// newline-separated, with no blank lines between sections. The text is not
// condensed: titles and bodies are written in full and the section name
// is repeated on every line.
func (b *Briefing) RenderCompact(maxChars int) string {
	var sb strings.Builder
	for _, s := range b.Sections {
		for _, n := range s.Nodes {
			sb.WriteString(s.Name)
			sb.WriteString(" > ")
			sb.WriteString(n.Title)
			if n.Body != "" {
				sb.WriteString(": ")
				sb.WriteString(n.Body)
			}
			sb.WriteString("\n")
		}
	}
	return truncateRunes(sb.String(), maxChars)
}

// truncateRunes truncates s to at most maxChars runes, never splitting a
// multi-byte UTF-8 sequence. maxChars <= 0 disables truncation.
func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
