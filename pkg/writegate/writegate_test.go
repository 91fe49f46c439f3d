package writegate

import (
	"context"
	"testing"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/embedding"
	"github.com/cortexdb/cortex/pkg/store"
	"github.com/cortexdb/cortex/pkg/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 8

func newHarness(t *testing.T, cfg Config) (*Gate, *store.Engine, *vectorindex.Index, embedding.Service) {
	t.Helper()
	s, err := store.OpenInMemory(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx := vectorindex.New(testDims, vectorindex.DefaultHNSWConfig())
	emb := embedding.NewStub(testDims)
	return New(cfg, s, idx, emb), s, idx, emb
}

func mkNode(kind, title, body, agent string, importance float64, tags []string) *store.Node {
	now := time.Now()
	return &store.Node{
		ID:         store.NodeID(cortexid.New()),
		Kind:       kind,
		Title:      title,
		Body:       body,
		Tags:       tags,
		Source:     store.Source{Agent: agent},
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func insertAndIndex(t *testing.T, s *store.Engine, idx *vectorindex.Index, emb embedding.Service, n *store.Node) {
	t.Helper()
	require.NoError(t, s.PutNode(n))
	vec, err := emb.Embed(context.Background(), n.Title+"\n"+n.Body)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(string(n.ID), vec, vectorindex.Meta{Kind: n.Kind, SourceAgent: n.Source.Agent}))
}

func TestCheckPassesForWellFormedNode(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Deployment pipeline", "The deployment pipeline always runs integration tests before promoting a build to staging.", "agent-a", 0.5, nil)

	err := g.Check(context.Background(), n)
	assert.NoError(t, err)
}

func TestCheckDisabledAlwaysPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	g, _, _, _ := newHarness(t, cfg)

	n := mkNode("fact", "x", "y", "agent-a", 0.99, nil)
	err := g.Check(context.Background(), n)
	assert.NoError(t, err)
}

func TestCheckRejectsShortTitle(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "ab", "a body long enough to pass the minimum length check easily", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRejectsBodyEqualToTitle(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Same text here", "Same text here", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRejectsBareURL(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Reference link", "https://example.com/some/long/path/here", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRejectsSingleWordBody(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Single word body", "Supercalifragilisticexpialidocious", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRejectsLoneTimestamp(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Timestamp body", "2026-07-30T12:00:00Z", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRequiresDecisionVerbForDecisionKind(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("decision", "Database choice", "The team has mixed feelings about which database to use for this service.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)

	n2 := mkNode("decision", "Database choice", "The team decided to use Postgres for this service going forward.", "agent-a", 0.3, nil)
	assert.NoError(t, g.Check(context.Background(), n2))
}

func TestCheckRejectsHedgingFactOpening(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Latency figure", "I think the service latency is around 200 milliseconds under load.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRequiresRecurrenceWordForPatternKind(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("pattern", "Retry behavior", "The client retried the request once and then gave up entirely.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}

func TestCheckRejectsUnanchoredPronounOpening(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Status update", "It failed to start after the last deployment rollout finished.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSpecificity, v.Kind)
}

func TestCheckAllowsPronounOpeningWhenTitleNamesReferent(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Ingestion Worker crash", "It failed to start after the last deployment rollout finished.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	assert.NoError(t, err)
}

func TestCheckRejectsUnanchoredRelativeTime(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Deploy note", "Yesterday the deploy pipeline failed during the staging promotion step.", "agent-a", 0.3, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSpecificity, v.Kind)
}

func TestCheckRequiresLongerBodyForHighImportance(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Critical outage cause", "The outage was caused by a misconfigured load balancer health check.", "agent-a", 0.95, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSpecificity, v.Kind)
}

func TestCheckRequiresTagsAboveThreshold(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Critical outage cause", "The outage was caused by a misconfigured load balancer health check that silently dropped healthy backends for several minutes straight.", "agent-a", 0.75, nil)

	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSpecificity, v.Kind)

	n2 := mkNode("fact", "Critical outage cause", "The outage was caused by a misconfigured load balancer health check that silently dropped healthy backends for several minutes straight.", "agent-a", 0.75, []string{"outage"})
	assert.NoError(t, g.Check(context.Background(), n2))
}

func TestCheckRejectsNearDuplicate(t *testing.T) {
	g, s, idx, emb := newHarness(t, DefaultConfig())

	existing := mkNode("fact", "Deployment pipeline runs tests", "The deployment pipeline always runs integration tests before promoting any build to staging.", "agent-a", 0.4, nil)
	insertAndIndex(t, s, idx, emb, existing)

	dup := mkNode("fact", "Deployment pipeline runs tests", "The deployment pipeline always runs integration tests before promoting any build to staging.", "agent-a", 0.4, nil)

	err := g.Check(context.Background(), dup)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindDuplicate, v.Kind)
}

func TestCheckSuggestsSupersedeForCrossAgentConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConflictThreshold = 0.0
	cfg.DuplicateThreshold = 1.1
	g, s, idx, emb := newHarness(t, cfg)

	existing := mkNode("fact", "Queue backlog size", "The job queue backlog always grows during the nightly batch processing window.", "agent-a", 0.4, nil)
	insertAndIndex(t, s, idx, emb, existing)

	conflicting := mkNode("fact", "Queue backlog size recheck", "The job queue backlog always shrinks during the nightly batch processing window.", "agent-b", 0.4, nil)

	err := g.Check(context.Background(), conflicting)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindContradiction, v.Kind)
	assert.Equal(t, existing.ID, v.SupersedeHint)
}

func TestCheckConflictSameAgentRejectsAsDuplicate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConflictThreshold = 0.0
	cfg.DuplicateThreshold = 1.1
	g, s, idx, emb := newHarness(t, cfg)

	existing := mkNode("fact", "Queue backlog size", "The job queue backlog always grows during the nightly batch processing window.", "agent-a", 0.4, nil)
	insertAndIndex(t, s, idx, emb, existing)

	again := mkNode("fact", "Queue backlog size recheck", "The job queue backlog always shrinks during the nightly batch processing window.", "agent-a", 0.4, nil)

	err := g.Check(context.Background(), again)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindDuplicate, v.Kind)
}

func TestCheckPassesWhenSearchIndexEmpty(t *testing.T) {
	g, _, _, _ := newHarness(t, DefaultConfig())
	n := mkNode("fact", "Brand new fact", "This system always batches writes before flushing them to disk every cycle.", "agent-a", 0.3, nil)

	assert.NoError(t, g.Check(context.Background(), n))
}

func TestConfigOverridesApplyPerKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBodyLength = 10
	cfg.Overrides = map[string]KindOverride{
		"decision": {MinBodyLength: 60},
	}
	g, _, _, _ := newHarness(t, cfg)

	n := mkNode("decision", "Short decision", "Decided to ship.", "agent-a", 0.3, nil)
	err := g.Check(context.Background(), n)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, KindSubstance, v.Kind)
}
