package prompt

import (
	"errors"
	"log"
	"math"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
)

// TriggerKind names which of spec §4.10's four ordered rollback triggers
// fired.
type TriggerKind string

const (
	TriggerConsecutiveNegative TriggerKind = "consecutive_negative"
	TriggerCorrectionSigma     TriggerKind = "correction_rate_sigma"
	TriggerSentimentSigma      TriggerKind = "sentiment_sigma"
	TriggerAbsoluteIncrease    TriggerKind = "absolute_correction_increase"
)

// Status is a deployment's rollback-monitoring lifecycle state.
type Status string

const (
	StatusMonitoring  Status = "monitoring"
	StatusStable      Status = "stable"
	StatusRolledBack  Status = "rolled_back"
	StatusQuarantined Status = "quarantined"
)

// RollbackConfig tunes Monitor.Observe (spec §4.10, §6).
//
// BaselineCorrectionRate, BaselineSentiment, and BaselineStddev fill a
// gap left open by the sigma trigger formulas: "baseline" and
// "stddev_baseline" are named there but never defined as a computed
// quantity. Cortex treats them as an operator-supplied historical norm
// (e.g. derived offline from a stable prior deployment) rather than
// inventing an online baseline estimator.
type RollbackConfig struct {
	MonitoringWindow             int     `yaml:"monitoring_window"`
	MinSamplesBeforeCheck        int     `yaml:"min_samples_before_check"`
	CorrectionRateWarning        float64 `yaml:"correction_rate_warning"`
	CorrectionRateRollback       float64 `yaml:"correction_rate_rollback"`
	AbsoluteCorrectionIncrease   float64 `yaml:"absolute_correction_increase"`
	SentimentWarning             float64 `yaml:"sentiment_warning"`
	SentimentRollback            float64 `yaml:"sentiment_rollback"`
	ConsecutiveNegativeLimit     int     `yaml:"consecutive_negative_limit"`
	CooldownBaseHours            float64 `yaml:"cooldown_base_hours"`
	MaxRollbacksBeforeQuarantine int     `yaml:"max_rollbacks_before_quarantine"`

	BaselineCorrectionRate float64 `yaml:"baseline_correction_rate"`
	BaselineSentiment      float64 `yaml:"baseline_sentiment"`
	BaselineStddev         float64 `yaml:"baseline_stddev"`
}

// DefaultRollbackConfig returns conservative defaults.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		MonitoringWindow:             50,
		MinSamplesBeforeCheck:        10,
		CorrectionRateWarning:        2.0,
		CorrectionRateRollback:       3.0,
		AbsoluteCorrectionIncrease:   0.3,
		SentimentWarning:             2.0,
		SentimentRollback:            3.0,
		ConsecutiveNegativeLimit:     5,
		CooldownBaseHours:            4,
		MaxRollbacksBeforeQuarantine: 3,
		BaselineCorrectionRate:       0.1,
		BaselineSentiment:            0.6,
		BaselineStddev:               0.15,
	}
}

// deploymentStats is the Welford running-statistics shape carried in a
// deployment event node's Metadata (spec §4.10).
type deploymentStats struct {
	N                   int
	MeanCorrection      float64
	M2Correction        float64
	MeanSentiment       float64
	M2Sentiment         float64
	ConsecutiveNegative int
	Status              Status
	CooldownExpiresAt   time.Time
	RollbackCount       int
}

func loadStats(n *store.Node) deploymentStats {
	s := deploymentStats{Status: StatusMonitoring}
	if n.Metadata == nil {
		return s
	}
	if v, ok := n.Metadata["n_observed"]; ok {
		s.N = int(asFloat(v))
	}
	s.MeanCorrection = asFloat(n.Metadata["mean_correction"])
	s.M2Correction = asFloat(n.Metadata["m2_correction"])
	s.MeanSentiment = asFloat(n.Metadata["mean_sentiment"])
	s.M2Sentiment = asFloat(n.Metadata["m2_sentiment"])
	s.ConsecutiveNegative = int(asFloat(n.Metadata["consecutive_negative"]))
	s.RollbackCount = int(asFloat(n.Metadata["rollback_count"]))
	if status, ok := n.Metadata["status"].(string); ok {
		s.Status = Status(status)
	}
	if raw, ok := n.Metadata["cooldown_expires_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.CooldownExpiresAt = t
		}
	}
	return s
}

func (s deploymentStats) store(n *store.Node) {
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	n.Metadata["n_observed"] = s.N
	n.Metadata["mean_correction"] = s.MeanCorrection
	n.Metadata["m2_correction"] = s.M2Correction
	n.Metadata["mean_sentiment"] = s.MeanSentiment
	n.Metadata["m2_sentiment"] = s.M2Sentiment
	n.Metadata["consecutive_negative"] = s.ConsecutiveNegative
	n.Metadata["rollback_count"] = s.RollbackCount
	n.Metadata["status"] = string(s.Status)
	if !s.CooldownExpiresAt.IsZero() {
		n.Metadata["cooldown_expires_at"] = s.CooldownExpiresAt.Format(time.RFC3339)
	}
}

func asFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func (s *deploymentStats) observe(correctionRate, sentiment, obsScore float64) {
	s.N++
	deltaC := correctionRate - s.MeanCorrection
	s.MeanCorrection += deltaC / float64(s.N)
	s.M2Correction += deltaC * (correctionRate - s.MeanCorrection)

	deltaS := sentiment - s.MeanSentiment
	s.MeanSentiment += deltaS / float64(s.N)
	s.M2Sentiment += deltaS * (sentiment - s.MeanSentiment)

	if obsScore < 0.4 {
		s.ConsecutiveNegative++
	} else {
		s.ConsecutiveNegative = 0
	}
}

func (s deploymentStats) stddevCorrection() float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.M2Correction / float64(s.N-1))
}

// Trigger describes a fired rollback decision (spec §4.10).
type Trigger struct {
	Kind          TriggerKind
	FromPromptID  store.NodeID
	ToPromptID    store.NodeID
	IsQuarantined bool
	CooldownHours float64
	RollbackCount int
}

// Monitor is Cortex's rollback monitor (spec §4.10's "Rollback monitor").
type Monitor struct {
	store  *store.Engine
	config RollbackConfig
	logger *log.Logger
}

// NewMonitor returns a Monitor bound to s. A nil logger defaults to
// log.Default().
func NewMonitor(config RollbackConfig, s *store.Engine, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{store: s, config: config, logger: logger}
}

// Observe updates a prompt version's deployment statistics with one new
// observation and, if a trigger fires, executes the rollback. Returns a
// nil Trigger when nothing fired (including when a cooldown is active
// or the deployment has already settled to stable/rolled_back/quarantined).
func (m *Monitor) Observe(promptID store.NodeID, correctionRate, sentiment, obsScore float64, now time.Time) (*Trigger, error) {
	deployment, err := m.findOrCreateDeployment(promptID, now)
	if err != nil {
		return nil, err
	}
	stats := loadStats(deployment)

	if !stats.CooldownExpiresAt.IsZero() && stats.CooldownExpiresAt.After(now) {
		return nil, nil
	}
	if stats.Status != StatusMonitoring {
		return nil, nil
	}

	stats.observe(correctionRate, sentiment, obsScore)

	var trigger *Trigger
	if stats.N >= m.config.MinSamplesBeforeCheck {
		trigger = m.check(stats)
	}

	if trigger == nil && stats.N >= m.config.MonitoringWindow {
		stats.Status = StatusStable
	}

	stats.store(deployment)
	if err := m.store.PutNode(deployment); err != nil {
		return nil, err
	}

	if trigger == nil {
		return nil, nil
	}
	return m.rollback(deployment, promptID, *trigger, now)
}

func (m *Monitor) check(s deploymentStats) *Trigger {
	cfg := m.config

	if s.ConsecutiveNegative >= cfg.ConsecutiveNegativeLimit {
		return &Trigger{Kind: TriggerConsecutiveNegative}
	}

	stddev := cfg.BaselineStddev
	if stddev > 0 {
		if sigma := (s.MeanCorrection - cfg.BaselineCorrectionRate) / stddev; sigma > cfg.CorrectionRateRollback {
			return &Trigger{Kind: TriggerCorrectionSigma}
		}
		if sigma := (cfg.BaselineSentiment - s.MeanSentiment) / stddev; sigma > cfg.SentimentRollback {
			return &Trigger{Kind: TriggerSentimentSigma}
		}
	}

	if s.MeanCorrection-cfg.BaselineCorrectionRate > cfg.AbsoluteCorrectionIncrease {
		return &Trigger{Kind: TriggerAbsoluteIncrease}
	}

	return nil
}

func (m *Monitor) findOrCreateDeployment(promptID store.NodeID, now time.Time) (*store.Node, error) {
	nodes, err := m.store.ListNodes(store.NodeFilter{Kind: KindDeployment, Limit: 0})
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if id, ok := n.Metadata["prompt_id"].(string); ok && id == string(promptID) {
			return n, nil
		}
	}

	n := &store.Node{
		ID:         store.NodeID(cortexid.New()),
		Kind:       KindDeployment,
		Title:      "deployment " + string(promptID),
		Source:     store.Source{Agent: "rollback_monitor"},
		Metadata:   map[string]any{"prompt_id": string(promptID)},
		Importance: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// rollback executes spec §4.10's on-trigger procedure.
func (m *Monitor) rollback(deployment *store.Node, promptID store.NodeID, trigger Trigger, now time.Time) (*Trigger, error) {
	stats := loadStats(deployment)
	stats.RollbackCount++

	prevID, err := m.previousVersion(promptID)
	if err != nil {
		return nil, err
	}

	cooldownHours := math.Min(168, m.config.CooldownBaseHours*math.Pow(2, math.Min(7, float64(stats.RollbackCount-1))))
	isQuarantined := stats.RollbackCount >= m.config.MaxRollbacksBeforeQuarantine

	status := StatusRolledBack
	if isQuarantined {
		status = StatusQuarantined
	}
	stats.Status = status
	stats.CooldownExpiresAt = now.Add(time.Duration(cooldownHours * float64(time.Hour)))
	stats.store(deployment)
	if err := m.store.PutNode(deployment); err != nil {
		return nil, err
	}

	rollbackEvent := &store.Node{
		ID:         store.NodeID(cortexid.New()),
		Kind:       "event",
		Title:      "rollback",
		Tags:       []string{TagRollback},
		Source:     store.Source{Agent: "rollback_monitor"},
		Metadata:   map[string]any{"trigger": string(trigger.Kind), "prompt_id": string(promptID)},
		Importance: 0.8,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutNode(rollbackEvent); err != nil {
		return nil, err
	}

	edges := []*store.Edge{
		{ID: store.EdgeID(cortexid.New()), From: rollbackEvent.ID, To: promptID, Relation: RelationRolledBack, Weight: 1, CreatedAt: now, UpdatedAt: now},
	}
	if prevID != "" {
		edges = append(edges, &store.Edge{
			ID: store.EdgeID(cortexid.New()), From: rollbackEvent.ID, To: prevID, Relation: RelationRolledBackTo, Weight: 1, CreatedAt: now, UpdatedAt: now,
		})
	}
	if err := m.store.PutEdgesBatch(edges); err != nil {
		return nil, err
	}

	if err := m.tagRolledBack(promptID, isQuarantined); err != nil {
		return nil, err
	}
	if err := m.depressUsesEdges(promptID); err != nil {
		return nil, err
	}

	m.logger.Printf("rollback: prompt %s triggered %s (cooldown %.1fh, quarantined=%v)", promptID, trigger.Kind, cooldownHours, isQuarantined)

	trigger.FromPromptID = promptID
	trigger.ToPromptID = prevID
	trigger.IsQuarantined = isQuarantined
	trigger.CooldownHours = cooldownHours
	trigger.RollbackCount = stats.RollbackCount
	return &trigger, nil
}

func (m *Monitor) previousVersion(promptID store.NodeID) (store.NodeID, error) {
	edges, err := m.store.EdgesFrom(promptID)
	if err != nil {
		return "", err
	}
	for _, e := range edges {
		if e.Relation == RelationSupersedes {
			return e.To, nil
		}
	}
	return "", nil
}

func (m *Monitor) tagRolledBack(promptID store.NodeID, quarantined bool) error {
	n, err := m.store.GetNode(promptID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil
		}
		return err
	}
	n.Tags = appendUnique(n.Tags, TagAutoRolledBack)
	if quarantined {
		n.Tags = appendUnique(n.Tags, TagQuarantined)
	}
	return m.store.PutNode(n)
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

func (m *Monitor) depressUsesEdges(promptID store.NodeID) error {
	edges, err := m.store.EdgesTo(promptID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Relation != RelationUses {
			continue
		}
		if _, _, err := m.store.UpdateEdgeWeightAtomic(e.From, e.To, e.Relation, func(float64) float64 {
			return 0.1
		}); err != nil {
			return err
		}
	}
	return nil
}
