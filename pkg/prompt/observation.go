package prompt

import (
	"encoding/json"
	"time"

	"github.com/cortexdb/cortex/pkg/cortexid"
	"github.com/cortexdb/cortex/pkg/store"
)

// TaskOutcome discriminates the task_success term of an observation
// score (spec §4.10).
type TaskOutcome string

const (
	TaskSuccess TaskOutcome = "success"
	TaskPartial TaskOutcome = "partial"
	TaskOther   TaskOutcome = "other"
)

func (o TaskOutcome) score() float64 {
	switch o {
	case TaskSuccess:
		return 1.0
	case TaskPartial:
		return 0.5
	default:
		return 0.0
	}
}

// ObservationInput is the raw signal recorded after serving a prompt
// variant (spec §4.10's "Observation recording").
type ObservationInput struct {
	AgentID      store.NodeID
	PromptID     store.NodeID
	Sentiment    float64
	Corrections  int
	TaskOutcome  TaskOutcome
	Context      ContextSignals
	SwapOccurred bool
}

// ObservationScore is spec §4.10's weighted blend:
//
//	0.5*sentiment + 0.3*(1 - min(1, 0.1*corrections)) + 0.2*task_success
func ObservationScore(in ObservationInput) float64 {
	correctionPenalty := 1 - minFloat(1, 0.1*float64(in.Corrections))
	return clamp01(0.5*in.Sentiment + 0.3*correctionPenalty + 0.2*in.TaskOutcome.score())
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Recorder writes observations and updates the corresponding uses edge
// weight via EMA.
type Recorder struct {
	store *store.Engine
	alpha float64
}

// NewRecorder returns a Recorder bound to s. alpha is the EMA smoothing
// factor spec §4.10 fixes at 0.1.
func NewRecorder(s *store.Engine) *Recorder {
	return &Recorder{store: s, alpha: 0.1}
}

// Record implements spec §4.10's observation recording: EMA-updates the
// uses edge weight, writes an observation node with a JSON body
// carrying the metrics and context, and links it four ways. If
// SwapOccurred, an additional swap observation is recorded.
func (r *Recorder) Record(in ObservationInput, now time.Time) error {
	score := ObservationScore(in)

	if _, _, err := r.store.UpdateEdgeWeightAtomic(in.AgentID, in.PromptID, RelationUses, func(old float64) float64 {
		return clamp01(old + r.alpha*(score-old))
	}); err != nil {
		return err
	}

	if err := r.writeObservation(in, score, now, false); err != nil {
		return err
	}
	if in.SwapOccurred {
		if err := r.writeObservation(in, score, now, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) writeObservation(in ObservationInput, score float64, now time.Time, isSwap bool) error {
	body, err := json.Marshal(map[string]any{
		"sentiment":    in.Sentiment,
		"corrections":  in.Corrections,
		"task_outcome": in.TaskOutcome,
		"context":      in.Context,
		"score":        score,
		"swap":         isSwap,
	})
	if err != nil {
		return err
	}

	title := "observation"
	if isSwap {
		title = "swap observation"
	}

	obs := &store.Node{
		ID:     store.NodeID(cortexid.New()),
		Kind:   KindObservation,
		Title:  title,
		Body:   string(body),
		Source: store.Source{Agent: string(in.AgentID)},
		Metadata: map[string]any{
			"prompt_id": string(in.PromptID),
			"agent_id":  string(in.AgentID),
			"score":     score,
		},
		Importance: score,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.PutNode(obs); err != nil {
		return err
	}

	edges := []*store.Edge{
		{ID: store.EdgeID(cortexid.New()), From: in.AgentID, To: obs.ID, Relation: RelationPerformed, Weight: 1, CreatedAt: now, UpdatedAt: now},
		{ID: store.EdgeID(cortexid.New()), From: obs.ID, To: in.PromptID, Relation: RelationInformedBy, Weight: 1, CreatedAt: now, UpdatedAt: now},
		{ID: store.EdgeID(cortexid.New()), From: obs.ID, To: in.PromptID, Relation: RelationObservedWith, Weight: 1, CreatedAt: now, UpdatedAt: now},
		{ID: store.EdgeID(cortexid.New()), From: obs.ID, To: in.AgentID, Relation: RelationObservedBy, Weight: 1, CreatedAt: now, UpdatedAt: now},
	}
	return r.store.PutEdgesBatch(edges)
}
