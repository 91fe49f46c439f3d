// Package retention implements Cortex's retention sweep: spec §3 notes
// that soft-deleted nodes are "optionally hard-purged by retention
// sweep" but never designs the sweep itself. This is a policy-driven
// age check, trimmed down to the one rule an agent-memory engine with
// no end users actually needs — GDPR/HIPAA legal-hold and
// erasure-request bookkeeping has no subject here and is dropped.
package retention

import (
	"log"
	"time"

	"github.com/cortexdb/cortex/pkg/store"
)

// Config tunes Sweeper.Run.
type Config struct {
	// PurgeAfter is how long a node stays soft-deleted (Deleted=true)
	// before a sweep hard-purges it. Zero disables hard-purging.
	PurgeAfter time.Duration

	// BatchSize caps how many nodes a single Run call purges, so a
	// sweep over a large backlog doesn't hold one huge transaction
	// open. Zero means no cap.
	BatchSize int
}

// DefaultConfig purges soft-deleted nodes after 30 days, in batches of
// 500.
func DefaultConfig() Config {
	return Config{PurgeAfter: 30 * 24 * time.Hour, BatchSize: 500}
}

// Result summarizes one Run call.
type Result struct {
	Scanned int
	Purged  int
	Errors  []error
}

// Sweeper runs the retention policy against a store.Engine.
type Sweeper struct {
	store  *store.Engine
	config Config
	logger *log.Logger
}

// New returns a Sweeper bound to s. A nil logger defaults to
// log.Default().
func New(config Config, s *store.Engine, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{store: s, config: config, logger: logger}
}

// Run scans every soft-deleted node and hard-purges the ones whose
// UpdatedAt (the soft-delete timestamp, since DeleteNode bumps it) is
// older than now-PurgeAfter, up to BatchSize purges. A disabled
// PurgeAfter (zero) makes Run a no-op scan: it still counts candidates
// but purges nothing, which is useful for dry-run monitoring.
func (s *Sweeper) Run(now time.Time) (Result, error) {
	var res Result

	nodes, err := s.store.ListNodes(store.NodeFilter{IncludeDeleted: true})
	if err != nil {
		return res, err
	}

	for _, n := range nodes {
		if !n.Deleted {
			continue
		}
		res.Scanned++

		if s.config.PurgeAfter <= 0 {
			continue
		}
		if now.Sub(n.UpdatedAt) < s.config.PurgeAfter {
			continue
		}
		if s.config.BatchSize > 0 && res.Purged >= s.config.BatchSize {
			continue
		}

		if err := s.store.PurgeNode(n.ID); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Purged++
	}

	if res.Purged > 0 || len(res.Errors) > 0 {
		s.logger.Printf("retention: scanned %d soft-deleted nodes, purged %d, %d errors", res.Scanned, res.Purged, len(res.Errors))
	}

	return res, nil
}
