// Package components keeps the append-only component sync log and the
// installed-components projection of each edge node.
package components

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// DefaultHistoryLimit applies when History is called with a non-positive limit.
const DefaultHistoryLimit = 50

// SyncReport is what a node sends after a component sync run.
type SyncReport struct {
	Outcome    models.SyncOutcome       `json:"outcome"`
	Results    []models.ComponentResult `json:"results"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// Tracker records component syncs.
type Tracker struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(s store.Store, clk clock.Clock, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{store: s, clock: clk, logger: logger}
}

// RecordSync appends a sync record and, for success and partial outcomes,
// merges the installed components into the node projection in the same transaction.
func (t *Tracker) RecordSync(ctx context.Context, nodeID string, report SyncReport) (*models.ComponentSyncRecord, error) {
	if err := validate(report); err != nil {
		return nil, err
	}

	node, err := t.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	if !node.Active {
		return nil, fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID)
	}

	occurred := report.OccurredAt
	if occurred.IsZero() {
		occurred = t.clock.Now()
	}

	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	rec := &models.ComponentSyncRecord{
		ID:         uuid.New().String(),
		EdgeNodeID: nodeID,
		Components: names,
		Results:    append([]models.ComponentResult(nil), report.Results...),
		Outcome:    report.Outcome,
		OccurredAt: occurred,
	}

	err = t.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.ComponentSyncs().Append(ctx, rec); err != nil {
			return err
		}
		if rec.Outcome == models.SyncOutcomeFailure {
			return nil
		}
		return tx.Nodes().MergeInstalledComponents(ctx, nodeID, rec.MergeableComponents(), rec.ID, rec.OccurredAt, t.clock.Now())
	})
	if err != nil {
		return nil, fleeterr.Unavailable("recording component sync", err)
	}

	t.logger.Info("component sync recorded",
		"node_id", nodeID,
		"sync_id", rec.ID,
		"outcome", rec.Outcome,
		"components", len(rec.Components),
	)
	return rec, nil
}

func validate(report SyncReport) error {
	if !report.Outcome.IsValid() {
		return fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown outcome %q", report.Outcome)
	}
	for _, r := range report.Results {
		if r.Name == "" {
			return fleeterr.Wrap(fleeterr.ErrInvalidArgument, "component result without name")
		}
		if report.Outcome == models.SyncOutcomeSuccess && !r.Success {
			return fleeterr.Wrap(fleeterr.ErrInconsistentOutcome,
				"outcome success but component %s failed", r.Name)
		}
	}
	return nil
}

// Installed returns the node's current installed components.
func (t *Tracker) Installed(ctx context.Context, nodeID string) (map[string]models.InstalledComponent, error) {
	node, err := t.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	if node.InstalledComponents == nil {
		return map[string]models.InstalledComponent{}, nil
	}
	return node.InstalledComponents, nil
}

// History returns the most recent sync records of a node, newest first.
func (t *Tracker) History(ctx context.Context, nodeID string, limit int) ([]*models.ComponentSyncRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if _, err := t.store.Nodes().Get(ctx, nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	records, err := t.store.ComponentSyncs().ListByNode(ctx, nodeID, limit)
	if err != nil {
		return nil, fleeterr.Unavailable("listing component syncs", err)
	}
	return records, nil
}
