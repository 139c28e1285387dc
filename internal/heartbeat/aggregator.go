// Package heartbeat folds node sync reports into edge node state and expires
// nodes that stop reporting.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// Phase is the reconciliation phase a node reports.
type Phase string

const (
	PhaseInProgress Phase = "in_progress"
	PhaseComplete   Phase = "complete"
)

// IsValid returns true if the phase is known.
func (p Phase) IsValid() bool {
	return p == PhaseInProgress || p == PhaseComplete
}

// maxUpdateAttempts bounds the compare-and-swap retry loop.
const maxUpdateAttempts = 5

// Report is one heartbeat from a node.
type Report struct {
	// ObservedAt is when the node produced the report. Zero means now.
	ObservedAt    time.Time              `json:"observed_at"`
	Phase         Phase                  `json:"phase"`
	Failed        bool                   `json:"failed"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Snapshot      *models.HealthSnapshot `json:"snapshot,omitempty"`
}

// Outcome describes what a heartbeat did to the node.
type Outcome struct {
	NodeID string            `json:"node_id"`
	Status models.SyncStatus `json:"sync_status"`
	// Applied is false when the report was discarded.
	Applied bool `json:"applied"`
	// Stale is true when the report was older than the node's last sync.
	Stale      bool       `json:"stale"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Aggregator applies heartbeats to edge nodes.
type Aggregator struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.Store, clk clock.Clock, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Aggregator{store: s, clock: clk, logger: logger}
}

// ReportHeartbeat applies a report to the node's sync state.
//
// A report older than the node's LastSyncAt is discarded and returned with
// Stale set. Failure reports always move the node to sync_failed, but never
// move LastSyncAt backwards.
func (a *Aggregator) ReportHeartbeat(ctx context.Context, nodeID string, report Report) (*Outcome, error) {
	if !report.Failed && !report.Phase.IsValid() {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown phase %q", report.Phase)
	}
	if report.ObservedAt.IsZero() {
		report.ObservedAt = a.clock.Now()
	}

	for attempt := 1; ; attempt++ {
		node, err := a.store.Nodes().Get(ctx, nodeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
			}
			return nil, fleeterr.Unavailable("loading node", err)
		}
		if !node.Active {
			return nil, fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID)
		}

		expected := node.LastSyncAt
		outcome := a.apply(node, report)
		if !outcome.Applied {
			a.logger.Info("stale heartbeat ignored",
				"node_id", nodeID,
				"observed_at", report.ObservedAt,
				"last_sync_at", node.LastSyncAt,
			)
			return outcome, nil
		}

		err = a.store.Nodes().UpdateSync(ctx, node, expected)
		if err == nil {
			if outcome.Stale {
				a.logger.Warn("stale failure report applied",
					"node_id", nodeID,
					"observed_at", report.ObservedAt,
					"reason", report.FailureReason,
				)
			} else {
				a.logger.Debug("heartbeat applied", "node_id", nodeID, "sync_status", outcome.Status)
			}
			return outcome, nil
		}
		if !errors.Is(err, store.ErrPreconditionFailed) {
			return nil, fleeterr.Unavailable("updating node sync state", err)
		}
		if attempt >= maxUpdateAttempts {
			return nil, fleeterr.Wrap(fleeterr.ErrCollaboratorUnavailable,
				"node %s sync state kept changing after %d attempts", nodeID, attempt)
		}
		a.logger.Debug("heartbeat lost update race, retrying", "node_id", nodeID, "attempt", attempt)
	}
}

// apply folds report into node in place and describes the result.
func (a *Aggregator) apply(node *models.EdgeNode, report Report) *Outcome {
	stale := node.LastSyncAt != nil && report.ObservedAt.Before(*node.LastSyncAt)
	out := &Outcome{NodeID: node.ID, Stale: stale}

	if report.Failed {
		observed := report.ObservedAt
		node.SyncStatus = models.SyncStatusFailed
		if node.LastFailureAt == nil || observed.After(*node.LastFailureAt) {
			node.LastFailureAt = &observed
			node.LastFailureReason = report.FailureReason
		}
		if !stale {
			node.LastSyncAt = &observed
			if report.Snapshot != nil {
				node.Health = report.Snapshot
			}
		}
	} else {
		if stale {
			out.Status = node.SyncStatus
			out.LastSyncAt = node.LastSyncAt
			return out
		}
		observed := report.ObservedAt
		node.LastSyncAt = &observed
		if report.Phase == PhaseInProgress {
			node.SyncStatus = models.SyncStatusSyncing
		} else {
			node.SyncStatus = models.SyncStatusSynced
		}
		if report.Snapshot != nil {
			node.Health = report.Snapshot
		}
	}

	node.UpdatedAt = a.clock.Now()
	out.Applied = true
	out.Status = node.SyncStatus
	out.LastSyncAt = node.LastSyncAt
	return out
}
