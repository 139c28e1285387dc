// Package commands implements the per-node command dispatch queue.
//
// Commands are delivered at-least-once: a pulled command stays in sent and is
// returned by every Pull until the node acknowledges it or it expires.
package commands

import (
	"context"
	"encoding/json"
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

// Queue enqueues, delivers and settles node commands.
type Queue struct {
	store      store.Store
	clock      clock.Clock
	notifier   Notifier
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewQueue creates a Queue. A nil notifier disables wake-ups.
func NewQueue(s store.Store, clk clock.Clock, notifier Notifier, defaultTTL time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		store:      s,
		clock:      clk,
		notifier:   notifier,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// DefaultTTL is the ttl callers should use when the requester did not choose one.
func (q *Queue) DefaultTTL() time.Duration {
	return q.defaultTTL
}

// Notifier returns the queue's wake-up notifier, or nil.
func (q *Queue) Notifier() Notifier {
	return q.notifier
}

// Enqueue queues a command for nodeID. A ttl of zero yields a command that is
// already expired.
func (q *Queue) Enqueue(ctx context.Context, nodeID string, cmdType models.CommandType, payload json.RawMessage, ttl time.Duration) (*models.EdgeNodeCommand, error) {
	if !cmdType.IsValid() {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown command type %q", cmdType)
	}
	if ttl < 0 {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "ttl must not be negative, got %s", ttl)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "payload is not valid JSON")
	}

	node, err := q.loadNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !node.Active {
		return nil, fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID)
	}
	if !models.CapabilitiesFor(node.Tier).AllowsCommand(cmdType) {
		return nil, fleeterr.Wrap(fleeterr.ErrNodeNotEligible, "command %s on tier %s", cmdType, node.Tier)
	}

	now := q.clock.Now()
	cmd := &models.EdgeNodeCommand{
		ID:         uuid.New().String(),
		EdgeNodeID: nodeID,
		Type:       cmdType,
		Payload:    payload,
		Status:     models.CommandStatusQueued,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := q.store.Commands().Create(ctx, cmd); err != nil {
		return nil, fleeterr.Unavailable("creating command", err)
	}

	q.logger.Info("command queued",
		"node_id", nodeID,
		"command_id", cmd.ID,
		"type", cmdType,
		"sequence", cmd.Sequence,
		"expires_at", cmd.ExpiresAt,
	)

	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, nodeID); err != nil {
			q.logger.Warn("failed to publish command wake-up", "node_id", nodeID, "error", err)
		}
	}
	return cmd, nil
}

// Pull returns the node's deliverable commands in enqueue order and marks them sent.
// Commands already sent are returned again until acknowledged.
func (q *Queue) Pull(ctx context.Context, nodeID string) ([]*models.EdgeNodeCommand, error) {
	node, err := q.loadNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !node.Active {
		return nil, fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID)
	}

	now := q.clock.Now()
	cmds, err := q.store.Commands().ListPending(ctx, nodeID, now)
	if err != nil {
		return nil, fleeterr.Unavailable("listing pending commands", err)
	}
	if len(cmds) == 0 {
		return []*models.EdgeNodeCommand{}, nil
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.ID
	}
	if err := q.store.Commands().MarkDelivered(ctx, ids, now); err != nil {
		return nil, fleeterr.Unavailable("marking commands delivered", err)
	}
	for _, cmd := range cmds {
		sent := now
		cmd.Status = models.CommandStatusSent
		cmd.SentAt = &sent
		cmd.DeliveryAttempts++
	}

	q.logger.Debug("commands delivered", "node_id", nodeID, "count", len(cmds))
	return cmds, nil
}

// Acknowledge settles a command with the node's result. Successful results
// move it to acknowledged, unsuccessful ones to failed. Acknowledging a
// command that is already terminal changes nothing and returns it as stored.
func (q *Queue) Acknowledge(ctx context.Context, commandID string, result models.CommandResult) (*models.EdgeNodeCommand, error) {
	to := models.CommandStatusAcknowledged
	if !result.Success {
		to = models.CommandStatusFailed
	}

	applied, err := q.store.Commands().Transition(ctx, commandID, models.PendingCommandStatuses, to, &result, q.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "command %s", commandID)
		}
		return nil, fleeterr.Unavailable("acknowledging command", err)
	}

	cmd, err := q.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if applied {
		q.logger.Info("command acknowledged",
			"node_id", cmd.EdgeNodeID,
			"command_id", cmd.ID,
			"status", cmd.Status,
		)
	} else {
		q.logger.Debug("duplicate acknowledgement ignored",
			"command_id", cmd.ID,
			"status", cmd.Status,
		)
	}
	return cmd, nil
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, commandID string) (*models.EdgeNodeCommand, error) {
	cmd, err := q.store.Commands().Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "command %s", commandID)
		}
		return nil, fleeterr.Unavailable("loading command", err)
	}
	return cmd, nil
}

// History returns the node's most recent commands, newest first.
func (q *Queue) History(ctx context.Context, nodeID string, limit int) ([]*models.EdgeNodeCommand, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if _, err := q.loadNode(ctx, nodeID); err != nil {
		return nil, err
	}
	cmds, err := q.store.Commands().ListByNode(ctx, nodeID, limit)
	if err != nil {
		return nil, fleeterr.Unavailable("listing commands", err)
	}
	return cmds, nil
}

func (q *Queue) loadNode(ctx context.Context, nodeID string) (*models.EdgeNode, error) {
	node, err := q.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	return node, nil
}
