// Package fleet is the entry surface of the hub fleet engine.
//
// The Coordinator composes the node registry, heartbeat aggregator, component
// tracker, command queue and GitOps engine, and applies tier policy before
// delegating to them.
package fleet

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/commands"
	"github.com/narvanalabs/hubfleet/internal/components"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/gitops"
	"github.com/narvanalabs/hubfleet/internal/heartbeat"
	"github.com/narvanalabs/hubfleet/internal/mesh"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/registry"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// Options wires a Coordinator.
type Options struct {
	Store      store.Store
	Controller gitops.DeliveryController
	// Resolver defaults to the registered mesh address.
	Resolver mesh.Resolver
	// Notifier defaults to an in-process broker.
	Notifier          commands.Notifier
	Clock             clock.Clock
	Engine            gitops.Config
	DefaultCommandTTL time.Duration
	Logger            *slog.Logger
}

// CommandRequest asks for a command to be queued. A nil TTL uses the default.
type CommandRequest struct {
	Type    models.CommandType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
	TTL     *time.Duration     `json:"-"`
}

// Coordinator is the single entry point for fleet operations.
type Coordinator struct {
	store      store.Store
	registry   *registry.Registry
	heartbeats *heartbeat.Aggregator
	tracker    *components.Tracker
	queue      *commands.Queue
	engine     *gitops.Engine
	logger     *slog.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = commands.NewBroker(logger.With("component", "command_notifier"))
	}
	ttl := opts.DefaultCommandTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &Coordinator{
		store:      opts.Store,
		registry:   registry.New(opts.Store, clk, logger.With("component", "registry")),
		heartbeats: heartbeat.NewAggregator(opts.Store, clk, logger.With("component", "heartbeat")),
		tracker:    components.NewTracker(opts.Store, clk, logger.With("component", "components")),
		queue:      commands.NewQueue(opts.Store, clk, notifier, ttl, logger.With("component", "commands")),
		engine:     gitops.NewEngine(opts.Store, opts.Controller, opts.Resolver, clk, opts.Engine, logger.With("component", "gitops")),
		logger:     logger,
	}
}

// Engine returns the deployment engine, for running its rollout monitor.
func (c *Coordinator) Engine() *gitops.Engine { return c.engine }

// Queue returns the command queue.
func (c *Coordinator) Queue() *commands.Queue { return c.queue }

// Store returns the backing store.
func (c *Coordinator) Store() store.Store { return c.store }

// RegisterNode adds a hub to the fleet.
func (c *Coordinator) RegisterNode(ctx context.Context, req registry.RegisterRequest) (*models.EdgeNode, error) {
	return c.registry.Register(ctx, req)
}

// DeactivateNode soft-deletes a node. Its history is kept.
func (c *Coordinator) DeactivateNode(ctx context.Context, nodeID string) error {
	return c.registry.Deactivate(ctx, nodeID)
}

// GetNode returns a node by id.
func (c *Coordinator) GetNode(ctx context.Context, nodeID string) (*models.EdgeNode, error) {
	return c.registry.Get(ctx, nodeID)
}

// ListNodes returns the nodes matching filter.
func (c *Coordinator) ListNodes(ctx context.Context, filter registry.ListFilter) ([]*models.EdgeNode, error) {
	return c.registry.List(ctx, filter)
}

// Deploy starts a GitOps deployment of packageRef onto a node.
func (c *Coordinator) Deploy(ctx context.Context, nodeID, packageRef string) (*models.FleetDeployment, error) {
	node, err := c.registry.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := checkDeployable(node); err != nil {
		c.logger.Info("deploy rejected by tier policy", "node_id", nodeID, "tier", node.Tier, "error", err)
		return nil, err
	}
	return c.engine.Deploy(ctx, nodeID, packageRef)
}

// Rollback redeploys the last healthy package before deploymentID.
func (c *Coordinator) Rollback(ctx context.Context, deploymentID string) (*models.FleetDeployment, error) {
	source, err := c.engine.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	node, err := c.registry.Get(ctx, source.EdgeNodeID)
	if err != nil {
		return nil, err
	}
	if err := checkDeployable(node); err != nil {
		return nil, err
	}
	return c.engine.Rollback(ctx, deploymentID)
}

// GetDeployment returns a deployment by id.
func (c *Coordinator) GetDeployment(ctx context.Context, deploymentID string) (*models.FleetDeployment, error) {
	return c.engine.Get(ctx, deploymentID)
}

// ListDeployments returns a node's deployments, newest first.
func (c *Coordinator) ListDeployments(ctx context.Context, nodeID string) ([]*models.FleetDeployment, error) {
	return c.engine.ListByNode(ctx, nodeID)
}

// ReportRolloutStatus applies a status event from the delivery controller.
func (c *Coordinator) ReportRolloutStatus(ctx context.Context, deploymentID string, status gitops.RolloutStatus) (*models.FleetDeployment, error) {
	return c.engine.ReportRolloutStatus(ctx, deploymentID, status)
}

// EnqueueCommand queues a command for a node.
func (c *Coordinator) EnqueueCommand(ctx context.Context, nodeID string, req CommandRequest) (*models.EdgeNodeCommand, error) {
	node, err := c.registry.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := checkCommand(node, req.Type); err != nil {
		c.logger.Info("command rejected by tier policy", "node_id", nodeID, "type", req.Type, "error", err)
		return nil, err
	}

	ttl := c.queue.DefaultTTL()
	if req.TTL != nil {
		ttl = *req.TTL
	}
	return c.queue.Enqueue(ctx, nodeID, req.Type, req.Payload, ttl)
}

// PullCommands returns the node's outstanding commands in enqueue order.
func (c *Coordinator) PullCommands(ctx context.Context, nodeID string) ([]*models.EdgeNodeCommand, error) {
	return c.queue.Pull(ctx, nodeID)
}

// AcknowledgeCommand settles a command. When nodeID is set, the command must
// belong to that node; otherwise it is reported as not found.
func (c *Coordinator) AcknowledgeCommand(ctx context.Context, nodeID, commandID string, result models.CommandResult) (*models.EdgeNodeCommand, error) {
	if nodeID != "" {
		cmd, err := c.queue.Get(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if cmd.EdgeNodeID != nodeID {
			c.logger.Warn("node acknowledged a command it does not own",
				"node_id", nodeID,
				"command_id", commandID,
				"owner_node_id", cmd.EdgeNodeID,
			)
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "command %s", commandID)
		}
	}
	return c.queue.Acknowledge(ctx, commandID, result)
}

// GetCommand returns a command by id.
func (c *Coordinator) GetCommand(ctx context.Context, commandID string) (*models.EdgeNodeCommand, error) {
	return c.queue.Get(ctx, commandID)
}

// CommandHistory returns a node's most recent commands.
func (c *Coordinator) CommandHistory(ctx context.Context, nodeID string, limit int) ([]*models.EdgeNodeCommand, error) {
	return c.queue.History(ctx, nodeID, limit)
}

// WatchCommands subscribes to wake-ups for a node's new commands.
// The caller must call the returned cancel function.
func (c *Coordinator) WatchCommands(nodeID string) (<-chan struct{}, func()) {
	n := c.queue.Notifier()
	sub := n.Subscribe(nodeID)
	return sub.C, func() { n.Unsubscribe(sub) }
}

// ReportHeartbeat ingests a node heartbeat.
func (c *Coordinator) ReportHeartbeat(ctx context.Context, nodeID string, report heartbeat.Report) (*heartbeat.Outcome, error) {
	return c.heartbeats.ReportHeartbeat(ctx, nodeID, report)
}

// RecordComponentSync appends a component sync report and updates the
// node's installed components.
func (c *Coordinator) RecordComponentSync(ctx context.Context, nodeID string, report components.SyncReport) (*models.ComponentSyncRecord, error) {
	return c.tracker.RecordSync(ctx, nodeID, report)
}

// InstalledComponents returns a node's installed component projection.
func (c *Coordinator) InstalledComponents(ctx context.Context, nodeID string) (map[string]models.InstalledComponent, error) {
	return c.tracker.Installed(ctx, nodeID)
}

// ComponentHistory returns a node's most recent component syncs.
func (c *Coordinator) ComponentHistory(ctx context.Context, nodeID string, limit int) ([]*models.ComponentSyncRecord, error) {
	return c.tracker.History(ctx, nodeID, limit)
}
