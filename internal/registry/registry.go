// Package registry owns the lifecycle of edge node records.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// RegisterRequest describes a hub joining the fleet.
// Nil flags take the tier's default from the capability table.
type RegisterRequest struct {
	Name              string      `json:"name"`
	Hostname          string      `json:"hostname,omitempty"`
	Tier              models.Tier `json:"tier"`
	MeshAddress       string      `json:"mesh_address"`
	ManagedByMaster   *bool       `json:"managed_by_master,omitempty"`
	AutoUpdateEnabled *bool       `json:"auto_update_enabled,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Tier            models.Tier
	IncludeInactive bool
}

// Registry creates, reads and deactivates edge nodes.
type Registry struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Registry.
func New(s store.Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{store: s, clock: clk, logger: logger}
}

// Register validates the tier configuration and persists a new node in never_synced.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.EdgeNode, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "name is required")
	}
	if strings.TrimSpace(req.MeshAddress) == "" {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "mesh_address is required")
	}

	managed, autoUpdate, err := ResolveFlags(req.Tier, req.ManagedByMaster, req.AutoUpdateEnabled)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	node := &models.EdgeNode{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Hostname:            req.Hostname,
		Tier:                req.Tier,
		ManagedByMaster:     managed,
		AutoUpdateEnabled:   autoUpdate,
		SyncStatus:          models.SyncStatusNeverSynced,
		InstalledComponents: map[string]models.InstalledComponent{},
		MeshAddress:         req.MeshAddress,
		Active:              true,
		RegisteredAt:        now,
		UpdatedAt:           now,
	}

	if err := r.store.Nodes().Create(ctx, node); err != nil {
		return nil, fleeterr.Unavailable("creating node", err)
	}

	r.logger.Info("edge node registered",
		"node_id", node.ID,
		"name", node.Name,
		"tier", node.Tier,
		"managed_by_master", node.ManagedByMaster,
		"auto_update_enabled", node.AutoUpdateEnabled,
	)
	return node, nil
}

// ResolveFlags applies tier defaults to the optional flags and rejects
// combinations the tier forbids.
func ResolveFlags(tier models.Tier, managed, autoUpdate *bool) (bool, bool, error) {
	if !tier.IsValid() {
		return false, false, fleeterr.Wrap(fleeterr.ErrInvalidTierConfiguration, "unknown tier %q", tier)
	}
	caps := models.CapabilitiesFor(tier)

	m := caps.ManagedByMaster
	if managed != nil {
		m = *managed
	}
	if m != caps.ManagedByMaster {
		return false, false, fleeterr.Wrap(fleeterr.ErrInvalidTierConfiguration,
			"tier %s requires managed_by_master=%t", tier, caps.ManagedByMaster)
	}

	a := caps.AutoUpdateDefault
	if autoUpdate != nil {
		a = *autoUpdate
	}
	if a && !caps.AutoUpdateAllowed {
		return false, false, fleeterr.Wrap(fleeterr.ErrInvalidTierConfiguration,
			"tier %s does not allow auto updates", tier)
	}
	return m, a, nil
}

// Get returns a node by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.EdgeNode, error) {
	node, err := r.store.Nodes().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", id)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	return node, nil
}

// List returns nodes matching the filter in registration order.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*models.EdgeNode, error) {
	if filter.Tier != "" && !filter.Tier.IsValid() {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown tier %q", filter.Tier)
	}
	nodes, err := r.store.Nodes().List(ctx, store.NodeFilter{
		Tier:            filter.Tier,
		IncludeInactive: filter.IncludeInactive,
	})
	if err != nil {
		return nil, fleeterr.Unavailable("listing nodes", err)
	}
	return nodes, nil
}

// Deactivate soft-deletes a node. Calling it on an inactive node is a no-op.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.Nodes().Deactivate(ctx, id, r.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", id)
		}
		return fleeterr.Unavailable("deactivating node", err)
	}
	r.logger.Info("edge node deactivated", "node_id", id)
	return nil
}
