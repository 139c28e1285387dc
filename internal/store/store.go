// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/hubfleet/internal/models"
)

// Common store errors. Implementations must return these (optionally wrapped).
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert would violate a uniqueness invariant,
	// such as a second active deployment for the same node.
	ErrConflict = errors.New("record conflicts with existing state")
	// ErrPreconditionFailed is returned when a conditional update found the
	// record in a different state than expected.
	ErrPreconditionFailed = errors.New("record was modified concurrently")
)

// NodeFilter narrows a node listing.
type NodeFilter struct {
	Tier            models.Tier
	IncludeInactive bool
}

// NodeStore defines operations on edge nodes.
type NodeStore interface {
	// Create inserts a newly registered node.
	Create(ctx context.Context, node *models.EdgeNode) error
	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*models.EdgeNode, error)
	// List retrieves nodes ordered by registration time.
	List(ctx context.Context, filter NodeFilter) ([]*models.EdgeNode, error)
	// Deactivate marks a node inactive. Already inactive nodes are left untouched.
	Deactivate(ctx context.Context, id string, at time.Time) error
	// UpdateSync writes the sync fields of node (status, timestamps, failure detail,
	// health) only if the stored last_sync_at still equals expectedLastSyncAt.
	UpdateSync(ctx context.Context, node *models.EdgeNode, expectedLastSyncAt *time.Time) error
	// ListStale retrieves active nodes in a state the liveness sweep may expire
	// whose last sync is older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.EdgeNode, error)
	// MarkUnreachable moves a node to unreachable if it is still stale at cutoff.
	// Returns false when the node changed in the meantime.
	MarkUnreachable(ctx context.Context, id string, cutoff, at time.Time) (bool, error)
	// MergeInstalledComponents merges components into the installed projection.
	// A component is replaced only if its stored InstalledAt is not after the
	// incoming one. syncID becomes the last component sync unless the current
	// one occurred after syncAt.
	MergeInstalledComponents(ctx context.Context, id string, components map[string]models.InstalledComponent, syncID string, syncAt, at time.Time) error
}

// DeploymentStore defines operations on fleet deployments.
type DeploymentStore interface {
	// CreateExclusive inserts d only if its node has no active deployment.
	// Returns ErrConflict otherwise.
	CreateExclusive(ctx context.Context, d *models.FleetDeployment) error
	// Get retrieves a deployment by ID.
	Get(ctx context.Context, id string) (*models.FleetDeployment, error)
	// ListByNode retrieves all deployments of a node, newest first.
	ListByNode(ctx context.Context, nodeID string) ([]*models.FleetDeployment, error)
	// ListDue retrieves deployments in one of statuses whose next poll time has passed.
	ListDue(ctx context.Context, statuses []models.DeploymentStatus, now time.Time, limit int) ([]*models.FleetDeployment, error)
	// Transition persists the mutable fields of d if the stored status equals expected.
	Transition(ctx context.Context, d *models.FleetDeployment, expected models.DeploymentStatus) error
	// LatestHealthyBefore returns the most recent healthy deployment of a node
	// that started strictly before the given time.
	LatestHealthyBefore(ctx context.Context, nodeID string, before time.Time) (*models.FleetDeployment, error)
}

// CommandStore defines operations on queued node commands.
type CommandStore interface {
	// Create inserts a command and assigns its delivery sequence.
	Create(ctx context.Context, cmd *models.EdgeNodeCommand) error
	// Get retrieves a command by ID.
	Get(ctx context.Context, id string) (*models.EdgeNodeCommand, error)
	// ListPending retrieves queued and sent commands of a node that have not
	// expired at now, in sequence order.
	ListPending(ctx context.Context, nodeID string, now time.Time) ([]*models.EdgeNodeCommand, error)
	// MarkDelivered moves the given pending commands to sent and counts the delivery.
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error
	// Transition moves a command to status "to" only if it is currently in one
	// of "from". Returns false when the precondition did not hold.
	Transition(ctx context.Context, id string, from []models.CommandStatus, to models.CommandStatus, result *models.CommandResult, at time.Time) (bool, error)
	// ListExpired retrieves pending commands whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.EdgeNodeCommand, error)
	// ListByNode retrieves the most recent commands of a node, newest first.
	ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.EdgeNodeCommand, error)
}

// ComponentSyncStore defines operations on the append-only component sync log.
type ComponentSyncStore interface {
	// Append adds a record to the log.
	Append(ctx context.Context, rec *models.ComponentSyncRecord) error
	// ListByNode retrieves the most recent records of a node, newest first.
	ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.ComponentSyncRecord, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Nodes returns the NodeStore for edge node operations.
	Nodes() NodeStore
	// Deployments returns the DeploymentStore for fleet deployment operations.
	Deployments() DeploymentStore
	// Commands returns the CommandStore for command queue operations.
	Commands() CommandStore
	// ComponentSyncs returns the ComponentSyncStore for sync history operations.
	ComponentSyncs() ComponentSyncStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
