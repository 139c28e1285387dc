// Package memory provides an in-process implementation of the store interfaces.
// It is used for tests and for running hubfleetd without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// Store implements store.Store on top of maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	nodes       map[string]*models.EdgeNode
	deployments map[string]*models.FleetDeployment
	commands    map[string]*models.EdgeNodeCommand
	syncs       []*models.ComponentSyncRecord
	commandSeq  int64

	nodeStore       *NodeStore
	deploymentStore *DeploymentStore
	commandStore    *CommandStore
	syncStore       *ComponentSyncStore
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		nodes:       make(map[string]*models.EdgeNode),
		deployments: make(map[string]*models.FleetDeployment),
		commands:    make(map[string]*models.EdgeNodeCommand),
	}
	s.nodeStore = &NodeStore{s: s}
	s.deploymentStore = &DeploymentStore{s: s}
	s.commandStore = &CommandStore{s: s}
	s.syncStore = &ComponentSyncStore{s: s}
	return s
}

// Nodes returns the NodeStore.
func (s *Store) Nodes() store.NodeStore { return s.nodeStore }

// Deployments returns the DeploymentStore.
func (s *Store) Deployments() store.DeploymentStore { return s.deploymentStore }

// Commands returns the CommandStore.
func (s *Store) Commands() store.CommandStore { return s.commandStore }

// ComponentSyncs returns the ComponentSyncStore.
func (s *Store) ComponentSyncs() store.ComponentSyncStore { return s.syncStore }

// WithTx runs fn against the same store. Each individual operation is atomic;
// the memory store does not roll back partial work when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Ping always succeeds unless ctx is done.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// NodeStore implements store.NodeStore.
type NodeStore struct {
	s *Store
}

// Create inserts a newly registered node.
func (n *NodeStore) Create(ctx context.Context, node *models.EdgeNode) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	if _, ok := n.s.nodes[node.ID]; ok {
		return store.ErrConflict
	}
	n.s.nodes[node.ID] = node.Clone()
	return nil
}

// Get retrieves a node by ID.
func (n *NodeStore) Get(ctx context.Context, id string) (*models.EdgeNode, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	node, ok := n.s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return node.Clone(), nil
}

// List retrieves nodes ordered by registration time.
func (n *NodeStore) List(ctx context.Context, filter store.NodeFilter) ([]*models.EdgeNode, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	out := make([]*models.EdgeNode, 0, len(n.s.nodes))
	for _, node := range n.s.nodes {
		if filter.Tier != "" && node.Tier != filter.Tier {
			continue
		}
		if !filter.IncludeInactive && !node.Active {
			continue
		}
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

// Deactivate marks a node inactive.
func (n *NodeStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	node, ok := n.s.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if !node.Active {
		return nil
	}
	node.Active = false
	node.DeactivatedAt = &at
	node.UpdatedAt = at
	return nil
}

// UpdateSync writes the sync fields of node if last_sync_at still matches.
func (n *NodeStore) UpdateSync(ctx context.Context, node *models.EdgeNode, expectedLastSyncAt *time.Time) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	cur, ok := n.s.nodes[node.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !sameTime(cur.LastSyncAt, expectedLastSyncAt) {
		return store.ErrPreconditionFailed
	}
	upd := node.Clone()
	cur.SyncStatus = upd.SyncStatus
	cur.LastSyncAt = upd.LastSyncAt
	cur.LastFailureAt = upd.LastFailureAt
	cur.LastFailureReason = upd.LastFailureReason
	cur.Health = upd.Health
	cur.UpdatedAt = upd.UpdatedAt
	return nil
}

// ListStale retrieves active synced or failed nodes whose last sync is before cutoff.
func (n *NodeStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.EdgeNode, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	var out []*models.EdgeNode
	for _, node := range n.s.nodes {
		if isStale(node, cutoff) {
			out = append(out, node.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkUnreachable moves a node to unreachable if it is still stale.
func (n *NodeStore) MarkUnreachable(ctx context.Context, id string, cutoff, at time.Time) (bool, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	node, ok := n.s.nodes[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !isStale(node, cutoff) {
		return false, nil
	}
	node.SyncStatus = models.SyncStatusUnreachable
	node.UpdatedAt = at
	return true, nil
}

// MergeInstalledComponents merges components into the node's installed projection.
// Older reports never replace newer entries.
func (n *NodeStore) MergeInstalledComponents(ctx context.Context, id string, components map[string]models.InstalledComponent, syncID string, syncAt, at time.Time) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	node, ok := n.s.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if node.InstalledComponents == nil {
		node.InstalledComponents = make(map[string]models.InstalledComponent, len(components))
	}
	for name, c := range components {
		if cur, ok := node.InstalledComponents[name]; ok && cur.InstalledAt.After(c.InstalledAt) {
			continue
		}
		node.InstalledComponents[name] = c
	}
	if !n.s.syncNewerThan(node.LastComponentSyncID, syncAt) {
		sid := syncID
		node.LastComponentSyncID = &sid
	}
	node.UpdatedAt = at
	return nil
}

// syncNewerThan reports whether the sync record id occurred after t.
// Callers hold s.mu.
func (s *Store) syncNewerThan(id *string, t time.Time) bool {
	if id == nil {
		return false
	}
	for _, rec := range s.syncs {
		if rec.ID == *id {
			return rec.OccurredAt.After(t)
		}
	}
	return false
}

func isStale(node *models.EdgeNode, cutoff time.Time) bool {
	return node.Active &&
		node.SyncStatus.CanBecomeUnreachable() &&
		node.LastSyncAt != nil &&
		node.LastSyncAt.Before(cutoff)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// DeploymentStore implements store.DeploymentStore.
type DeploymentStore struct {
	s *Store
}

// CreateExclusive inserts d unless its node already has an active deployment.
func (d *DeploymentStore) CreateExclusive(ctx context.Context, dep *models.FleetDeployment) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	if _, ok := d.s.deployments[dep.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range d.s.deployments {
		if existing.EdgeNodeID == dep.EdgeNodeID && existing.Status.IsActive() {
			return store.ErrConflict
		}
	}
	d.s.deployments[dep.ID] = dep.Clone()
	return nil
}

// Get retrieves a deployment by ID.
func (d *DeploymentStore) Get(ctx context.Context, id string) (*models.FleetDeployment, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	dep, ok := d.s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dep.Clone(), nil
}

// ListByNode retrieves all deployments of a node, newest first.
func (d *DeploymentStore) ListByNode(ctx context.Context, nodeID string) ([]*models.FleetDeployment, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var out []*models.FleetDeployment
	for _, dep := range d.s.deployments {
		if dep.EdgeNodeID == nodeID {
			out = append(out, dep.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListDue retrieves deployments in statuses whose next poll time is at or before now.
func (d *DeploymentStore) ListDue(ctx context.Context, statuses []models.DeploymentStatus, now time.Time, limit int) ([]*models.FleetDeployment, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	want := make(map[models.DeploymentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*models.FleetDeployment
	for _, dep := range d.s.deployments {
		if !want[dep.Status] {
			continue
		}
		if dep.NextPollAt != nil && dep.NextPollAt.After(now) {
			continue
		}
		out = append(out, dep.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return pollTime(out[i]).Before(pollTime(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func pollTime(d *models.FleetDeployment) time.Time {
	if d.NextPollAt != nil {
		return *d.NextPollAt
	}
	return d.StartedAt
}

// Transition persists d if the stored status equals expected.
func (d *DeploymentStore) Transition(ctx context.Context, dep *models.FleetDeployment, expected models.DeploymentStatus) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	cur, ok := d.s.deployments[dep.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != expected {
		return store.ErrPreconditionFailed
	}
	upd := dep.Clone()
	cur.Status = upd.Status
	cur.CommitSHA = upd.CommitSHA
	cur.FailureCause = upd.FailureCause
	cur.FailureDetail = upd.FailureDetail
	cur.PollAttempts = upd.PollAttempts
	cur.NextPollAt = upd.NextPollAt
	cur.CompletedAt = upd.CompletedAt
	cur.UpdatedAt = upd.UpdatedAt
	return nil
}

// LatestHealthyBefore returns the newest healthy deployment of a node started before the given time.
func (d *DeploymentStore) LatestHealthyBefore(ctx context.Context, nodeID string, before time.Time) (*models.FleetDeployment, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var best *models.FleetDeployment
	for _, dep := range d.s.deployments {
		if dep.EdgeNodeID != nodeID || dep.Status != models.DeploymentStatusHealthy {
			continue
		}
		if !dep.StartedAt.Before(before) {
			continue
		}
		if best == nil || dep.StartedAt.After(best.StartedAt) {
			best = dep
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best.Clone(), nil
}

func sortNewestFirst(deps []*models.FleetDeployment) {
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].StartedAt.Equal(deps[j].StartedAt) {
			return deps[i].ID > deps[j].ID
		}
		return deps[i].StartedAt.After(deps[j].StartedAt)
	})
}

// CommandStore implements store.CommandStore.
type CommandStore struct {
	s *Store
}

// Create inserts a command and assigns its sequence.
func (c *CommandStore) Create(ctx context.Context, cmd *models.EdgeNodeCommand) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, ok := c.s.commands[cmd.ID]; ok {
		return store.ErrConflict
	}
	c.s.commandSeq++
	cmd.Sequence = c.s.commandSeq
	c.s.commands[cmd.ID] = cmd.Clone()
	return nil
}

// Get retrieves a command by ID.
func (c *CommandStore) Get(ctx context.Context, id string) (*models.EdgeNodeCommand, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cmd, ok := c.s.commands[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cmd.Clone(), nil
}

// ListPending retrieves unexpired queued and sent commands of a node in sequence order.
func (c *CommandStore) ListPending(ctx context.Context, nodeID string, now time.Time) ([]*models.EdgeNodeCommand, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []*models.EdgeNodeCommand
	for _, cmd := range c.s.commands {
		if cmd.EdgeNodeID != nodeID || cmd.Status.IsTerminal() {
			continue
		}
		if !cmd.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cmd.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// MarkDelivered moves pending commands to sent and counts the delivery.
func (c *CommandStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for _, id := range ids {
		cmd, ok := c.s.commands[id]
		if !ok || cmd.Status.IsTerminal() {
			continue
		}
		cmd.Status = models.CommandStatusSent
		cmd.DeliveryAttempts++
		sent := at
		cmd.SentAt = &sent
	}
	return nil
}

// Transition moves a command to "to" if its status is one of "from".
func (c *CommandStore) Transition(ctx context.Context, id string, from []models.CommandStatus, to models.CommandStatus, result *models.CommandResult, at time.Time) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cmd, ok := c.s.commands[id]
	if !ok {
		return false, store.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if cmd.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	cmd.Status = to
	if result != nil {
		r := *result
		cmd.Result = &r
	}
	if to == models.CommandStatusAcknowledged || to == models.CommandStatusFailed {
		ack := at
		cmd.AcknowledgedAt = &ack
	}
	return true, nil
}

// ListExpired retrieves pending commands whose expiry is at or before now.
func (c *CommandStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.EdgeNodeCommand, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []*models.EdgeNodeCommand
	for _, cmd := range c.s.commands {
		if cmd.Status.IsTerminal() || cmd.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cmd.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByNode retrieves the most recent commands of a node.
func (c *CommandStore) ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.EdgeNodeCommand, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []*models.EdgeNodeCommand
	for _, cmd := range c.s.commands {
		if cmd.EdgeNodeID == nodeID {
			out = append(out, cmd.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ComponentSyncStore implements store.ComponentSyncStore.
type ComponentSyncStore struct {
	s *Store
}

// Append adds a record to the sync log.
func (c *ComponentSyncStore) Append(ctx context.Context, rec *models.ComponentSyncRecord) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cp := *rec
	cp.Components = append([]string(nil), rec.Components...)
	cp.Results = append([]models.ComponentResult(nil), rec.Results...)
	c.s.syncs = append(c.s.syncs, &cp)
	return nil
}

// ListByNode retrieves the most recent sync records of a node.
func (c *ComponentSyncStore) ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.ComponentSyncRecord, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []*models.ComponentSyncRecord
	for i := len(c.s.syncs) - 1; i >= 0; i-- {
		rec := c.s.syncs[i]
		if rec.EdgeNodeID != nodeID {
			continue
		}
		cp := *rec
		cp.Components = append([]string(nil), rec.Components...)
		cp.Results = append([]models.ComponentResult(nil), rec.Results...)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
