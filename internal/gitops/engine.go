package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/mesh"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// maxReportRetries bounds compare-and-swap retries on the event path.
const maxReportRetries = 3

// Config holds engine settings.
type Config struct {
	Descriptor DescriptorConfig
	// MaxPollRetries is how many unconverged or failed polls a deployment
	// survives before it fails with status_poll_exhausted.
	MaxPollRetries int
	Backoff        Backoff
	// CommitDeadline is how long a deployment may stay pending before it is
	// treated as orphaned and failed.
	CommitDeadline time.Duration
}

// DefaultConfig returns default engine settings.
func DefaultConfig() Config {
	return Config{
		Descriptor:     DefaultDescriptorConfig(),
		MaxPollRetries: 20,
		Backoff:        Backoff{Base: 5 * time.Second, Max: 5 * time.Minute},
		CommitDeadline: 10 * time.Minute,
	}
}

// Engine owns the fleet deployment state machine.
type Engine struct {
	store      store.Store
	controller DeliveryController
	resolver   mesh.Resolver
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger
}

// NewEngine creates an Engine. A nil resolver uses registered mesh addresses.
func NewEngine(s store.Store, controller DeliveryController, resolver mesh.Resolver, clk clock.Clock, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if resolver == nil {
		resolver = mesh.NewStaticResolver()
	}
	if cfg.MaxPollRetries < 1 {
		cfg.MaxPollRetries = DefaultConfig().MaxPollRetries
	}
	if cfg.CommitDeadline <= 0 {
		cfg.CommitDeadline = DefaultConfig().CommitDeadline
	}
	return &Engine{
		store:      s,
		controller: controller,
		resolver:   resolver,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// Deploy starts a deployment of packageRef onto nodeID.
//
// The returned deployment is committed on success. Descriptor or commit
// failures are not returned as errors: the deployment comes back failed with
// its cause recorded.
func (e *Engine) Deploy(ctx context.Context, nodeID, packageRef string) (*models.FleetDeployment, error) {
	if packageRef == "" {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "service package ref is required")
	}

	node, err := e.loadDeployableNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, node, packageRef, nil)
}

// Rollback redeploys the package of the newest healthy deployment that started
// before the source deployment. A degraded source is marked rolled_back.
func (e *Engine) Rollback(ctx context.Context, deploymentID string) (*models.FleetDeployment, error) {
	source, err := e.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !source.Status.IsRollbackable() {
		return nil, fleeterr.Wrap(fleeterr.ErrNotRollbackable, "deployment %s is %s", source.ID, source.Status)
	}

	node, err := e.loadDeployableNode(ctx, source.EdgeNodeID)
	if err != nil {
		return nil, err
	}

	prior, err := e.store.Deployments().LatestHealthyBefore(ctx, source.EdgeNodeID, source.StartedAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNoPriorHealthyPackage, "node %s before %s", source.EdgeNodeID, source.ID)
		}
		return nil, fleeterr.Unavailable("finding prior healthy deployment", err)
	}

	e.logger.Info("rolling back deployment",
		"deployment_id", source.ID,
		"node_id", source.EdgeNodeID,
		"from_package", source.ServicePackageRef,
		"to_package", prior.ServicePackageRef,
		"prior_deployment_id", prior.ID,
	)

	sourceID := source.ID
	return e.start(ctx, node, prior.ServicePackageRef, &sourceID)
}

// start claims the node's deployment slot and commits the descriptor.
func (e *Engine) start(ctx context.Context, node *models.EdgeNode, packageRef string, rollbackOf *string) (*models.FleetDeployment, error) {
	now := e.clock.Now()
	dep := &models.FleetDeployment{
		ID:                uuid.New().String(),
		EdgeNodeID:        node.ID,
		ServicePackageRef: packageRef,
		Status:            models.DeploymentStatusPending,
		RollbackOf:        rollbackOf,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.store.Deployments().CreateExclusive(ctx, dep); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fleeterr.Wrap(fleeterr.ErrDeploymentInProgress, "node %s", node.ID)
		}
		return nil, fleeterr.Unavailable("creating deployment", err)
	}

	e.logger.Info("deployment created",
		"deployment_id", dep.ID,
		"node_id", node.ID,
		"package", packageRef,
		"rollback_of", derefString(rollbackOf),
	)

	// The slot is claimed; record the outcome even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if rollbackOf != nil {
		e.retireDegradedSource(ctx, *rollbackOf)
	}

	return e.commit(ctx, node, dep)
}

// retireDegradedSource moves a degraded rollback source to rolled_back.
// Healthy and failed sources are terminal and stay as they are.
func (e *Engine) retireDegradedSource(ctx context.Context, sourceID string) {
	source, err := e.store.Deployments().Get(ctx, sourceID)
	if err != nil {
		e.logger.Error("failed to load rollback source", "deployment_id", sourceID, "error", err)
		return
	}
	if source.Status != models.DeploymentStatusDegraded {
		return
	}

	now := e.clock.Now()
	upd := source.Clone()
	upd.Status = models.DeploymentStatusRolledBack
	upd.NextPollAt = nil
	upd.CompletedAt = &now
	upd.UpdatedAt = now

	if err := e.store.Deployments().Transition(ctx, upd, models.DeploymentStatusDegraded); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			e.logger.Info("rollback source left degraded before it could be retired", "deployment_id", sourceID)
			return
		}
		e.logger.Error("failed to mark deployment rolled back", "deployment_id", sourceID, "error", err)
		return
	}
	e.logger.Info("deployment rolled back", "deployment_id", sourceID, "node_id", source.EdgeNodeID)
}

// commit generates and submits the descriptor for a pending deployment.
func (e *Engine) commit(ctx context.Context, node *models.EdgeNode, dep *models.FleetDeployment) (*models.FleetDeployment, error) {
	address, err := e.resolver.Resolve(ctx, node)
	if err != nil {
		return e.fail(ctx, dep, models.FailureCauseDescriptorGeneration, fmt.Sprintf("resolving mesh address: %v", err))
	}
	desc, err := BuildDescriptor(e.cfg.Descriptor, node, dep, address)
	if err != nil {
		return e.fail(ctx, dep, models.FailureCauseDescriptorGeneration, err.Error())
	}

	if e.controller == nil {
		return e.fail(ctx, dep, models.FailureCauseCommitSubmission, "no delivery controller configured")
	}
	sha, err := e.controller.SubmitDescriptor(ctx, desc)
	if err != nil {
		return e.fail(ctx, dep, models.FailureCauseCommitSubmission, err.Error())
	}
	if sha == "" {
		return e.fail(ctx, dep, models.FailureCauseCommitSubmission, "delivery controller returned an empty commit reference")
	}

	now := e.clock.Now()
	upd := dep.Clone()
	upd.Status = models.DeploymentStatusCommitted
	upd.CommitSHA = &sha
	upd.NextPollAt = &now
	upd.UpdatedAt = now

	if err := e.store.Deployments().Transition(ctx, upd, models.DeploymentStatusPending); err != nil {
		return nil, fleeterr.Unavailable("recording commit", err)
	}

	e.logger.Info("deployment committed",
		"deployment_id", upd.ID,
		"node_id", upd.EdgeNodeID,
		"commit_sha", sha,
		"path", desc.FilePath,
	)
	return upd, nil
}

// failOrphaned fails a deployment that has been pending longer than the
// commit deadline. It returns store.ErrPreconditionFailed if the deployment
// moved on in the meantime.
func (e *Engine) failOrphaned(ctx context.Context, dep *models.FleetDeployment) error {
	detail := fmt.Sprintf("orphaned: no commit recorded within %s of start", e.cfg.CommitDeadline)
	_, err := e.recordFailure(ctx, dep, models.FailureCauseCommitSubmission, detail)
	return err
}

func (e *Engine) fail(ctx context.Context, dep *models.FleetDeployment, cause models.FailureCause, detail string) (*models.FleetDeployment, error) {
	upd, err := e.recordFailure(ctx, dep, cause, detail)
	if err != nil {
		return nil, fleeterr.Unavailable("recording deployment failure", err)
	}
	return upd, nil
}

func (e *Engine) recordFailure(ctx context.Context, dep *models.FleetDeployment, cause models.FailureCause, detail string) (*models.FleetDeployment, error) {
	now := e.clock.Now()
	upd := dep.Clone()
	upd.Status = models.DeploymentStatusFailed
	upd.FailureCause = cause
	upd.FailureDetail = detail
	upd.NextPollAt = nil
	upd.CompletedAt = &now
	upd.UpdatedAt = now

	if err := e.store.Deployments().Transition(ctx, upd, dep.Status); err != nil {
		return nil, err
	}

	e.logger.Warn("deployment failed",
		"deployment_id", upd.ID,
		"node_id", upd.EdgeNodeID,
		"cause", cause,
		"detail", detail,
	)
	return upd, nil
}

// ReportRolloutStatus applies a status pushed by the delivery controller.
// Reports that would move a deployment backwards or out of a terminal state
// are ignored and the current record is returned.
func (e *Engine) ReportRolloutStatus(ctx context.Context, deploymentID string, status RolloutStatus) (*models.FleetDeployment, error) {
	if !status.IsValid() {
		return nil, fleeterr.Wrap(fleeterr.ErrInvalidArgument, "unknown rollout status %q", status)
	}

	for attempt := 0; ; attempt++ {
		dep, err := e.Get(ctx, deploymentID)
		if err != nil {
			return nil, err
		}

		upd, changed := e.observe(dep, status, e.clock.Now())
		if !changed {
			e.logger.Debug("rollout status report ignored",
				"deployment_id", dep.ID,
				"status", dep.Status,
				"reported", status,
			)
			return dep, nil
		}

		err = e.store.Deployments().Transition(ctx, upd, dep.Status)
		if err == nil {
			e.logTransition(dep, upd, "event")
			return upd, nil
		}
		if !errors.Is(err, store.ErrPreconditionFailed) || attempt+1 >= maxReportRetries {
			return nil, fleeterr.Unavailable("applying rollout status", err)
		}
	}
}

// applyPoll folds one poll result into dep. pollErr is the controller error, if any.
func (e *Engine) applyPoll(ctx context.Context, dep *models.FleetDeployment, status RolloutStatus, pollErr error) (*models.FleetDeployment, error) {
	now := e.clock.Now()

	upd, changed := dep.Clone(), false
	if pollErr == nil {
		upd, changed = e.observe(dep, status, now)
	}

	if pollErr != nil || !status.Converged() || !changed {
		upd.PollAttempts++
		if upd.PollAttempts > e.cfg.MaxPollRetries {
			detail := fmt.Sprintf("no converged status after %d polls", upd.PollAttempts)
			if pollErr != nil {
				detail = fmt.Sprintf("%s, last error: %v", detail, pollErr)
			} else {
				detail = fmt.Sprintf("%s, last status: %s", detail, status)
			}
			upd.Status = models.DeploymentStatusFailed
			upd.FailureCause = models.FailureCauseStatusPollExhausted
			upd.FailureDetail = detail
			upd.NextPollAt = nil
			upd.CompletedAt = &now
		} else {
			next := now.Add(e.cfg.Backoff.Delay(upd.PollAttempts))
			upd.NextPollAt = &next
		}
		upd.UpdatedAt = now
	}

	if err := e.store.Deployments().Transition(ctx, upd, dep.Status); err != nil {
		return nil, err
	}
	if upd.Status != dep.Status {
		e.logTransition(dep, upd, "poll")
	}
	return upd, nil
}

// observe computes the record after seeing status. It reports false when the
// status does not move the deployment.
func (e *Engine) observe(dep *models.FleetDeployment, status RolloutStatus, now time.Time) (*models.FleetDeployment, bool) {
	var target models.DeploymentStatus
	switch status {
	case RolloutSyncing:
		target = models.DeploymentStatusRollingOut
	case RolloutHealthy:
		target = models.DeploymentStatusHealthy
	case RolloutDegraded:
		target = models.DeploymentStatusDegraded
	case RolloutFailed:
		target = models.DeploymentStatusFailed
	default:
		return dep, false
	}

	if target == dep.Status || !dep.Status.CanTransitionTo(target) {
		return dep, false
	}
	// Pending deployments are still being committed.
	if dep.Status == models.DeploymentStatusPending {
		return dep, false
	}

	upd := dep.Clone()
	upd.Status = target
	upd.UpdatedAt = now
	switch target {
	case models.DeploymentStatusHealthy:
		upd.NextPollAt = nil
		upd.CompletedAt = &now
	case models.DeploymentStatusDegraded:
		upd.NextPollAt = nil
	case models.DeploymentStatusFailed:
		upd.FailureCause = models.FailureCauseControllerReported
		upd.FailureDetail = "delivery controller reported the rollout failed"
		upd.NextPollAt = nil
		upd.CompletedAt = &now
	}
	return upd, true
}

func (e *Engine) logTransition(from, to *models.FleetDeployment, via string) {
	attrs := []any{
		"deployment_id", to.ID,
		"node_id", to.EdgeNodeID,
		"from", from.Status,
		"to", to.Status,
		"via", via,
	}
	switch to.Status {
	case models.DeploymentStatusFailed:
		e.logger.Warn("deployment failed", append(attrs, "cause", to.FailureCause, "detail", to.FailureDetail)...)
	case models.DeploymentStatusDegraded:
		e.logger.Warn("deployment degraded", attrs...)
	default:
		e.logger.Info("deployment status changed", attrs...)
	}
}

// Get returns a deployment by id.
func (e *Engine) Get(ctx context.Context, deploymentID string) (*models.FleetDeployment, error) {
	dep, err := e.store.Deployments().Get(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "deployment %s", deploymentID)
		}
		return nil, fleeterr.Unavailable("loading deployment", err)
	}
	return dep, nil
}

// ListByNode returns a node's deployments, newest first.
func (e *Engine) ListByNode(ctx context.Context, nodeID string) ([]*models.FleetDeployment, error) {
	if _, err := e.loadNode(ctx, nodeID); err != nil {
		return nil, err
	}
	deps, err := e.store.Deployments().ListByNode(ctx, nodeID)
	if err != nil {
		return nil, fleeterr.Unavailable("listing deployments", err)
	}
	if deps == nil {
		deps = []*models.FleetDeployment{}
	}
	return deps, nil
}

func (e *Engine) loadDeployableNode(ctx context.Context, nodeID string) (*models.EdgeNode, error) {
	node, err := e.loadNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !node.Active {
		return nil, fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID)
	}
	if !models.CapabilitiesFor(node.Tier).Deployable {
		return nil, fleeterr.Wrap(fleeterr.ErrTierNotDeployable, "node %s is %s", nodeID, node.Tier)
	}
	return node, nil
}

func (e *Engine) loadNode(ctx context.Context, nodeID string) (*models.EdgeNode, error) {
	node, err := e.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleeterr.Wrap(fleeterr.ErrNotFound, "node %s", nodeID)
		}
		return nil, fleeterr.Unavailable("loading node", err)
	}
	return node, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
