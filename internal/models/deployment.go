package models

import "time"

// DeploymentStatus represents the current state of a fleet deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusCommitted  DeploymentStatus = "committed"
	DeploymentStatusRollingOut DeploymentStatus = "rolling_out"
	DeploymentStatusHealthy    DeploymentStatus = "healthy"
	DeploymentStatusDegraded   DeploymentStatus = "degraded"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// ActiveDeploymentStatuses are the states that hold a node's deployment slot.
var ActiveDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusPending,
	DeploymentStatusCommitted,
	DeploymentStatusRollingOut,
}

// IsValid returns true if the status is a known value.
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusCommitted, DeploymentStatusRollingOut,
		DeploymentStatusHealthy, DeploymentStatusDegraded, DeploymentStatusFailed, DeploymentStatusRolledBack:
		return true
	default:
		return false
	}
}

// IsActive reports whether the deployment still occupies the node's slot.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusPending || s == DeploymentStatusCommitted || s == DeploymentStatusRollingOut
}

// IsTerminal reports whether the status can never change again.
// Degraded is neither active nor terminal.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusHealthy || s == DeploymentStatusFailed || s == DeploymentStatusRolledBack
}

// IsRollbackable reports whether a deployment in this state may be rolled back.
func (s DeploymentStatus) IsRollbackable() bool {
	return s == DeploymentStatusHealthy || s == DeploymentStatusDegraded || s == DeploymentStatusFailed
}

// deploymentTransitions lists the legal forward moves of the deployment state machine.
var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:    {DeploymentStatusCommitted, DeploymentStatusFailed},
	DeploymentStatusCommitted:  {DeploymentStatusRollingOut, DeploymentStatusHealthy, DeploymentStatusDegraded, DeploymentStatusFailed},
	DeploymentStatusRollingOut: {DeploymentStatusHealthy, DeploymentStatusDegraded, DeploymentStatusFailed},
	DeploymentStatusDegraded:   {DeploymentStatusHealthy, DeploymentStatusFailed, DeploymentStatusRolledBack},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Re-entering the same state is allowed for active states so pollers can
// persist bookkeeping without changing status.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	if s == next {
		return s.IsActive()
	}
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureCause classifies why a deployment ended in failed.
type FailureCause string

const (
	FailureCauseDescriptorGeneration FailureCause = "descriptor_generation"
	FailureCauseCommitSubmission     FailureCause = "commit_submission"
	FailureCauseControllerReported   FailureCause = "controller_reported"
	FailureCauseStatusPollExhausted  FailureCause = "status_poll_exhausted"
)

// FleetDeployment is one attempt to converge a node onto a service package via GitOps.
type FleetDeployment struct {
	ID                string           `json:"id"`
	EdgeNodeID        string           `json:"edge_node_id"`
	ServicePackageRef string           `json:"service_package_ref"`
	CommitSHA         *string          `json:"commit_sha,omitempty"`
	Status            DeploymentStatus `json:"status"`
	RollbackOf        *string          `json:"rollback_of,omitempty"`
	FailureCause      FailureCause     `json:"failure_cause,omitempty"`
	FailureDetail     string           `json:"failure_detail,omitempty"`
	PollAttempts      int              `json:"poll_attempts"`
	NextPollAt        *time.Time       `json:"next_poll_at,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the deployment.
func (d *FleetDeployment) Clone() *FleetDeployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.CommitSHA != nil {
		sha := *d.CommitSHA
		c.CommitSHA = &sha
	}
	if d.RollbackOf != nil {
		src := *d.RollbackOf
		c.RollbackOf = &src
	}
	c.NextPollAt = cloneTime(d.NextPollAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}
