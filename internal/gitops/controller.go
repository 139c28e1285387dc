// Package gitops drives fleet deployments through a GitOps delivery controller.
//
// A deployment is committed as a desired-state descriptor; the controller
// reconciles the node's cluster and reports rollout status, which the engine
// folds into the deployment state machine.
package gitops

import (
	"context"
	"fmt"
)

// RolloutStatus is the delivery controller's view of a committed descriptor.
type RolloutStatus string

const (
	RolloutSyncing  RolloutStatus = "syncing"
	RolloutHealthy  RolloutStatus = "healthy"
	RolloutDegraded RolloutStatus = "degraded"
	RolloutFailed   RolloutStatus = "failed"
	// RolloutUnknown means the controller has not picked up the commit yet.
	RolloutUnknown RolloutStatus = "unknown"
)

// IsValid returns true if the status is a known value.
func (s RolloutStatus) IsValid() bool {
	switch s {
	case RolloutSyncing, RolloutHealthy, RolloutDegraded, RolloutFailed, RolloutUnknown:
		return true
	default:
		return false
	}
}

// Converged reports whether the rollout has settled.
func (s RolloutStatus) Converged() bool {
	return s == RolloutHealthy || s == RolloutDegraded || s == RolloutFailed
}

// ParseRolloutStatus converts s to a RolloutStatus.
func ParseRolloutStatus(s string) (RolloutStatus, error) {
	st := RolloutStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown rollout status %q", s)
	}
	return st, nil
}

// DeliveryController commits descriptors and reports how their rollout is going.
type DeliveryController interface {
	// SubmitDescriptor commits d and returns the commit reference.
	SubmitDescriptor(ctx context.Context, d *Descriptor) (string, error)
	// GetStatus returns the rollout status of a previously submitted commit.
	GetStatus(ctx context.Context, commitRef string) (RolloutStatus, error)
}
