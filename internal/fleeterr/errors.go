// Package fleeterr defines the classified errors returned by the fleet engine.
package fleeterr

import (
	"errors"
	"fmt"
)

// Kind is the class of an error. Callers decide how to react based on it.
type Kind string

const (
	// KindPolicyViolation means the node's tier forbids the action. Never retried.
	KindPolicyViolation Kind = "policy_violation"
	// KindConflict means an invariant blocked the action. Retry after backoff.
	KindConflict Kind = "conflict"
	// KindNotFound means an unknown id.
	KindNotFound Kind = "not_found"
	// KindExternalCollaborator means a store or controller was unavailable.
	KindExternalCollaborator Kind = "external_collaborator"
	// KindInvalidArgument means the request itself was malformed.
	KindInvalidArgument Kind = "invalid_argument"
	// KindInternal is anything unclassified.
	KindInternal Kind = "internal"
)

// Error is a classified fleet error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrInvalidTierConfiguration = &Error{KindPolicyViolation, "INVALID_TIER_CONFIGURATION", "tier does not permit the requested flag combination"}
	ErrNodeNotEligible          = &Error{KindPolicyViolation, "NODE_NOT_ELIGIBLE", "node tier does not accept this command type"}
	ErrTierNotDeployable        = &Error{KindPolicyViolation, "TIER_NOT_DEPLOYABLE", "node tier is not a deployment target"}
	ErrNodeInactive             = &Error{KindPolicyViolation, "NODE_INACTIVE", "node is deactivated"}
	ErrNotRollbackable          = &Error{KindPolicyViolation, "NOT_ROLLBACKABLE", "deployment is not in a rollbackable state"}
	ErrNoPriorHealthyPackage    = &Error{KindPolicyViolation, "NO_PRIOR_HEALTHY_PACKAGE", "no earlier healthy deployment to roll back to"}
	ErrDeploymentInProgress     = &Error{KindConflict, "DEPLOYMENT_IN_PROGRESS", "node already has a deployment in progress"}
	ErrNotFound                 = &Error{KindNotFound, "NOT_FOUND", "resource not found"}
	ErrInconsistentOutcome      = &Error{KindInvalidArgument, "INCONSISTENT_OUTCOME", "sync outcome contradicts component results"}
	ErrInvalidArgument          = &Error{KindInvalidArgument, "INVALID_ARGUMENT", "invalid argument"}
	ErrCollaboratorUnavailable  = &Error{KindExternalCollaborator, "COLLABORATOR_UNAVAILABLE", "external collaborator unavailable"}
)

// Wrap annotates a sentinel with detail while keeping errors.Is working.
func Wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Unavailable marks err from a store or controller as an external collaborator failure.
// Both ErrCollaboratorUnavailable and err stay visible to errors.Is.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCollaboratorUnavailable, what, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "INTERNAL_ERROR"
}

// IsRetryable reports whether a caller may retry the operation after backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindExternalCollaborator:
		return true
	default:
		return false
	}
}
