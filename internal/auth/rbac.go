package auth

import "errors"

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRole      = errors.New("invalid role")
)

// Role is an operator's role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// IsValid returns true if the role is known.
func (r Role) IsValid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionViewFleet allows reading nodes, deployments, commands and components.
	PermissionViewFleet Permission = "view_fleet"
	// PermissionManageNodes allows registering and deactivating nodes.
	PermissionManageNodes Permission = "manage_nodes"
	// PermissionDeploy allows deploying and rolling back.
	PermissionDeploy Permission = "deploy"
	// PermissionSendCommands allows enqueueing commands.
	PermissionSendCommands Permission = "send_commands"
	// PermissionReportRollout allows pushing rollout status from the delivery bridge.
	PermissionReportRollout Permission = "report_rollout"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionViewFleet,
		PermissionManageNodes,
		PermissionDeploy,
		PermissionSendCommands,
		PermissionReportRollout,
	},
	RoleOperator: {
		PermissionViewFleet,
		PermissionDeploy,
		PermissionSendCommands,
		PermissionReportRollout,
	},
	RoleViewer: {
		PermissionViewFleet,
	},
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrPermissionDenied
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}
