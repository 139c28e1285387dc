package models

import (
	"encoding/json"
	"time"
)

// CommandType identifies an imperative action a node can be asked to perform.
type CommandType string

const (
	CommandResync           CommandType = "resync"
	CommandReportStatus     CommandType = "report_status"
	CommandRestart          CommandType = "restart"
	CommandComponentInstall CommandType = "component_install"
	CommandComponentRemove  CommandType = "component_remove"
	CommandDeploy           CommandType = "deploy"
	CommandFactoryReset     CommandType = "factory_reset"
)

// IsValid returns true if the command type is known.
func (t CommandType) IsValid() bool {
	switch t {
	case CommandResync, CommandReportStatus, CommandRestart, CommandComponentInstall,
		CommandComponentRemove, CommandDeploy, CommandFactoryReset:
		return true
	default:
		return false
	}
}

// CommandStatus is the queue-owned delivery state of a command.
type CommandStatus string

const (
	CommandStatusQueued       CommandStatus = "queued"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusFailed       CommandStatus = "failed"
	CommandStatusExpired      CommandStatus = "expired"
)

// PendingCommandStatuses are the states a node can still act on.
var PendingCommandStatuses = []CommandStatus{CommandStatusQueued, CommandStatusSent}

// IsTerminal reports whether the command can no longer change state.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandStatusAcknowledged || s == CommandStatusFailed || s == CommandStatusExpired
}

// CommandResult is what a node reports back when it finishes a command.
type CommandResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EdgeNodeCommand is a queued instruction for one node.
type EdgeNodeCommand struct {
	ID               string          `json:"id"`
	EdgeNodeID       string          `json:"edge_node_id"`
	Sequence         int64           `json:"sequence"`
	Type             CommandType     `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           CommandStatus   `json:"status"`
	Result           *CommandResult  `json:"result,omitempty"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
}

// Clone returns a deep copy of the command.
func (c *EdgeNodeCommand) Clone() *EdgeNodeCommand {
	if c == nil {
		return nil
	}
	out := *c
	if c.Payload != nil {
		out.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	out.SentAt = cloneTime(c.SentAt)
	out.AcknowledgedAt = cloneTime(c.AcknowledgedAt)
	return &out
}
