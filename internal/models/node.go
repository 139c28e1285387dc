package models

import "time"

// SyncStatus represents the liveness/sync state of an edge node as seen by the master.
type SyncStatus string

const (
	// SyncStatusNeverSynced is the initial state until the node's first report.
	SyncStatusNeverSynced SyncStatus = "never_synced"
	// SyncStatusSyncing means the node reported a reconciliation in progress.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced means the node's last report was a completed sync.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusFailed means the node reported a failed sync.
	SyncStatusFailed SyncStatus = "sync_failed"
	// SyncStatusUnreachable means no report arrived within the liveness window.
	SyncStatusUnreachable SyncStatus = "unreachable"
)

// IsValid returns true if the sync status is a known value.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusNeverSynced, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed, SyncStatusUnreachable:
		return true
	default:
		return false
	}
}

// CanBecomeUnreachable reports whether the liveness sweep may move a node
// in this state to unreachable. Any state that has seen a heartbeat can go
// silent, including a sync that never completed.
func (s SyncStatus) CanBecomeUnreachable() bool {
	return s == SyncStatusSynced || s == SyncStatusSyncing || s == SyncStatusFailed
}

// InstalledComponent is one entry of a node's current installed-software projection.
type InstalledComponent struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

// HealthSnapshot is the health payload carried by a heartbeat.
type HealthSnapshot struct {
	AgentVersion    string            `json:"agent_version,omitempty"`
	UptimeSeconds   int64             `json:"uptime_seconds,omitempty"`
	CPUUsagePercent float64           `json:"cpu_usage_percent,omitempty"`
	MemoryTotal     int64             `json:"memory_total,omitempty"`
	MemoryAvailable int64             `json:"memory_available,omitempty"`
	DiskTotal       int64             `json:"disk_total,omitempty"`
	DiskAvailable   int64             `json:"disk_available,omitempty"`
	Components      map[string]string `json:"components,omitempty"` // component name -> runtime state
}

// EdgeNode is the canonical record of a remote automation hub.
type EdgeNode struct {
	ID                  string                        `json:"id"`
	Name                string                        `json:"name"`
	Hostname            string                        `json:"hostname,omitempty"`
	Tier                Tier                          `json:"tier"`
	ManagedByMaster     bool                          `json:"managed_by_master"`
	AutoUpdateEnabled   bool                          `json:"auto_update_enabled"`
	SyncStatus          SyncStatus                    `json:"sync_status"`
	LastSyncAt          *time.Time                    `json:"last_sync_at,omitempty"`
	LastFailureAt       *time.Time                    `json:"last_failure_at,omitempty"`
	LastFailureReason   string                        `json:"last_failure_reason,omitempty"`
	InstalledComponents map[string]InstalledComponent `json:"installed_components"`
	LastComponentSyncID *string                       `json:"last_component_sync_id,omitempty"`
	MeshAddress         string                        `json:"mesh_address"`
	Health              *HealthSnapshot               `json:"health,omitempty"`
	Active              bool                          `json:"active"`
	DeactivatedAt       *time.Time                    `json:"deactivated_at,omitempty"`
	RegisteredAt        time.Time                     `json:"registered_at"`
	UpdatedAt           time.Time                     `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n *EdgeNode) Clone() *EdgeNode {
	if n == nil {
		return nil
	}
	c := *n
	c.LastSyncAt = cloneTime(n.LastSyncAt)
	c.LastFailureAt = cloneTime(n.LastFailureAt)
	c.DeactivatedAt = cloneTime(n.DeactivatedAt)
	if n.LastComponentSyncID != nil {
		id := *n.LastComponentSyncID
		c.LastComponentSyncID = &id
	}
	if n.InstalledComponents != nil {
		c.InstalledComponents = make(map[string]InstalledComponent, len(n.InstalledComponents))
		for k, v := range n.InstalledComponents {
			c.InstalledComponents[k] = v
		}
	}
	if n.Health != nil {
		h := *n.Health
		if n.Health.Components != nil {
			h.Components = make(map[string]string, len(n.Health.Components))
			for k, v := range n.Health.Components {
				h.Components[k] = v
			}
		}
		c.Health = &h
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
