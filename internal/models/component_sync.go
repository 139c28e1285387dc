package models

import "time"

// SyncOutcome is the overall result of a component sync run on a node.
type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomePartial SyncOutcome = "partial"
	SyncOutcomeFailure SyncOutcome = "failure"
)

// IsValid returns true if the outcome is known.
func (o SyncOutcome) IsValid() bool {
	return o == SyncOutcomeSuccess || o == SyncOutcomePartial || o == SyncOutcomeFailure
}

// ComponentResult is the per-component part of a sync report.
type ComponentResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ComponentSyncRecord is one append-only entry of a node's component sync history.
type ComponentSyncRecord struct {
	ID         string            `json:"id"`
	EdgeNodeID string            `json:"edge_node_id"`
	Components []string          `json:"components"`
	Results    []ComponentResult `json:"results"`
	Outcome    SyncOutcome       `json:"outcome"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// MergeableComponents returns the components of the record that may be merged
// into the node's installed projection.
func (r *ComponentSyncRecord) MergeableComponents() map[string]InstalledComponent {
	out := make(map[string]InstalledComponent)
	switch r.Outcome {
	case SyncOutcomeSuccess:
		for _, res := range r.Results {
			out[res.Name] = InstalledComponent{Version: res.Version, InstalledAt: r.OccurredAt}
		}
	case SyncOutcomePartial:
		for _, res := range r.Results {
			if res.Success {
				out[res.Name] = InstalledComponent{Version: res.Version, InstalledAt: r.OccurredAt}
			}
		}
	}
	return out
}
