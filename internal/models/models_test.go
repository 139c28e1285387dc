package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusPending,
	DeploymentStatusCommitted,
	DeploymentStatusRollingOut,
	DeploymentStatusHealthy,
	DeploymentStatusDegraded,
	DeploymentStatusFailed,
	DeploymentStatusRolledBack,
}

// TestDeploymentStateMachineProperty walks random transition sequences and
// checks that terminal states are never left and only degraded reaches rolled_back.
func TestDeploymentStateMachineProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states absorb", prop.ForAll(
		func(steps []int) bool {
			cur := DeploymentStatusPending
			for _, idx := range steps {
				next := allDeploymentStatuses[idx]
				if !cur.CanTransitionTo(next) {
					continue
				}
				if cur.IsTerminal() {
					return false
				}
				if next == DeploymentStatusRolledBack && cur != DeploymentStatusDegraded {
					return false
				}
				cur = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allDeploymentStatuses)-1)),
	))

	properties.Property("active and terminal are disjoint", prop.ForAll(
		func(idx int) bool {
			s := allDeploymentStatuses[idx]
			return !(s.IsActive() && s.IsTerminal())
		},
		gen.IntRange(0, len(allDeploymentStatuses)-1),
	))

	properties.TestingRun(t)
}

func TestDeploymentStatusClassification(t *testing.T) {
	tests := []struct {
		status       DeploymentStatus
		active       bool
		terminal     bool
		rollbackable bool
	}{
		{DeploymentStatusPending, true, false, false},
		{DeploymentStatusCommitted, true, false, false},
		{DeploymentStatusRollingOut, true, false, false},
		{DeploymentStatusHealthy, false, true, true},
		{DeploymentStatusDegraded, false, false, true},
		{DeploymentStatusFailed, false, true, true},
		{DeploymentStatusRolledBack, false, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if !tt.status.IsValid() {
				t.Fatal("status not valid")
			}
			if got := tt.status.IsActive(); got != tt.active {
				t.Errorf("IsActive = %v", got)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal = %v", got)
			}
			if got := tt.status.IsRollbackable(); got != tt.rollbackable {
				t.Errorf("IsRollbackable = %v", got)
			}
		})
	}
	if DeploymentStatus("paused").IsValid() {
		t.Error("unknown status reported valid")
	}
}

func TestActiveStatusesMayPersistBookkeeping(t *testing.T) {
	if !DeploymentStatusRollingOut.CanTransitionTo(DeploymentStatusRollingOut) {
		t.Error("rolling_out cannot be re-entered")
	}
	if DeploymentStatusHealthy.CanTransitionTo(DeploymentStatusHealthy) {
		t.Error("healthy re-entered")
	}
	if DeploymentStatusPending.CanTransitionTo(DeploymentStatusHealthy) {
		t.Error("pending skipped the commit")
	}
}

func TestTierCapabilities(t *testing.T) {
	standalone := CapabilitiesFor(TierStandalone)
	if standalone.ManagedByMaster || standalone.Deployable || standalone.AutoUpdateAllowed {
		t.Errorf("standalone capabilities = %+v", standalone)
	}
	for _, ct := range []CommandType{CommandResync, CommandReportStatus} {
		if !standalone.AllowsCommand(ct) {
			t.Errorf("standalone rejects %s", ct)
		}
	}
	for _, ct := range []CommandType{CommandRestart, CommandDeploy, CommandFactoryReset, CommandComponentInstall} {
		if standalone.AllowsCommand(ct) {
			t.Errorf("standalone accepts %s", ct)
		}
	}

	for _, tier := range []Tier{TierProperty, TierResidential} {
		c := CapabilitiesFor(tier)
		if !c.ManagedByMaster || !c.Deployable || !c.AutoUpdateDefault {
			t.Errorf("%s capabilities = %+v", tier, c)
		}
		if !c.AllowsCommand(CommandFactoryReset) {
			t.Errorf("%s rejects factory_reset", tier)
		}
		if c.AllowsCommand(CommandType("reboot")) {
			t.Errorf("%s accepts unknown command", tier)
		}
	}

	unknown := CapabilitiesFor(Tier("orbital"))
	if Tier("orbital").IsValid() || unknown.Deployable || unknown.AllowsCommand(CommandResync) {
		t.Error("unknown tier granted capabilities")
	}
	if len(ValidTiers()) != 3 {
		t.Errorf("ValidTiers = %v", ValidTiers())
	}
}

func TestCommandStatus(t *testing.T) {
	for _, s := range PendingCommandStatuses {
		if s.IsTerminal() {
			t.Errorf("%s is pending and terminal", s)
		}
	}
	for _, s := range []CommandStatus{CommandStatusAcknowledged, CommandStatusFailed, CommandStatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	if CommandType("reboot").IsValid() {
		t.Error("unknown command type valid")
	}
}

func TestSyncStatusUnreachable(t *testing.T) {
	for s, want := range map[SyncStatus]bool{
		SyncStatusNeverSynced: false,
		SyncStatusSyncing:     true,
		SyncStatusSynced:      true,
		SyncStatusFailed:      true,
		SyncStatusUnreachable: false,
	} {
		if got := s.CanBecomeUnreachable(); got != want {
			t.Errorf("%s.CanBecomeUnreachable() = %v", s, got)
		}
	}
}

func TestMergeableComponents(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	results := []ComponentResult{
		{Name: "zigbee-bridge", Version: "2.1.0", Success: true},
		{Name: "matter-controller", Version: "0.9.4", Success: false, Error: "image pull backoff"},
	}

	tests := []struct {
		outcome SyncOutcome
		want    []string
	}{
		{SyncOutcomeSuccess, []string{"zigbee-bridge", "matter-controller"}},
		{SyncOutcomePartial, []string{"zigbee-bridge"}},
		{SyncOutcomeFailure, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			rec := &ComponentSyncRecord{Results: results, Outcome: tt.outcome, OccurredAt: at}
			got := rec.MergeableComponents()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v", got)
			}
			for _, name := range tt.want {
				c, ok := got[name]
				if !ok || !c.InstalledAt.Equal(at) {
					t.Errorf("%s = %+v, %v", name, c, ok)
				}
			}
		})
	}
}

func TestClonesAreDeep(t *testing.T) {
	sha := "abc123"
	dep := &FleetDeployment{ID: "d1", CommitSHA: &sha}
	c := dep.Clone()
	*c.CommitSHA = "changed"
	if *dep.CommitSHA != "abc123" {
		t.Error("deployment clone shares CommitSHA")
	}
	if (*FleetDeployment)(nil).Clone() != nil {
		t.Error("nil clone not nil")
	}
}

func TestNodeCloneIsDeep(t *testing.T) {
	now := time.Now()
	n := &EdgeNode{
		ID:                  "n1",
		LastSyncAt:          &now,
		InstalledComponents: map[string]InstalledComponent{"zigbee-bridge": {Version: "2.1.0"}},
		Health:              &HealthSnapshot{Components: map[string]string{"zigbee-bridge": "running"}},
	}
	c := n.Clone()
	c.InstalledComponents["zigbee-bridge"] = InstalledComponent{Version: "3.0.0"}
	c.Health.Components["zigbee-bridge"] = "crashloop"
	*c.LastSyncAt = now.Add(time.Hour)

	if n.InstalledComponents["zigbee-bridge"].Version != "2.1.0" {
		t.Error("clone shares installed components")
	}
	if n.Health.Components["zigbee-bridge"] != "running" {
		t.Error("clone shares health components")
	}
	if !n.LastSyncAt.Equal(now) {
		t.Error("clone shares LastSyncAt")
	}
}
