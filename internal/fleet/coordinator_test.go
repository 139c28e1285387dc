package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/commands"
	"github.com/narvanalabs/hubfleet/internal/components"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/gitops"
	"github.com/narvanalabs/hubfleet/internal/gitops/gitopstest"
	"github.com/narvanalabs/hubfleet/internal/heartbeat"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/registry"
	"github.com/narvanalabs/hubfleet/internal/store/memory"
)

var epoch = time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)

type harness struct {
	coord      *Coordinator
	clock      *clock.FakeClock
	controller *gitopstest.Controller
	monitor    *gitops.RolloutMonitor
	sweeper    *commands.ExpirySweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memory.New()
	clk := clock.Fake(epoch)
	ctrl := gitopstest.New()
	cfg := gitops.DefaultConfig()
	cfg.Backoff = gitops.Backoff{Base: time.Second, Max: time.Minute}

	coord := New(Options{
		Store:             s,
		Controller:        ctrl,
		Clock:             clk,
		Engine:            cfg,
		DefaultCommandTTL: 10 * time.Minute,
	})
	return &harness{
		coord:      coord,
		clock:      clk,
		controller: ctrl,
		monitor:    gitops.NewRolloutMonitor(coord.Engine(), gitops.MonitorConfig{Interval: time.Second}, nil),
		sweeper:    commands.NewExpirySweeper(s, clk, time.Second, nil),
	}
}

func (h *harness) register(t *testing.T, name string, tier models.Tier) *models.EdgeNode {
	t.Helper()
	node, err := h.coord.RegisterNode(context.Background(), registry.RegisterRequest{
		Name:        name,
		Tier:        tier,
		MeshAddress: "100.64.7.1",
	})
	if err != nil {
		t.Fatalf("RegisterNode(%s): %v", name, err)
	}
	return node
}

// rollout deploys ref and lets the monitor see it converge to st.
func (h *harness) rollout(t *testing.T, nodeID, ref string, st gitops.RolloutStatus) *models.FleetDeployment {
	t.Helper()
	h.clock.Advance(time.Minute)
	dep, err := h.coord.Deploy(context.Background(), nodeID, ref)
	if err != nil {
		t.Fatalf("Deploy(%s): %v", ref, err)
	}
	h.controller.SetStatus(*dep.CommitSHA, st)
	if _, err := h.monitor.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	dep, _ = h.coord.GetDeployment(context.Background(), dep.ID)
	return dep
}

func TestEndToEndDeployAndRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	node := h.register(t, "harbor-view", models.TierProperty)
	if !node.ManagedByMaster || !node.AutoUpdateEnabled {
		t.Fatalf("property defaults not applied: %+v", node)
	}

	// The first package has nothing to roll back to; it becomes the baseline.
	p0 := h.rollout(t, node.ID, "hub-core@1.0.0", gitops.RolloutHealthy)
	if p0.Status != models.DeploymentStatusHealthy {
		t.Fatalf("P0 = %s", p0.Status)
	}
	if _, err := h.coord.Rollback(ctx, p0.ID); !errors.Is(err, fleeterr.ErrNoPriorHealthyPackage) {
		t.Fatalf("rollback of first deployment = %v, want ErrNoPriorHealthyPackage", err)
	}
	p1 := h.rollout(t, node.ID, "hub-core@1.1.0", gitops.RolloutHealthy)
	if p1.Status != models.DeploymentStatusHealthy {
		t.Fatalf("P1 = %s", p1.Status)
	}

	h.clock.Advance(time.Minute)
	rb, err := h.coord.Rollback(ctx, p1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rb.ServicePackageRef != "hub-core@1.0.0" || *rb.RollbackOf != p1.ID {
		t.Fatalf("rollback = %+v", rb)
	}

	h.controller.SetStatus(*rb.CommitSHA, gitops.RolloutSyncing)
	if _, err := h.monitor.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	rb, _ = h.coord.GetDeployment(ctx, rb.ID)
	if rb.Status != models.DeploymentStatusRollingOut {
		t.Fatalf("rollback status = %s", rb.Status)
	}

	if _, err := h.coord.Deploy(ctx, node.ID, "hub-core@1.2.0"); !errors.Is(err, fleeterr.ErrDeploymentInProgress) {
		t.Fatalf("deploy during rollback: %v", err)
	}

	h.clock.Advance(time.Second)
	h.controller.SetStatus(*rb.CommitSHA, gitops.RolloutHealthy)
	if _, err := h.monitor.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	rb, _ = h.coord.GetDeployment(ctx, rb.ID)
	if rb.Status != models.DeploymentStatusHealthy {
		t.Fatalf("rollback did not converge: %s", rb.Status)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.coord.Deploy(ctx, node.ID, "hub-core@1.2.0"); err != nil {
		t.Fatalf("deploy after rollback settled: %v", err)
	}

	deps, _ := h.coord.ListDeployments(ctx, node.ID)
	if len(deps) != 4 {
		t.Errorf("ListDeployments returned %d", len(deps))
	}
}

func TestStandalonePolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	solo := h.register(t, "cabin", models.TierStandalone)
	if solo.ManagedByMaster || solo.AutoUpdateEnabled {
		t.Fatalf("standalone flags = %+v", solo)
	}

	if _, err := h.coord.Deploy(ctx, solo.ID, "hub-core@1"); !errors.Is(err, fleeterr.ErrTierNotDeployable) {
		t.Errorf("Deploy: %v", err)
	}
	if _, err := h.coord.EnqueueCommand(ctx, solo.ID, CommandRequest{Type: models.CommandDeploy}); !errors.Is(err, fleeterr.ErrNodeNotEligible) {
		t.Errorf("enqueue deploy: %v", err)
	}
	if _, err := h.coord.EnqueueCommand(ctx, solo.ID, CommandRequest{Type: models.CommandFactoryReset}); !errors.Is(err, fleeterr.ErrNodeNotEligible) {
		t.Errorf("enqueue factory_reset: %v", err)
	}
	if _, err := h.coord.EnqueueCommand(ctx, solo.ID, CommandRequest{Type: models.CommandResync}); err != nil {
		t.Errorf("enqueue resync: %v", err)
	}

	managed := true
	_, err := h.coord.RegisterNode(ctx, registry.RegisterRequest{
		Name: "cabin-2", Tier: models.TierStandalone, MeshAddress: "100.64.7.2", ManagedByMaster: &managed,
	})
	if !errors.Is(err, fleeterr.ErrInvalidTierConfiguration) {
		t.Errorf("managed standalone: %v", err)
	}
	if fleeterr.IsRetryable(err) {
		t.Error("policy violations must not be retryable")
	}
}

func TestCommandLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	node := h.register(t, "lakeside", models.TierResidential)

	cmd, err := h.coord.EnqueueCommand(ctx, node.ID, CommandRequest{
		Type:    models.CommandComponentInstall,
		Payload: json.RawMessage(`{"name":"zwave-bridge","version":"2.1.0"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.ExpiresAt.Equal(epoch.Add(10 * time.Minute)) {
		t.Errorf("default ttl not applied: expires %v", cmd.ExpiresAt)
	}

	pulled, err := h.coord.PullCommands(ctx, node.ID)
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %v", pulled, err)
	}
	again, _ := h.coord.PullCommands(ctx, node.ID)
	if len(again) != 1 || again[0].ID != cmd.ID {
		t.Fatal("unacknowledged command not redelivered")
	}

	other := h.register(t, "hillside", models.TierResidential)
	if _, err := h.coord.AcknowledgeCommand(ctx, other.ID, cmd.ID, models.CommandResult{Success: true}); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Errorf("foreign ack: %v", err)
	}

	res := models.CommandResult{Success: true, Output: "installed"}
	first, err := h.coord.AcknowledgeCommand(ctx, node.ID, cmd.ID, res)
	if err != nil || first.Status != models.CommandStatusAcknowledged {
		t.Fatalf("ack: %v %v", first, err)
	}
	second, err := h.coord.AcknowledgeCommand(ctx, node.ID, cmd.ID, res)
	if err != nil || second.Status != models.CommandStatusAcknowledged {
		t.Fatalf("duplicate ack: %v %v", second, err)
	}

	if left, _ := h.coord.PullCommands(ctx, node.ID); len(left) != 0 {
		t.Errorf("acknowledged command redelivered")
	}
}

func TestCommandExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	node := h.register(t, "lakeside", models.TierProperty)

	zero := time.Duration(0)
	cmd, err := h.coord.EnqueueCommand(ctx, node.ID, CommandRequest{Type: models.CommandRestart, TTL: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if n, err := h.sweeper.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	got, _ := h.coord.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandStatusExpired {
		t.Fatalf("status = %s", got.Status)
	}
	acked, err := h.coord.AcknowledgeCommand(ctx, node.ID, cmd.ID, models.CommandResult{Success: true})
	if err != nil || acked.Status != models.CommandStatusExpired {
		t.Fatalf("ack after expiry: %v %v", acked, err)
	}
}

func TestDeactivatedNodeIsFrozen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	node := h.register(t, "old-site", models.TierProperty)
	dep := h.rollout(t, node.ID, "hub-core@1", gitops.RolloutHealthy)

	if err := h.coord.DeactivateNode(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.DeactivateNode(ctx, node.ID); err != nil {
		t.Errorf("second deactivate: %v", err)
	}

	if _, err := h.coord.Deploy(ctx, node.ID, "hub-core@2"); !errors.Is(err, fleeterr.ErrNodeInactive) {
		t.Errorf("deploy: %v", err)
	}
	if _, err := h.coord.Rollback(ctx, dep.ID); !errors.Is(err, fleeterr.ErrNodeInactive) {
		t.Errorf("rollback: %v", err)
	}
	if _, err := h.coord.EnqueueCommand(ctx, node.ID, CommandRequest{Type: models.CommandResync}); !errors.Is(err, fleeterr.ErrNodeInactive) {
		t.Errorf("enqueue: %v", err)
	}
	if _, err := h.coord.ReportHeartbeat(ctx, node.ID, heartbeat.Report{Phase: heartbeat.PhaseComplete}); !errors.Is(err, fleeterr.ErrNodeInactive) {
		t.Errorf("heartbeat: %v", err)
	}

	// History stays readable.
	if _, err := h.coord.GetNode(ctx, node.ID); err != nil {
		t.Errorf("GetNode: %v", err)
	}
	if deps, err := h.coord.ListDeployments(ctx, node.ID); err != nil || len(deps) != 1 {
		t.Errorf("ListDeployments: %v %v", deps, err)
	}
	nodes, _ := h.coord.ListNodes(ctx, registry.ListFilter{})
	for _, n := range nodes {
		if n.ID == node.ID {
			t.Error("deactivated node listed by default")
		}
	}
}

func TestHeartbeatAndComponentsThroughCoordinator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	node := h.register(t, "marina", models.TierProperty)

	out, err := h.coord.ReportHeartbeat(ctx, node.ID, heartbeat.Report{
		ObservedAt: epoch,
		Phase:      heartbeat.PhaseComplete,
		Snapshot:   &models.HealthSnapshot{AgentVersion: "0.9.1"},
	})
	if err != nil || !out.Applied || out.Status != models.SyncStatusSynced {
		t.Fatalf("heartbeat: %+v %v", out, err)
	}

	_, err = h.coord.RecordComponentSync(ctx, node.ID, components.SyncReport{
		Outcome: models.SyncOutcomePartial,
		Results: []models.ComponentResult{
			{Name: "frigate", Version: "0.14.1", Success: true},
			{Name: "mosquitto", Version: "2.0.18", Success: false, Error: "port in use"},
		},
		OccurredAt: epoch,
	})
	if err != nil {
		t.Fatal(err)
	}
	installed, err := h.coord.InstalledComponents(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := installed["frigate"]; !ok || len(installed) != 1 {
		t.Errorf("installed = %v", installed)
	}
	hist, _ := h.coord.ComponentHistory(ctx, node.ID, 0)
	if len(hist) != 1 {
		t.Errorf("history = %d records", len(hist))
	}
}

func TestWatchCommands(t *testing.T) {
	h := newHarness(t)
	node := h.register(t, "dockside", models.TierProperty)

	wake, cancel := h.coord.WatchCommands(node.ID)
	defer cancel()

	if _, err := h.coord.EnqueueCommand(context.Background(), node.ID, CommandRequest{Type: models.CommandReportStatus}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("watcher not woken")
	}
}
