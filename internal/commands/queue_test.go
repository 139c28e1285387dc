package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store/memory"
)

var epoch = time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	clock  *clock.FakeClock
	broker *Broker
	queue  *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	clk := clock.Fake(epoch)
	b := NewBroker(nil)
	f := &fixture{store: s, clock: clk, broker: b, queue: NewQueue(s, clk, b, 15*time.Minute, nil)}
	f.addNode(t, "property-1", models.TierProperty)
	f.addNode(t, "standalone-1", models.TierStandalone)
	return f
}

func (f *fixture) addNode(t *testing.T, id string, tier models.Tier) {
	t.Helper()
	caps := models.CapabilitiesFor(tier)
	err := f.store.Nodes().Create(context.Background(), &models.EdgeNode{
		ID:                id,
		Name:              id,
		Tier:              tier,
		ManagedByMaster:   caps.ManagedByMaster,
		AutoUpdateEnabled: caps.AutoUpdateDefault,
		SyncStatus:        models.SyncStatusNeverSynced,
		MeshAddress:       "100.64.0.9",
		Active:            true,
		RegisteredAt:      epoch,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueTierEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ct := range []models.CommandType{
		models.CommandRestart, models.CommandComponentInstall, models.CommandComponentRemove,
		models.CommandDeploy, models.CommandFactoryReset,
	} {
		if _, err := f.queue.Enqueue(ctx, "standalone-1", ct, nil, time.Minute); !errors.Is(err, fleeterr.ErrNodeNotEligible) {
			t.Errorf("standalone %s: expected ErrNodeNotEligible, got %v", ct, err)
		}
		if _, err := f.queue.Enqueue(ctx, "property-1", ct, nil, time.Minute); err != nil {
			t.Errorf("property %s: %v", ct, err)
		}
	}
	for _, ct := range []models.CommandType{models.CommandResync, models.CommandReportStatus} {
		if _, err := f.queue.Enqueue(ctx, "standalone-1", ct, nil, time.Minute); err != nil {
			t.Errorf("standalone %s: %v", ct, err)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		nodeID  string
		typ     models.CommandType
		payload json.RawMessage
		ttl     time.Duration
		want    error
	}{
		{"negative ttl", "property-1", models.CommandResync, nil, -time.Second, fleeterr.ErrInvalidArgument},
		{"unknown type", "property-1", "reboot_now", nil, time.Minute, fleeterr.ErrInvalidArgument},
		{"bad payload", "property-1", models.CommandResync, json.RawMessage(`{`), time.Minute, fleeterr.ErrInvalidArgument},
		{"unknown node", "ghost", models.CommandResync, nil, time.Minute, fleeterr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Enqueue(ctx, tt.nodeID, tt.typ, tt.payload, tt.ttl)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	_ = f.store.Nodes().Deactivate(ctx, "property-1", epoch)
	if _, err := f.queue.Enqueue(ctx, "property-1", models.CommandResync, nil, time.Minute); !errors.Is(err, fleeterr.ErrNodeInactive) {
		t.Errorf("deactivated node: got %v", err)
	}
}

func TestPullOrderingAndRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var want []string
	for _, ct := range []models.CommandType{models.CommandResync, models.CommandRestart, models.CommandReportStatus} {
		cmd, err := f.queue.Enqueue(ctx, "property-1", ct, json.RawMessage(`{"reason":"test"}`), time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, cmd.ID)
	}

	first, err := f.queue.Pull(ctx, "property-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("pulled %d commands, want 3", len(first))
	}
	for i, cmd := range first {
		if cmd.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, cmd.ID, want[i])
		}
		if cmd.Status != models.CommandStatusSent || cmd.DeliveryAttempts != 1 {
			t.Errorf("command %s: status=%s attempts=%d", cmd.ID, cmd.Status, cmd.DeliveryAttempts)
		}
	}

	if _, err := f.queue.Acknowledge(ctx, want[0], models.CommandResult{Success: true}); err != nil {
		t.Fatal(err)
	}

	second, err := f.queue.Pull(ctx, "property-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0].ID != want[1] || second[1].ID != want[2] {
		t.Fatalf("redelivery set wrong: %+v", second)
	}
	if second[0].DeliveryAttempts != 2 {
		t.Errorf("DeliveryAttempts = %d, want 2", second[0].DeliveryAttempts)
	}
}

func TestDuplicateAcknowledgeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.queue.Enqueue(ctx, "property-1", models.CommandRestart, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.queue.Acknowledge(ctx, cmd.ID, models.CommandResult{Success: true, Output: "restarted"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.CommandStatusAcknowledged {
		t.Fatalf("status = %s", first.Status)
	}

	second, err := f.queue.Acknowledge(ctx, cmd.ID, models.CommandResult{Success: false, Error: "late duplicate"})
	if err != nil {
		t.Fatalf("duplicate ack must not error: %v", err)
	}
	if second.Status != models.CommandStatusAcknowledged || second.Result.Output != "restarted" {
		t.Errorf("duplicate ack changed record: %+v", second)
	}

	if _, err := f.queue.Acknowledge(ctx, "missing", models.CommandResult{}); !errors.Is(err, fleeterr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, _ := f.queue.Enqueue(ctx, "property-1", models.CommandComponentInstall, json.RawMessage(`{"name":"frigate"}`), time.Hour)
	got, err := f.queue.Acknowledge(ctx, cmd.ID, models.CommandResult{Success: false, Error: "disk full"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CommandStatusFailed || got.AcknowledgedAt == nil {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestZeroTTLExpiresOnSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := NewExpirySweeper(f.store, f.clock, 30*time.Second, nil)

	cmd, err := f.queue.Enqueue(ctx, "property-1", models.CommandResync, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	pulled, _ := f.queue.Pull(ctx, "property-1")
	if len(pulled) != 0 {
		t.Fatalf("zero-ttl command was delivered")
	}

	n, err := sweeper.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}

	got, err := f.queue.Acknowledge(ctx, cmd.ID, models.CommandResult{Success: true})
	if err != nil {
		t.Fatalf("ack after expiry must not error: %v", err)
	}
	if got.Status != models.CommandStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Errorf("second sweep expired %d commands", n)
	}
}

func TestSweepRespectsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := NewExpirySweeper(f.store, f.clock, 30*time.Second, nil)

	cmd, _ := f.queue.Enqueue(ctx, "property-1", models.CommandRestart, nil, time.Minute)
	if _, err := f.queue.Pull(ctx, "property-1"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(59 * time.Second)
	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Fatalf("expired before deadline")
	}
	f.clock.Advance(time.Second)
	if n, _ := sweeper.Sweep(ctx); n != 1 {
		t.Fatalf("not expired at deadline")
	}
	got, _ := f.queue.Get(ctx, cmd.ID)
	if got.Status != models.CommandStatusExpired {
		t.Errorf("status = %s", got.Status)
	}
}

func TestEnqueueWakesSubscriber(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe("property-1")
	defer f.broker.Unsubscribe(sub)
	other := f.broker.Subscribe("standalone-1")
	defer f.broker.Unsubscribe(other)

	if _, err := f.queue.Enqueue(context.Background(), "property-1", models.CommandResync, nil, time.Minute); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken")
	}
	select {
	case <-other.C:
		t.Fatal("unrelated subscriber woken")
	default:
	}
}
