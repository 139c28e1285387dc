package gitops_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/gitops"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

func TestMonitorAdvancesRollout(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	dep, _ := e.engine.Deploy(ctx, "prop-1", "hub-core@1")
	e.controller.SetStatus(*dep.CommitSHA, gitops.RolloutSyncing)

	n, err := e.monitor.PollOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PollOnce = %d, %v", n, err)
	}
	got, _ := e.engine.Get(ctx, dep.ID)
	if got.Status != models.DeploymentStatusRollingOut {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PollAttempts != 1 || got.NextPollAt == nil || !got.NextPollAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("bookkeeping: attempts=%d next=%v", got.PollAttempts, got.NextPollAt)
	}

	// Not due yet.
	if n, _ := e.monitor.PollOnce(ctx); n != 0 {
		t.Fatalf("polled %d deployments before they were due", n)
	}

	e.clock.Advance(time.Second)
	e.controller.SetStatus(*dep.CommitSHA, gitops.RolloutHealthy)
	if n, _ := e.monitor.PollOnce(ctx); n != 1 {
		t.Fatal("due deployment not polled")
	}
	got, _ = e.engine.Get(ctx, dep.ID)
	if got.Status != models.DeploymentStatusHealthy || got.NextPollAt != nil || got.CompletedAt == nil {
		t.Fatalf("final record = %+v", got)
	}

	e.clock.Advance(time.Hour)
	if n, _ := e.monitor.PollOnce(ctx); n != 0 {
		t.Error("healthy deployment polled again")
	}
}

func TestMonitorPollCeiling(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(e *env)
	}{
		{"unconverged", func(e *env) {}},
		{"controller errors", func(e *env) { e.controller.FailStatus(errors.New("argocd api timeout")) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			ctx := context.Background()

			dep, _ := e.engine.Deploy(ctx, "prop-1", "hub-core@1")
			tc.setup(e)

			// MaxPollRetries is 3: three polls are survived with backoff 1s, 2s, 4s.
			waits := []time.Duration{0, time.Second, 2 * time.Second}
			for i, w := range waits {
				e.clock.Advance(w)
				if n, _ := e.monitor.PollOnce(ctx); n != 1 {
					t.Fatalf("poll %d: deployment not due", i+1)
				}
				got, _ := e.engine.Get(ctx, dep.ID)
				if got.Status.IsTerminal() {
					t.Fatalf("poll %d: deployment already %s", i+1, got.Status)
				}
				if got.PollAttempts != i+1 {
					t.Fatalf("poll %d: attempts = %d", i+1, got.PollAttempts)
				}
			}

			e.clock.Advance(4 * time.Second)
			if n, _ := e.monitor.PollOnce(ctx); n != 1 {
				t.Fatal("final poll not due")
			}
			got, _ := e.engine.Get(ctx, dep.ID)
			if got.Status != models.DeploymentStatusFailed || got.FailureCause != models.FailureCauseStatusPollExhausted {
				t.Fatalf("got %s/%s", got.Status, got.FailureCause)
			}
			if got.FailureDetail == "" {
				t.Error("exhausted deployment lost its failure detail")
			}
		})
	}
}

func TestMonitorSkipsDegraded(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	dep, _ := e.engine.Deploy(ctx, "prop-1", "hub-core@1")
	e.controller.SetStatus(*dep.CommitSHA, gitops.RolloutDegraded)
	if _, err := e.monitor.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := e.engine.Get(ctx, dep.ID)
	if got.Status != models.DeploymentStatusDegraded {
		t.Fatalf("status = %s", got.Status)
	}

	e.clock.Advance(time.Hour)
	if n, _ := e.monitor.PollOnce(ctx); n != 0 {
		t.Error("degraded deployment was polled")
	}
	if polls := e.controller.Polls(*dep.CommitSHA); polls != 1 {
		t.Errorf("controller polled %d times", polls)
	}
}

func TestMonitorPollsNodesIndependently(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	a, _ := e.engine.Deploy(ctx, "prop-1", "hub-core@1")
	b, _ := e.engine.Deploy(ctx, "res-1", "hub-core@1")
	e.controller.SetStatus(*a.CommitSHA, gitops.RolloutHealthy)
	e.controller.SetStatus(*b.CommitSHA, gitops.RolloutFailed)

	if n, _ := e.monitor.PollOnce(ctx); n != 2 {
		t.Fatalf("polled %d", n)
	}
	gotA, _ := e.engine.Get(ctx, a.ID)
	gotB, _ := e.engine.Get(ctx, b.ID)
	if gotA.Status != models.DeploymentStatusHealthy || gotB.Status != models.DeploymentStatusFailed {
		t.Errorf("a=%s b=%s", gotA.Status, gotB.Status)
	}
}

func TestMonitorLoop(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dep, _ := e.engine.Deploy(ctx, "prop-1", "hub-core@1")
	e.controller.SetStatus(*dep.CommitSHA, gitops.RolloutHealthy)

	done := make(chan error, 1)
	go func() { done <- e.monitor.Start(ctx) }()

	e.clock.WaitForTickers(1)
	e.clock.Advance(time.Second)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := e.engine.Get(ctx, dep.ID)
		if got.Status == models.DeploymentStatusHealthy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("monitor loop did not poll")
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.monitor.Stop()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

// lossyDeployments drops the next deployment transition with a connection error.
type lossyDeployments struct {
	store.DeploymentStore
	mu    sync.Mutex
	drops int
}

func (d *lossyDeployments) Transition(ctx context.Context, dep *models.FleetDeployment, expected models.DeploymentStatus) error {
	d.mu.Lock()
	drop := d.drops > 0
	if drop {
		d.drops--
	}
	d.mu.Unlock()
	if drop {
		return errors.New("connection reset by peer")
	}
	return d.DeploymentStore.Transition(ctx, dep, expected)
}

type lossyStore struct {
	store.Store
	deployments *lossyDeployments
}

func (s *lossyStore) Deployments() store.DeploymentStore { return s.deployments }

func TestMonitorRecoversOrphanedPending(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	lossy := &lossyStore{Store: e.store, deployments: &lossyDeployments{DeploymentStore: e.store.Deployments(), drops: 1}}
	cfg := gitops.DefaultConfig()
	cfg.CommitDeadline = 10 * time.Minute
	eng := gitops.NewEngine(lossy, e.controller, nil, e.clock, cfg, nil)
	monitor := gitops.NewRolloutMonitor(eng, gitops.MonitorConfig{Interval: time.Second}, nil)

	if _, err := eng.Deploy(ctx, "prop-1", "hub-core@1"); err == nil {
		t.Fatal("Deploy succeeded although the commit was not recorded")
	}
	deps, _ := eng.ListByNode(ctx, "prop-1")
	if len(deps) != 1 || deps[0].Status != models.DeploymentStatusPending {
		t.Fatalf("deployments = %+v", deps)
	}
	if _, err := eng.Deploy(ctx, "prop-1", "hub-core@2"); !errors.Is(err, fleeterr.ErrDeploymentInProgress) {
		t.Fatalf("second Deploy = %v, want in progress", err)
	}

	// Still inside the deadline.
	e.clock.Advance(9 * time.Minute)
	if n, err := monitor.PollOnce(ctx); err != nil || n != 0 {
		t.Fatalf("PollOnce = %d, %v", n, err)
	}

	e.clock.Advance(time.Minute)
	if n, err := monitor.PollOnce(ctx); err != nil || n != 1 {
		t.Fatalf("PollOnce = %d, %v", n, err)
	}
	got, _ := eng.Get(ctx, deps[0].ID)
	if got.Status != models.DeploymentStatusFailed || got.FailureCause != models.FailureCauseCommitSubmission {
		t.Fatalf("got %s/%s", got.Status, got.FailureCause)
	}
	if !strings.Contains(got.FailureDetail, "orphaned") || got.CompletedAt == nil {
		t.Errorf("recovered record = %+v", got)
	}

	next, err := eng.Deploy(ctx, "prop-1", "hub-core@2")
	if err != nil || next.Status != models.DeploymentStatusCommitted {
		t.Fatalf("Deploy after recovery = %+v, %v", next, err)
	}
}

// cancelingDeployments cancels the caller once the slot is claimed and, like
// a database driver, refuses writes on a canceled context.
type cancelingDeployments struct {
	store.DeploymentStore
	cancel context.CancelFunc
}

func (d *cancelingDeployments) CreateExclusive(ctx context.Context, dep *models.FleetDeployment) error {
	if err := d.DeploymentStore.CreateExclusive(ctx, dep); err != nil {
		return err
	}
	d.cancel()
	return nil
}

func (d *cancelingDeployments) Transition(ctx context.Context, dep *models.FleetDeployment, expected models.DeploymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DeploymentStore.Transition(ctx, dep, expected)
}

type cancelingStore struct {
	store.Store
	deployments *cancelingDeployments
}

func (s *cancelingStore) Deployments() store.DeploymentStore { return s.deployments }

func TestDeployRecordsOutcomeAfterCallerCancels(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &cancelingStore{Store: e.store, deployments: &cancelingDeployments{DeploymentStore: e.store.Deployments(), cancel: cancel}}
	eng := gitops.NewEngine(st, e.controller, nil, e.clock, gitops.DefaultConfig(), nil)

	dep, err := eng.Deploy(ctx, "prop-1", "hub-core@1")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not canceled")
	}
	got, _ := e.engine.Get(context.Background(), dep.ID)
	if got.Status != models.DeploymentStatusCommitted {
		t.Fatalf("stored status = %s", got.Status)
	}
}
