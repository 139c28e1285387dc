package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// pollStatuses are the states the monitor asks the controller about.
var pollStatuses = []models.DeploymentStatus{
	models.DeploymentStatusCommitted,
	models.DeploymentStatusRollingOut,
}

// MonitorConfig configures a RolloutMonitor.
type MonitorConfig struct {
	// Interval is how often due deployments are collected.
	Interval time.Duration
	// BatchSize caps how many deployments one cycle polls.
	BatchSize int
	// Concurrency caps in-flight GetStatus calls.
	Concurrency int
}

// RolloutMonitor polls the delivery controller for committed and rolling-out
// deployments whose next poll time has passed, and fails deployments left
// pending past the commit deadline. It keeps no state of its own, so several
// replicas can run it against the same store.
type RolloutMonitor struct {
	engine *Engine
	cfg    MonitorConfig
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewRolloutMonitor creates a RolloutMonitor for engine.
func NewRolloutMonitor(engine *Engine, cfg MonitorConfig, logger *slog.Logger) *RolloutMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &RolloutMonitor{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is done or Stop is called.
func (m *RolloutMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info("starting rollout monitor",
		"interval", m.cfg.Interval,
		"max_poll_retries", m.engine.cfg.MaxPollRetries,
	)

	ticker := m.engine.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("rollout monitor stopped by context")
			return ctx.Err()
		case <-stop:
			m.logger.Info("rollout monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.PollOnce(ctx); err != nil {
				m.logger.Error("rollout poll cycle failed", "error", err)
			}
		}
	}
}

// Stop stops the poll loop.
func (m *RolloutMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

// PollOnce polls every due deployment once and returns how many were polled
// or recovered from pending. A failure on one deployment is logged and does
// not stop the others.
func (m *RolloutMonitor) PollOnce(ctx context.Context) (int, error) {
	recovered, err := m.recoverOrphans(ctx)
	if err != nil {
		return 0, err
	}

	due, err := m.engine.store.Deployments().ListDue(ctx, pollStatuses, m.engine.clock.Now(), m.cfg.BatchSize)
	if err != nil {
		return recovered, fmt.Errorf("listing due deployments: %w", err)
	}
	if len(due) == 0 {
		return recovered, nil
	}

	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, dep := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(dep *models.FleetDeployment) {
			defer wg.Done()
			defer func() { <-sem }()
			m.poll(ctx, dep)
		}(dep)
	}
	wg.Wait()

	return recovered + len(due), nil
}

// recoverOrphans fails pending deployments older than the commit deadline.
// They were claimed by a Deploy that never recorded its outcome, and they
// hold the node's deployment slot.
func (m *RolloutMonitor) recoverOrphans(ctx context.Context) (int, error) {
	now := m.engine.clock.Now()
	pending, err := m.engine.store.Deployments().ListDue(ctx,
		[]models.DeploymentStatus{models.DeploymentStatusPending}, now, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending deployments: %w", err)
	}

	cutoff := now.Add(-m.engine.cfg.CommitDeadline)
	n := 0
	for _, dep := range pending {
		if dep.StartedAt.After(cutoff) {
			continue
		}
		if err := m.engine.failOrphaned(ctx, dep); err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				m.logger.Debug("pending deployment moved on before recovery", "deployment_id", dep.ID)
				continue
			}
			m.logger.Error("failed to recover orphaned deployment",
				"deployment_id", dep.ID,
				"node_id", dep.EdgeNodeID,
				"error", err,
			)
			continue
		}
		n++
	}
	return n, nil
}

func (m *RolloutMonitor) poll(ctx context.Context, dep *models.FleetDeployment) {
	var (
		status RolloutStatus
		err    error
	)
	switch {
	case dep.CommitSHA == nil || *dep.CommitSHA == "":
		err = errors.New("deployment has no commit reference")
	case m.engine.controller == nil:
		err = errors.New("no delivery controller configured")
	default:
		status, err = m.engine.controller.GetStatus(ctx, *dep.CommitSHA)
	}
	if err != nil {
		m.logger.Warn("rollout status poll failed",
			"deployment_id", dep.ID,
			"node_id", dep.EdgeNodeID,
			"attempt", dep.PollAttempts+1,
			"error", err,
		)
	}

	if _, applyErr := m.engine.applyPoll(ctx, dep, status, err); applyErr != nil {
		if errors.Is(applyErr, store.ErrPreconditionFailed) {
			m.logger.Debug("deployment changed during poll", "deployment_id", dep.ID)
			return
		}
		m.logger.Error("failed to record rollout poll",
			"deployment_id", dep.ID,
			"node_id", dep.EdgeNodeID,
			"error", applyErr,
		)
	}
}
