package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// LivenessMonitor periodically moves silent nodes to unreachable.
type LivenessMonitor struct {
	store         store.Store
	clock         clock.Clock
	window        time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewLivenessMonitor creates a LivenessMonitor. Nodes whose last sync is older
// than window become unreachable on the next sweep.
func NewLivenessMonitor(s store.Store, clk clock.Clock, window, sweepInterval time.Duration, logger *slog.Logger) *LivenessMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &LivenessMonitor{
		store:         s,
		clock:         clk,
		window:        window,
		sweepInterval: sweepInterval,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (m *LivenessMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info("starting liveness monitor",
		"window", m.window,
		"sweep_interval", m.sweepInterval,
	)

	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped by context")
			return ctx.Err()
		case <-stop:
			m.logger.Info("liveness monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// Stop stops the sweep loop.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

// Sweep runs one pass and returns how many nodes became unreachable.
// Failures on individual nodes are logged and skipped.
func (m *LivenessMonitor) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.window)

	nodes, err := m.store.Nodes().ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale nodes: %w", err)
	}

	marked := 0
	for _, node := range nodes {
		ok, err := m.store.Nodes().MarkUnreachable(ctx, node.ID, cutoff, now)
		if err != nil {
			m.logger.Error("failed to mark node unreachable", "node_id", node.ID, "error", err)
			continue
		}
		if !ok {
			// A heartbeat landed between the list and the update.
			continue
		}
		marked++
		m.logger.Warn("edge node unreachable",
			"node_id", node.ID,
			"previous_status", node.SyncStatus,
			"last_sync_at", node.LastSyncAt,
			"window", m.window,
		)
	}
	return marked, nil
}
