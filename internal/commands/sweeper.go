package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// sweepBatchSize caps how many expired commands one pass settles.
const sweepBatchSize = 500

// ExpirySweeper moves commands past their expiry to expired.
type ExpirySweeper struct {
	store    store.Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewExpirySweeper creates an ExpirySweeper that runs every interval.
func NewExpirySweeper(s store.Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ExpirySweeper{
		store:    s,
		clock:    clk,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (e *ExpirySweeper) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopChan = make(chan struct{})
	stop := e.stopChan
	e.mu.Unlock()

	e.logger.Info("starting command expiry sweeper", "interval", e.interval)

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("command expiry sweeper stopped by context")
			return ctx.Err()
		case <-stop:
			e.logger.Info("command expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Error("command expiry sweep failed", "error", err)
			}
		}
	}
}

// Stop stops the sweep loop.
func (e *ExpirySweeper) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		close(e.stopChan)
		e.running = false
	}
}

// Sweep expires every pending command whose expiry has passed and returns
// how many it moved. Expired commands are never retried.
func (e *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	now := e.clock.Now()
	expired := 0

	for {
		cmds, err := e.store.Commands().ListExpired(ctx, now, sweepBatchSize)
		if err != nil {
			return expired, fmt.Errorf("listing expired commands: %w", err)
		}

		moved := 0
		for _, cmd := range cmds {
			ok, err := e.store.Commands().Transition(ctx, cmd.ID, models.PendingCommandStatuses, models.CommandStatusExpired, nil, now)
			if err != nil {
				e.logger.Error("failed to expire command", "command_id", cmd.ID, "error", err)
				continue
			}
			if !ok {
				// Acknowledged between the list and the update.
				continue
			}
			moved++
			e.logger.Warn("command expired",
				"node_id", cmd.EdgeNodeID,
				"command_id", cmd.ID,
				"type", cmd.Type,
				"previous_status", cmd.Status,
				"delivery_attempts", cmd.DeliveryAttempts,
				"expires_at", cmd.ExpiresAt,
			)
		}
		expired += moved

		if len(cmds) < sweepBatchSize || moved == 0 {
			return expired, nil
		}
	}
}
