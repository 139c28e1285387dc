// Package shutdown coordinates the graceful stop of the master's servers,
// background loops and connections on SIGTERM/SIGINT.
//
// Components are stopped phase by phase: ingress first so no new work
// arrives, then background workers, then the resources they use. Within a
// phase components stop concurrently.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Phase orders shutdown. Lower phases stop first.
type Phase int

const (
	// PhaseIngress covers servers that accept requests.
	PhaseIngress Phase = iota
	// PhaseWorkers covers background loops such as monitors and sweepers.
	PhaseWorkers
	// PhaseResources covers stores, brokers and client connections.
	PhaseResources
)

func (p Phase) String() string {
	switch p {
	case PhaseIngress:
		return "ingress"
	case PhaseWorkers:
		return "workers"
	case PhaseResources:
		return "resources"
	default:
		return "unknown"
	}
}

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

type registered struct {
	phase     Phase
	component Component
}

// Coordinator manages graceful shutdown of multiple components.
type Coordinator struct {
	components []registered
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// For testing: allows injecting a custom signal channel
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout shared by all phases.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component to a shutdown phase.
func (c *Coordinator) Register(phase Phase, component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, registered{phase: phase, component: component})
	c.logger.Debug("registered shutdown component", "name", component.Name(), "phase", phase)
}

// WaitForSignal blocks until SIGTERM or SIGINT is received or ctx is done,
// then shuts everything down.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}

	c.Shutdown()
}

// Shutdown stops all registered components phase by phase. It runs once;
// later calls return immediately.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		for _, phase := range []Phase{PhaseIngress, PhaseWorkers, PhaseResources} {
			if !c.shutdownPhase(ctx, phase) {
				c.logger.Warn("shutdown timeout exceeded, forcing termination", "phase", phase)
				c.exitCode = 1
				return
			}
		}
		c.logger.Info("all components shut down successfully")
	})
}

// shutdownPhase stops the phase's components concurrently and reports
// whether they finished before ctx expired.
func (c *Coordinator) shutdownPhase(ctx context.Context, phase Phase) bool {
	c.mu.Lock()
	var comps []Component
	for _, r := range c.components {
		if r.phase == phase {
			comps = append(comps, r.component)
		}
	}
	c.mu.Unlock()
	if len(comps) == 0 {
		return true
	}

	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func(comp Component) {
			defer wg.Done()
			c.logger.Info("shutting down component", "name", comp.Name(), "phase", phase)
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				return
			}
			c.logger.Info("component shutdown complete", "name", comp.Name())
		}(comp)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 after a clean shutdown and 1 after forced termination.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
