package shutdown

import (
	"context"
	"io"
)

// Shutdowner is implemented by servers with a context-aware graceful stop,
// such as the API server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerComponent wraps a server for graceful shutdown.
type ServerComponent struct {
	name   string
	server Shutdowner
}

// NewServerComponent creates a new server shutdown component.
func NewServerComponent(name string, server Shutdowner) *ServerComponent {
	return &ServerComponent{name: name, server: server}
}

// Name returns the component name.
func (c *ServerComponent) Name() string { return c.name }

// Shutdown stops accepting connections and waits for in-flight requests.
func (c *ServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// Stopper is implemented by servers stopped through Stop(ctx), such as the
// gRPC health server.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StopperComponent wraps a Stopper.
type StopperComponent struct {
	name    string
	stopper Stopper
}

// NewStopperComponent creates a new stopper shutdown component.
func NewStopperComponent(name string, s Stopper) *StopperComponent {
	return &StopperComponent{name: name, stopper: s}
}

// Name returns the component name.
func (c *StopperComponent) Name() string { return c.name }

// Shutdown calls Stop.
func (c *StopperComponent) Shutdown(ctx context.Context) error {
	return c.stopper.Stop(ctx)
}

// CloserComponent wraps an io.Closer for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string { return c.name }

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Worker is a background loop such as the liveness monitor, the command
// expiry sweeper or the rollout monitor.
type Worker interface {
	Stop()
}

// WorkerComponent wraps a worker for graceful shutdown.
type WorkerComponent struct {
	name   string
	worker Worker
}

// NewWorkerComponent creates a new worker shutdown component.
func NewWorkerComponent(name string, worker Worker) *WorkerComponent {
	return &WorkerComponent{name: name, worker: worker}
}

// Name returns the component name.
func (c *WorkerComponent) Name() string { return c.name }

// Shutdown stops the worker, giving up when ctx expires.
func (c *WorkerComponent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
