package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// journal records the phase of every shutdown start and end, in order.
type journal struct {
	mu     sync.Mutex
	events []Phase
}

func (j *journal) add(p Phase) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, p)
}

type recordingComponent struct {
	name  string
	phase Phase
	delay time.Duration
	fail  bool
	j     *journal
	calls int32
}

func (r *recordingComponent) Name() string { return r.name }

func (r *recordingComponent) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	r.j.add(r.phase)
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.j.add(r.phase)
	if r.fail {
		return errors.New("close failed")
	}
	return nil
}

func TestPhaseOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("a phase starts only after the previous phase finished", prop.ForAll(
		func(phases []int, failIdx int) bool {
			j := &journal{}
			c := NewCoordinator(WithTimeout(5 * time.Second))
			var comps []*recordingComponent
			for i, p := range phases {
				comp := &recordingComponent{
					name:  fmt.Sprintf("c%d", i),
					phase: Phase(p),
					delay: time.Duration(i%3) * time.Millisecond,
					fail:  i == failIdx,
					j:     j,
				}
				comps = append(comps, comp)
				c.Register(comp.phase, comp)
			}

			c.Shutdown()
			c.Wait()

			if c.ExitCode() != 0 {
				return false
			}
			for _, comp := range comps {
				if atomic.LoadInt32(&comp.calls) != 1 {
					return false
				}
			}

			// Once a phase has started, no earlier phase may start or end.
			for i := 1; i < len(j.events); i++ {
				if j.events[i] < j.events[i-1] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(int(PhaseIngress), int(PhaseResources))),
		gen.IntRange(-1, 5),
	))

	properties.TestingRun(t)
}

func TestShutdownTimeoutSetsExitCode(t *testing.T) {
	j := &journal{}
	c := NewCoordinator(WithTimeout(50 * time.Millisecond))
	slow := &recordingComponent{name: "slow", phase: PhaseIngress, delay: time.Second, j: j}
	later := &recordingComponent{name: "later", phase: PhaseResources, j: j}
	c.Register(PhaseIngress, slow)
	c.Register(PhaseResources, later)

	start := time.Now()
	c.Shutdown()
	c.Wait()

	if time.Since(start) > 500*time.Millisecond {
		t.Error("shutdown ignored its timeout")
	}
	if c.ExitCode() != 1 {
		t.Errorf("exit code = %d", c.ExitCode())
	}
	if atomic.LoadInt32(&later.calls) != 0 {
		t.Error("later phase ran after timeout")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	j := &journal{}
	comp := &recordingComponent{name: "api", phase: PhaseIngress, j: j}
	c := NewCoordinator()
	c.Register(PhaseIngress, comp)

	c.Shutdown()
	c.Shutdown()
	c.Wait()
	if n := atomic.LoadInt32(&comp.calls); n != 1 {
		t.Errorf("component shut down %d times", n)
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithSignalChannel(sigCh))

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(context.Background())
		close(done)
	}()

	sigCh <- syscall.SIGTERM
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
}

func TestWaitForSignalContext(t *testing.T) {
	c := NewCoordinator(WithSignalChannel(make(chan os.Signal)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("context cancel did not trigger shutdown")
	}
	c.Wait()
}

type stopWorker struct {
	stopped atomic.Bool
	block   chan struct{}
}

func (w *stopWorker) Stop() {
	if w.block != nil {
		<-w.block
	}
	w.stopped.Store(true)
}

type closer struct{ closed atomic.Bool }

func (c *closer) Close() error {
	c.closed.Store(true)
	return nil
}

type stopper struct{ err error }

func (s stopper) Stop(ctx context.Context) error { return s.err }

func TestComponents(t *testing.T) {
	ctx := context.Background()

	w := &stopWorker{}
	if err := NewWorkerComponent("sweeper", w).Shutdown(ctx); err != nil || !w.stopped.Load() {
		t.Errorf("worker: %v stopped=%v", err, w.stopped.Load())
	}

	blocked := &stopWorker{block: make(chan struct{})}
	defer close(blocked.block)
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := NewWorkerComponent("stuck", blocked).Shutdown(tctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("stuck worker: %v", err)
	}

	cl := &closer{}
	if err := NewCloserComponent("redis", cl).Shutdown(ctx); err != nil || !cl.closed.Load() {
		t.Errorf("closer: %v", err)
	}

	boom := errors.New("boom")
	if err := NewStopperComponent("grpc", stopper{err: boom}).Shutdown(ctx); !errors.Is(err, boom) {
		t.Errorf("stopper: %v", err)
	}

	called := false
	fc := NewFuncComponent("notifier", func(context.Context) error { called = true; return nil })
	if fc.Name() != "notifier" || fc.Shutdown(ctx) != nil || !called {
		t.Error("func component")
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseIngress.String() != "ingress" || PhaseResources.String() != "resources" || Phase(9).String() != "unknown" {
		t.Error("phase names")
	}
}
