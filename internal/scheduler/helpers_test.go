package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"schd/internal/engine"
	"schd/internal/job"
	"schd/internal/runner"
	logx "schd/pkg/logx"
)

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) Notify(context.Context, error) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newRunnerAndEngine(t *testing.T) (*runner.Runner, *engine.Service, *countingNotifier) {
	t.Helper()
	n := &countingNotifier{}
	return runner.New(n, logx.Nop()), engine.New(engine.Config{Workers: 4, MaxQueueDelay: 10 * time.Second}, logx.Nop(), nil, nil), n
}

// printJob prints "test output", like the smallest real job would.
func printJob() job.Job {
	return job.Func(func(_ context.Context, jc *job.Context) (any, error) {
		jc.Println("test output")
		return nil, nil
	})
}

// recorder is a job that reports every execution's context on a channel.
type recorder struct {
	runs chan job.Context
}

func newRecorder() *recorder { return &recorder{runs: make(chan job.Context, 16)} }

func (r *recorder) Execute(_ context.Context, jc *job.Context) (any, error) {
	r.runs <- *jc
	return nil, nil
}

func (r *recorder) next(t *testing.T) job.Context {
	t.Helper()
	select {
	case jc := <-r.runs:
		return jc
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
		return job.Context{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case jc := <-r.runs:
		t.Fatalf("unexpected run: %+v", jc)
	case <-time.After(wait):
	}
}

// gate blocks every run until released and tracks how many runs overlap.
type gate struct {
	release chan struct{}
	once    sync.Once
	started chan job.Context

	mu   sync.Mutex
	cur  int
	peak int
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{}), started: make(chan job.Context, 16)}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) Execute(ctx context.Context, jc *job.Context) (any, error) {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.cur--
		g.mu.Unlock()
	}()

	g.started <- *jc
	select {
	case <-g.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *gate) next(t *testing.T) job.Context {
	t.Helper()
	select {
	case jc := <-g.started:
		return jc
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
		return job.Context{}
	}
}

func (g *gate) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case jc := <-g.started:
		t.Fatalf("unexpected start: %+v", jc)
	case <-time.After(wait):
	}
}
