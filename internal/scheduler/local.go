package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"schd/internal/engine"
	"schd/internal/job"
	"schd/internal/runner"
	logx "schd/pkg/logx"
)

const defaultShutdownGrace = 30 * time.Second

// LocalConfig configures a Local scheduler.
type LocalConfig struct {
	// Location is the zone cron expressions are evaluated in; nil means local time.
	Location *time.Location
	Overlap  engine.OverlapPolicy
	// ShutdownGrace bounds how long Stop waits for in-flight runs.
	ShutdownGrace time.Duration
}

// Local fires jobs in-process from their cron schedules.
//
// Lifecycle: Idle -> Running -> Stopped. Jobs can only be added while Idle.
type Local struct {
	cfg    LocalConfig
	runner *runner.Runner
	engine *engine.Service
	log    logx.Logger
	jobs   *table

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	stopped chan struct{}
	stopErr error
}

func NewLocal(cfg LocalConfig, r *runner.Runner, eng *engine.Service, log logx.Logger) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Local{
		cfg:     cfg,
		runner:  r,
		engine:  eng,
		log:     log.With(logx.String("comp", "local")),
		jobs:    newTable(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (l *Local) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AddJob registers j under name. Only valid while Idle.
func (l *Local) AddJob(_ context.Context, j job.Job, cronExpr, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return errors.Wrapf(ErrInvalidState, "add job %q while %s", name, l.state)
	}
	e, err := newEntry(j, cronExpr, name)
	if err != nil {
		return err
	}
	if err := l.jobs.add(e); err != nil {
		return err
	}

	fields := []logx.Field{logx.String("job", name), logx.String("cron", cronExpr)}
	if l.log.Enabled(logx.LevelDebug) {
		if next, err := NextRuns(cronExpr, time.Now().In(l.cfg.Location), 3); err == nil {
			fields = append(fields, logx.String("next", formatRuns(next)))
		}
	}
	l.log.Info("job added", fields...)
	return nil
}

// Start runs the cron timer loop and blocks until ctx is done or Stop is
// called, then drains in-flight runs within the shutdown grace.
func (l *Local) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.state != StateIdle {
		st := l.state
		l.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "start while %s", st)
	}
	l.state = StateRunning
	l.mu.Unlock()

	l.engine.Start(ctx)
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(l.cfg.Location))
	entries := l.jobs.all()
	for _, e := range entries {
		c.Schedule(e.sched, cron.FuncJob(l.fire(e)))
	}
	c.Start()
	l.log.Info("scheduler started", logx.Int("jobs", len(entries)), logx.String("tz", l.cfg.Location.String()))

	select {
	case <-ctx.Done():
	case <-l.stopCh:
	}

	l.log.Info("scheduler stopping", logx.Duration("grace", l.cfg.ShutdownGrace))
	<-c.Stop().Done()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ShutdownGrace)
	defer cancel()
	err := l.engine.Stop(sctx)

	l.mu.Lock()
	l.state = StateStopped
	l.stopErr = err
	l.mu.Unlock()
	close(l.stopped)
	l.log.Info("scheduler stopped")
	return err
}

// fire returns the cron callback for e. It only enqueues: the engine applies
// the misfire grace and the overlap policy.
func (l *Local) fire(e *entry) func() {
	return func() {
		runID := uuid.NewString()
		err := l.engine.Enqueue(engine.Task{
			ID:       runID,
			Name:     e.name,
			FireTime: time.Now(),
			Overlap:  l.cfg.Overlap,
			State:    e.state,
			Run: func(ctx context.Context) error {
				res := l.runner.Execute(ctx, e.job, &job.Context{JobName: e.name, RunID: runID})
				return resultError(res)
			},
		})
		if err != nil && !errors.Is(err, engine.ErrOverlapSkip) && !errors.Is(err, engine.ErrQueueFull) {
			l.log.Warn("firing not enqueued", logx.String("job", e.name), logx.Err(err))
		}
	}
}

// ExecuteJob runs name immediately on the calling goroutine, bypassing the
// cron timer and the worker pool.
func (l *Local) ExecuteJob(ctx context.Context, name string) (job.Result, error) {
	e, err := l.jobs.get(name)
	if err != nil {
		return job.Result{}, err
	}
	return l.runner.Execute(ctx, e.job, &job.Context{JobName: name, RunID: uuid.NewString()}), nil
}

// Stop ends the timer loop and waits (bounded by ctx) for Start to drain.
// Stopping an Idle scheduler moves it straight to Stopped.
func (l *Local) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	switch l.state {
	case StateIdle:
		l.state = StateStopped
		close(l.stopCh)
		close(l.stopped)
		l.mu.Unlock()
		return nil
	case StateRunning:
		select {
		case <-l.stopCh:
		default:
			close(l.stopCh)
		}
	}
	l.mu.Unlock()

	select {
	case <-l.stopped:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Jobs() []JobInfo { return l.jobs.info(time.Now().In(l.cfg.Location)) }
