package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"schd/internal/coordinator"
	"schd/internal/engine"
	"schd/internal/eventbus"
	"schd/internal/job"
	"schd/internal/metrics"
	"schd/internal/runner"
	rtsup "schd/internal/runtime/supervisor"
	"schd/internal/storage"
	logx "schd/pkg/logx"
)

const (
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = time.Minute
	defaultReconnectReset = 30 * time.Second
	defaultWorkerName     = "local"
)

// errStreamClosed ends one stream connection on a clean EOF so the loop reconnects.
var errStreamClosed = errors.New("event stream closed by coordinator")

// RemoteConfig configures a Remote scheduler.
type RemoteConfig struct {
	WorkerName string
	Overlap    engine.OverlapPolicy

	// DedupWindow suppresses a redelivered (job, instance id) for this long.
	// 0 disables dedup.
	DedupWindow time.Duration

	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	ReconnectReset time.Duration

	ShutdownGrace time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if strings.TrimSpace(c.WorkerName) == "" {
		c.WorkerName = defaultWorkerName
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectReset <= 0 {
		c.ReconnectReset = defaultReconnectReset
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return c
}

type RemoteOption func(*Remote)

func WithStore(s storage.Store) RemoteOption      { return func(r *Remote) { r.store = s } }
func WithMetrics(s metrics.Sink) RemoteOption     { return func(r *Remote) { r.sink = metrics.OrNoop(s) } }
func WithBus(b eventbus.Bus) RemoteOption         { return func(r *Remote) { r.bus = b } }
func WithClock(now func() time.Time) RemoteOption { return func(r *Remote) { r.now = now } }

// Remote runs jobs when the coordinator dispatches them.
//
// Lifecycle: Created -> Initialized -> Running -> Stopped. Jobs may be added
// in any state but Stopped; the first one registers the worker if needed.
type Remote struct {
	cfg    RemoteConfig
	client *coordinator.Client
	runner *runner.Runner
	engine *engine.Service
	log    logx.Logger
	jobs   *table

	store storage.Store
	sink  metrics.Sink
	bus   eventbus.Bus
	now   func() time.Time

	mu    sync.Mutex
	state State
	sup   *rtsup.Supervisor
}

func NewRemote(cfg RemoteConfig, client *coordinator.Client, r *runner.Runner, eng *engine.Service, log logx.Logger, opts ...RemoteOption) *Remote {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	rs := &Remote{
		cfg:    cfg,
		client: client,
		runner: r,
		engine: eng,
		log:    log.With(logx.String("comp", "remote"), logx.String("worker", cfg.WorkerName)),
		jobs:   newTable(),
		sink:   metrics.Noop{},
		now:    time.Now,
		state:  StateCreated,
	}
	for _, o := range opts {
		o(rs)
	}
	return rs
}

func (r *Remote) WorkerName() string { return r.cfg.WorkerName }

func (r *Remote) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init registers the worker with the coordinator.
func (r *Remote) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initLocked(ctx)
}

func (r *Remote) initLocked(ctx context.Context) error {
	switch r.state {
	case StateCreated:
	case StateInitialized, StateRunning:
		return nil
	default:
		return errors.Wrapf(ErrInvalidState, "init while %s", r.state)
	}
	if err := r.client.RegisterWorker(ctx, r.cfg.WorkerName); err != nil {
		return err
	}
	r.state = StateInitialized
	return nil
}

// AddJob registers the job's cron with the coordinator, then makes it
// resolvable for dispatch events. A worker that was never registered is
// registered first.
func (r *Remote) AddJob(ctx context.Context, j job.Job, cronExpr, name string) error {
	e, err := newEntry(j, cronExpr, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initLocked(ctx); err != nil {
		return errors.Wrapf(err, "add job %q", name)
	}
	if r.jobs.has(name) {
		return errors.Wrapf(ErrDuplicateJob, "%q", name)
	}
	if err := r.client.RegisterJob(ctx, r.cfg.WorkerName, name, cronExpr); err != nil {
		return err
	}
	if err := r.jobs.add(e); err != nil {
		return err
	}
	r.log.Info("job added", logx.String("job", name), logx.String("cron", cronExpr))
	return nil
}

// Start begins consuming the event stream in the background and returns.
// A worker that was never registered is registered first; that error is
// returned to the caller.
func (r *Remote) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return nil
	}
	if err := r.initLocked(ctx); err != nil {
		return err
	}
	if r.state != StateInitialized {
		return errors.Wrapf(ErrInvalidState, "start while %s", r.state)
	}

	r.engine.Start(ctx)
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup.GoRestart("eventstream", r.consume,
		rtsup.WithRestartBackoff(r.cfg.ReconnectMin, r.cfg.ReconnectMax),
		rtsup.WithBackoffReset(r.cfg.ReconnectReset),
		rtsup.WithStopOnCleanExit(false),
		rtsup.WithOnRestart(func(err error, wait time.Duration) {
			r.sink.StreamReconnect()
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeStreamClosed, Data: err.Error()})
			}
		}),
	)
	r.state = StateRunning
	r.log.Info("scheduler started", logx.Int("jobs", len(r.jobs.all())))
	return nil
}

// consume reads one stream connection until it ends. Every return restarts
// it after the backoff, unless the scheduler is stopping.
func (r *Remote) consume(ctx context.Context) error {
	stream, err := r.client.Subscribe(ctx, r.cfg.WorkerName)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			if coordinator.IsProtocolError(err) {
				r.log.Error("event stream aborted", logx.Err(err))
			}
			return err
		}
		if err := r.dispatch(ctx, ev); err != nil {
			return err
		}
	}
}

// dispatch resolves and submits one event. Only errors that must abort the
// stream are returned.
func (r *Remote) dispatch(ctx context.Context, ev coordinator.DispatchEvent) error {
	e, err := r.jobs.get(ev.JobName)
	if err != nil {
		perr := &coordinator.ProtocolError{EventType: ev.Type, JobName: ev.JobName}
		r.log.Error("event stream aborted", logx.Err(perr), logx.Int64("instance_id", ev.InstanceID))
		return perr
	}
	log := r.log.With(logx.String("job", ev.JobName), logx.Int64("instance_id", ev.InstanceID))
	r.sink.DispatchReceived(ev.JobName)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatch, Data: ev})
	}

	if r.store != nil && r.cfg.DedupWindow > 0 {
		key := fmt.Sprintf("%s/%s/%d", r.cfg.WorkerName, ev.JobName, ev.InstanceID)
		fresh, err := r.store.MarkSeen(ctx, key, r.now().Add(r.cfg.DedupWindow))
		switch {
		case err != nil:
			// Prefer a possible double run over a lost one.
			log.Warn("dedup store unavailable", logx.Err(err))
		case !fresh:
			r.sink.DispatchDuplicate(ev.JobName)
			log.Info("duplicate dispatch ignored")
			return nil
		}
	}

	id := fmt.Sprintf("%s#%d", ev.JobName, ev.InstanceID)
	err = r.engine.Submit(ctx, engine.Task{
		ID:            id,
		Name:          ev.JobName,
		Overlap:       r.cfg.Overlap,
		State:         e.state,
		MaxQueueDelay: -1,
		// Results stay local; the coordinator has no endpoint for completion reports.
		Run: func(rctx context.Context) error {
			res := r.runner.Execute(rctx, e.job, &job.Context{JobName: ev.JobName, InstanceID: ev.InstanceID})
			return resultError(res)
		},
	})
	switch {
	case err == nil:
		log.Debug("dispatch accepted")
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		log.Info("dispatch skipped: job already running")
		return nil
	default:
		return errors.Wrapf(err, "submit %s", id)
	}
}

// ExecuteJob runs name immediately, outside the event stream.
func (r *Remote) ExecuteJob(ctx context.Context, name string) (job.Result, error) {
	e, err := r.jobs.get(name)
	if err != nil {
		return job.Result{}, err
	}
	return r.runner.Execute(ctx, e.job, &job.Context{JobName: name}), nil
}

// Stop ends the stream loop and drains in-flight runs within the shutdown
// grace (or ctx, whichever ends first).
func (r *Remote) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	prev := r.state
	sup := r.sup
	r.state = StateStopped
	r.mu.Unlock()
	if prev != StateRunning {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownGrace)
	defer cancel()
	var errs error
	if err := sup.Stop(sctx); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	errs = errors.CombineErrors(errs, r.engine.Stop(sctx))
	r.log.Info("scheduler stopped")
	return errs
}

func (r *Remote) Jobs() []JobInfo { return r.jobs.info(r.now()) }

// RemoteStats is a diagnostics view of the event loop.
type RemoteStats struct {
	State      string         `json:"state"`
	Jobs       int            `json:"jobs"`
	Goroutines rtsup.Counters `json:"goroutines"`
}

func (r *Remote) Stats() RemoteStats {
	r.mu.Lock()
	st, sup := r.state, r.sup
	r.mu.Unlock()
	return RemoteStats{State: st.String(), Jobs: len(r.jobs.all()), Goroutines: sup.Counters()}
}
