// Package daemon assembles schd from its config and runs it.
package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"schd/internal/config"
	"schd/internal/coordinator"
	"schd/internal/engine"
	"schd/internal/eventbus"
	"schd/internal/job"
	"schd/internal/metrics"
	"schd/internal/notify"
	"schd/internal/runner"
	"schd/internal/scheduler"
	"schd/internal/storage"
	logx "schd/pkg/logx"
)

// Options are the inputs the CLI resolves before building a Daemon.
type Options struct {
	// ConfigPath is the resolved config file.
	ConfigPath string
	// LogFile, when set, enables the JSON file sink at this path on top of
	// the configured logging.
	LogFile string
	// Registry resolves job classes; nil means job.Default().
	Registry *job.Registry
	// Watch enables config hot reload.
	Watch bool
}

// Daemon owns every long-lived component of one schd process.
type Daemon struct {
	opts Options

	cfgm *config.ConfigManager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	registry *prometheus.Registry
	sink     metrics.Sink
	notifier *notify.Switch
	runner   *runner.Runner
	engine   *engine.Service
	store    storage.Store
	sched    scheduler.Scheduler
	jobs     []config.NamedJob
}

// New loads and validates the config and builds every component. Nothing is
// started and no network call is made.
func New(opts Options) (*Daemon, error) {
	if opts.Registry == nil {
		opts.Registry = job.Default()
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(opts.Registry); err != nil {
		return nil, errors.Wrapf(err, "config %s", opts.ConfigPath)
	}

	d := &Daemon{opts: opts, cfgm: cfgm, cfg: cfg}
	d.logs, d.log = logx.New(d.loggerConfig(cfg))
	cfgm.SetLogger(d.log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate(opts.Registry) })

	if err := d.build(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) loggerConfig(cfg *config.Config) logx.Config {
	lc := cfg.LoggerConfig()
	if p := strings.TrimSpace(d.opts.LogFile); p != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: p}
	}
	return lc
}

func (d *Daemon) build() error {
	cfg := d.cfg
	d.bus = eventbus.New()

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.sink = metrics.NewPrometheusSink(d.registry, d.log.With(logx.String("comp", "metrics")))

	ncfg, err := cfg.NotifierConfig()
	if err != nil {
		return err
	}
	n, err := notify.New(ncfg, d.log.With(logx.String("comp", "notifier")))
	if err != nil {
		return err
	}
	d.notifier = notify.NewSwitch(n)

	d.runner = runner.New(d.notifier, d.log.With(logx.String("comp", "runner")), runner.WithMetrics(d.sink))

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	d.engine = engine.New(ecfg, d.log.With(logx.String("comp", "engine")), d.bus, d.sink)

	if d.jobs, err = cfg.BuildJobs(d.opts.Registry); err != nil {
		return err
	}

	switch cfg.Mode() {
	case config.ModeRemote:
		return d.buildRemote()
	default:
		lcfg, err := cfg.LocalConfig()
		if err != nil {
			return err
		}
		d.sched = scheduler.NewLocal(lcfg, d.runner, d.engine, d.log)
		return nil
	}
}

func (d *Daemon) buildRemote() error {
	rcfg, err := d.cfg.RemoteConfig()
	if err != nil {
		return err
	}
	base, err := d.cfg.CoordinatorURL()
	if err != nil {
		return err
	}
	client, err := coordinator.New(base, coordinator.WithLogger(d.log.With(logx.String("comp", "coordinator"))))
	if err != nil {
		return err
	}

	opts := []scheduler.RemoteOption{scheduler.WithMetrics(d.sink), scheduler.WithBus(d.bus)}
	if rcfg.DedupWindow > 0 {
		scfg, err := d.cfg.StoreConfig()
		if err != nil {
			return err
		}
		d.store, err = storage.Open(scfg, d.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithStore(d.store))
	}
	d.sched = scheduler.NewRemote(rcfg, client, d.runner, d.engine, d.log, opts...)
	return nil
}

func (d *Daemon) Logger() logx.Logger            { return d.log }
func (d *Daemon) Config() *config.Config         { return d.cfg }
func (d *Daemon) Scheduler() scheduler.Scheduler { return d.sched }
func (d *Daemon) Gatherer() prometheus.Gatherer  { return d.registry }
func (d *Daemon) Bus() eventbus.Bus              { return d.bus }

// register adds every configured job. For the remote variant this registers
// the worker and each job with the coordinator.
func (d *Daemon) register(ctx context.Context) error {
	if r, ok := d.sched.(*scheduler.Remote); ok {
		if err := r.Init(ctx); err != nil {
			return err
		}
	}
	for _, nj := range d.jobs {
		if err := d.sched.AddJob(ctx, nj.Job, nj.Cron, nj.Name); err != nil {
			return err
		}
	}
	return nil
}

// Run registers the jobs, starts the scheduler and its companions, calls
// ready once jobs are registered, and blocks until ctx is done or a
// component fails. Shutdown drains in-flight runs within the configured
// grace.
func (d *Daemon) Run(ctx context.Context, ready func()) error {
	if err := d.register(ctx); err != nil {
		return err
	}
	d.log.Info("schd starting", logx.String("mode", d.cfg.Mode()), logx.Int("jobs", len(d.jobs)))

	local, isLocal := d.sched.(*scheduler.Local)
	if !isLocal {
		// The remote variant starts in the background; its loops stop with ctx.
		if err := d.sched.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.Metrics.Enabled {
		addr, path := d.cfg.MetricsAddr()
		srv := metrics.NewServer(metrics.ServerConfig{Addr: addr, Path: path}, d.registry, d.log.With(logx.String("comp", "metrics")))
		srv.HandleDebug("engine", func() any { return d.engine.Snapshot() })
		if r, ok := d.sched.(*scheduler.Remote); ok {
			srv.HandleDebug("remote", func() any { return r.Stats() })
		}
		g.Go(func() error { return srv.Run(gctx) })
	}
	if d.opts.Watch {
		g.Go(func() error { return d.cfgm.Watch(gctx) })
		g.Go(func() error { d.applyReloads(gctx); return nil })
	}
	g.Go(func() error { d.logEvents(gctx); return nil })

	if isLocal {
		if ready != nil {
			go func() {
				if waitRunning(gctx, local) {
					ready()
				}
			}()
		}
		// Start blocks until gctx is done, then drains.
		g.Go(func() error { return local.Start(gctx) })
	} else {
		if ready != nil {
			ready()
		}
		g.Go(func() error {
			<-gctx.Done()
			return d.stopScheduler()
		})
	}

	err := g.Wait()
	d.log.Info("schd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stopScheduler stops a non-blocking scheduler variant, which bounds the
// wait with its own shutdown grace.
func (d *Daemon) stopScheduler() error {
	err := d.sched.Stop(context.Background())
	if errors.Is(err, engine.ErrAbandoned) {
		d.log.Warn("shutdown grace expired; in-flight runs abandoned")
	}
	return err
}

// waitRunning reports whether l reached Running before ctx ended.
func waitRunning(ctx context.Context, l *scheduler.Local) bool {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for l.State() == scheduler.StateIdle {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return l.State() == scheduler.StateRunning
}

// RunOnce executes one configured job synchronously through the local
// scheduler, regardless of the configured mode.
func (d *Daemon) RunOnce(ctx context.Context, name string) (job.Result, error) {
	lcfg, err := d.cfg.LocalConfig()
	if err != nil {
		return job.Result{}, err
	}
	local := scheduler.NewLocal(lcfg, d.runner, d.engine, d.log)
	for _, nj := range d.jobs {
		if err := local.AddJob(ctx, nj.Job, nj.Cron, nj.Name); err != nil {
			return job.Result{}, err
		}
	}
	return local.ExecuteJob(ctx, name)
}

// Close releases resources held outside the scheduler.
func (d *Daemon) Close() error {
	var errs error
	if d.store != nil {
		errs = errors.CombineErrors(errs, d.store.Close())
	}
	if d.logs != nil {
		errs = errors.CombineErrors(errs, d.logs.Close())
	}
	return errs
}
