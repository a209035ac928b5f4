package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"schd/internal/coordinator"
	"schd/internal/engine"
	"schd/internal/job"
	"schd/internal/notify"
	"schd/internal/scheduler"
	"schd/internal/storage"
	logx "schd/pkg/logx"
)

const (
	defaultMisfireGrace  = 10 * time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultMetricsAddr   = "127.0.0.1:9108"
	defaultMetricsPath   = "/metrics"
)

// Normalize folds legacy keys into their current place and applies the
// environment fallbacks. Parse calls it; it is idempotent.
func (c *Config) Normalize() {
	if c.ErrorNotificator != nil {
		if c.ErrorNotifier.isZero() {
			c.ErrorNotifier = *c.ErrorNotificator
		}
		c.ErrorNotificator = nil
	}
	applyEnv(&c.ErrorNotifier, newEnv())
}

// Mode returns the scheduler mode, defaulting to local.
func (c *Config) Mode() string {
	m := strings.ToLower(strings.TrimSpace(c.Scheduler.Mode))
	if m == "" {
		return ModeLocal
	}
	return m
}

// Validate checks everything that can be checked without side effects.
// reg resolves job classes; nil means job.Default().
func (c *Config) Validate(reg *job.Registry) error {
	if reg == nil {
		reg = job.Default()
	}
	var errs error

	switch c.Mode() {
	case ModeLocal:
	case ModeRemote:
		if _, err := c.CoordinatorURL(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	default:
		errs = errors.CombineErrors(errs, errors.Newf("scheduler.mode: unknown mode %q (want local or remote)", c.Scheduler.Mode))
	}
	if c.Scheduler.Workers < 0 {
		errs = errors.CombineErrors(errs, errors.New("scheduler.workers: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Scheduler.Overlap)) {
	case "", "allow", "skip", "skip_if_running", "single_flight":
	default:
		errs = errors.CombineErrors(errs, errors.Newf("scheduler.overlap: unknown policy %q", c.Scheduler.Overlap))
	}
	if _, err := scheduler.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "scheduler.timezone"))
	}
	for path, raw := range map[string]string{
		"scheduler.misfire_grace":  c.Scheduler.MisfireGrace,
		"scheduler.shutdown_grace": c.Scheduler.ShutdownGrace,
		"scheduler.job_timeout":    c.Scheduler.JobTimeout,
		"scheduler.reconnect_min":  c.Scheduler.ReconnectMin,
		"scheduler.reconnect_max":  c.Scheduler.ReconnectMax,
		"scheduler.dedup_window":   c.Scheduler.DedupWindow,
		"error_notifier.timeout":   c.ErrorNotifier.Timeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.ErrorNotifier.Type)) {
	case "", notify.TypeConsole:
	case notify.TypeEmail:
		if strings.TrimSpace(c.ErrorNotifier.SMTPServer) == "" {
			errs = errors.CombineErrors(errs, errors.New("error_notifier.smtp_server: required for email (or set SMTP_SERVER)"))
		}
		if strings.TrimSpace(c.ErrorNotifier.ToAddr) == "" {
			errs = errors.CombineErrors(errs, errors.New("error_notifier.to_addr: required for email (or set SCHD_ADMIN_EMAIL)"))
		}
	case notify.TypeTelegram:
		if strings.TrimSpace(c.ErrorNotifier.TelegramToken) == "" || c.ErrorNotifier.TelegramChatID == 0 {
			errs = errors.CombineErrors(errs, errors.New("error_notifier: telegram_token and telegram_chat_id are required for telegram"))
		}
	default:
		errs = errors.CombineErrors(errs, errors.Wrapf(notify.ErrUnknownType, "error_notifier.type %q", c.ErrorNotifier.Type))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", storage.DriverMemory:
	case storage.DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = errors.CombineErrors(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = errors.CombineErrors(errs, errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	for _, name := range c.JobNames() {
		jc := c.Jobs[name]
		if strings.TrimSpace(jc.Class) == "" {
			errs = errors.CombineErrors(errs, errors.Newf("jobs.%s.class: required", name))
		} else if !reg.Has(jc.Class) {
			errs = errors.CombineErrors(errs, errors.Wrapf(job.ErrUnknownClass, "jobs.%s.class %q", name, jc.Class))
		}
		if _, err := scheduler.ParseCron(jc.Cron); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "jobs.%s.cron", name))
		}
	}
	return errs
}

// CoordinatorURL returns the validated coordinator base URL.
func (c *Config) CoordinatorURL() (string, error) {
	raw := strings.TrimSpace(c.Scheduler.CoordinatorURL)
	if raw == "" {
		raw = coordinator.DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.Newf("scheduler.coordinator_url: invalid URL %q", raw)
	}
	return raw, nil
}

func (c *Config) LoggerConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) NotifierConfig() (notify.Config, error) {
	n := c.ErrorNotifier
	timeout, err := ParseDurationField("error_notifier.timeout", n.Timeout)
	if err != nil {
		return notify.Config{}, err
	}
	starttls := true
	if n.SMTPStartTLS != nil {
		starttls = *n.SMTPStartTLS
	}
	port := n.SMTPPort
	if port == 0 {
		port = defaultSMTPPort
	}
	return notify.Config{
		Type: n.Type,
		Email: notify.EmailConfig{
			FromAddr:     n.FromAddr,
			ToAddr:       n.ToAddr,
			SMTPServer:   n.SMTPServer,
			SMTPPort:     port,
			SMTPUser:     n.SMTPUser,
			SMTPPassword: n.SMTPPassword,
			StartTLS:     starttls,
			Subject:      n.Subject,
			Timeout:      timeout,
		},
		Telegram: notify.TelegramConfig{
			Token:    n.TelegramToken,
			ChatID:   n.TelegramChatID,
			ThreadID: n.TelegramThreadID,
			Timeout:  timeout,
		},
	}, nil
}

func (c *Config) EngineConfig() (engine.Config, error) {
	s := c.Scheduler
	misfire, err := ParseDurationOrDefault("scheduler.misfire_grace", s.MisfireGrace, defaultMisfireGrace)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := ParseDurationField("scheduler.job_timeout", s.JobTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  misfire,
	}, nil
}

func (c *Config) LocalConfig() (scheduler.LocalConfig, error) {
	loc, err := scheduler.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return scheduler.LocalConfig{}, err
	}
	grace, err := ParseDurationOrDefault("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace, defaultShutdownGrace)
	if err != nil {
		return scheduler.LocalConfig{}, err
	}
	return scheduler.LocalConfig{
		Location:      loc,
		Overlap:       engine.ParseOverlap(strings.ToLower(strings.TrimSpace(c.Scheduler.Overlap))),
		ShutdownGrace: grace,
	}, nil
}

func (c *Config) RemoteConfig() (scheduler.RemoteConfig, error) {
	s := c.Scheduler
	out := scheduler.RemoteConfig{
		WorkerName: strings.TrimSpace(s.WorkerName),
		Overlap:    engine.ParseOverlap(strings.ToLower(strings.TrimSpace(s.Overlap))),
	}
	var err error
	if out.ShutdownGrace, err = ParseDurationOrDefault("scheduler.shutdown_grace", s.ShutdownGrace, defaultShutdownGrace); err != nil {
		return scheduler.RemoteConfig{}, err
	}
	if out.ReconnectMin, err = ParseDurationField("scheduler.reconnect_min", s.ReconnectMin); err != nil {
		return scheduler.RemoteConfig{}, err
	}
	if out.ReconnectMax, err = ParseDurationField("scheduler.reconnect_max", s.ReconnectMax); err != nil {
		return scheduler.RemoteConfig{}, err
	}
	if out.DedupWindow, err = ParseDurationField("scheduler.dedup_window", s.DedupWindow); err != nil {
		return scheduler.RemoteConfig{}, err
	}
	return out, nil
}

func (c *Config) StoreConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// MetricsAddr returns the listen address and HTTP path for /metrics.
func (c *Config) MetricsAddr() (addr, path string) {
	addr, path = strings.TrimSpace(c.Metrics.Addr), strings.TrimSpace(c.Metrics.Path)
	if addr == "" {
		addr = defaultMetricsAddr
	}
	if path == "" {
		path = defaultMetricsPath
	}
	return addr, path
}

// BuildJobs constructs every configured job through reg, in name order.
func (c *Config) BuildJobs(reg *job.Registry) ([]NamedJob, error) {
	if reg == nil {
		reg = job.Default()
	}
	out := make([]NamedJob, 0, len(c.Jobs))
	for _, name := range c.JobNames() {
		jc := c.Jobs[name]
		j, err := reg.Build(name, jc.Class, jc.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, NamedJob{Name: name, Cron: jc.Cron, Job: j})
	}
	return out, nil
}

// NamedJob is a built job with its schedule.
type NamedJob struct {
	Name string
	Cron string
	Job  job.Job
}
