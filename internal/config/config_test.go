package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schd/internal/engine"
	"schd/internal/job"
	"schd/internal/notify"
	logx "schd/pkg/logx"
)

const sampleYAML = `
scheduler:
  mode: local
  workers: 4
  misfire_grace: 5s
  timezone: UTC
  overlap: skip
error_notifier:
  type: console
logging: {level: debug, console: true}
storage: {driver: memory}
jobs:
  job_a:
    class: CommandJob
    cron: "0 1 * * *"
    params: {cmd: "echo hello"}
  job_b:
    class: CommandJob
    cron: "*/5 * * * *"
    cmd: "echo inline"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "schd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, ModeLocal, cfg.Mode())
	assert.Equal(t, []string{"job_a", "job_b"}, cfg.JobNames())
	assert.Equal(t, "echo hello", cfg.Jobs["job_a"].Params["cmd"])
	assert.Equal(t, "echo inline", cfg.Jobs["job_b"].Params["cmd"])
	require.NoError(t, cfg.Validate(nil))

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 5*time.Second, ec.MaxQueueDelay)

	lc, err := cfg.LocalConfig()
	require.NoError(t, err)
	assert.Equal(t, "UTC", lc.Location.String())
	assert.Equal(t, engine.OverlapSkipIfRunning, lc.Overlap)
	assert.Equal(t, 30*time.Second, lc.ShutdownGrace)

	jobs, err := cfg.BuildJobs(nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job_a", jobs[0].Name)
	assert.Equal(t, "0 1 * * *", jobs[0].Cron)
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "schd.json", `{"scheduler":{"mode":"remote","worker_name":"w1","coordinator_url":"http://coord:8899/"},"jobs":{}}`))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil))
	u, err := cfg.CoordinatorURL()
	require.NoError(t, err)
	assert.Equal(t, "http://coord:8899/", u)

	rc, err := cfg.RemoteConfig()
	require.NoError(t, err)
	assert.Equal(t, "w1", rc.WorkerName)
	assert.Zero(t, rc.DedupWindow)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body string
	}{
		{"unknown top-level key", "c.yaml", "bogus: 1\n"},
		{"unknown nested key", "c.yaml", "scheduler: {workerz: 3}\n"},
		{"trailing json", "c.json", `{"jobs":{}} {}`},
		{"bad yaml", "c.yaml", "scheduler: [\n"},
		{"param given twice", "c.yaml", "jobs: {a: {class: CommandJob, cron: '* * * * *', cmd: x, params: {cmd: y}}}\n"},
		{"non-string cron", "c.yaml", "jobs: {a: {class: CommandJob, cron: 5}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	okJob := map[string]JobConfig{"a": {Class: "CommandJob", Cron: "0 1 * * *", Params: map[string]any{"cmd": "true"}}}
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown mode", Config{Scheduler: SchedulerConfig{Mode: "cluster"}}, "unknown mode"},
		{"bad coordinator url", Config{Scheduler: SchedulerConfig{Mode: "remote", CoordinatorURL: "ftp://x"}}, "coordinator_url"},
		{"unknown class", Config{Jobs: map[string]JobConfig{"a": {Class: "Nope", Cron: "0 1 * * *"}}}, "unknown job class"},
		{"missing class", Config{Jobs: map[string]JobConfig{"a": {Cron: "0 1 * * *"}}}, "class: required"},
		{"bad cron", Config{Jobs: map[string]JobConfig{"a": {Class: "CommandJob", Cron: "0 0 1 * * *"}}}, "jobs.a.cron"},
		{"unknown notifier", Config{ErrorNotifier: ErrorNotifierConfig{Type: "pager"}, Jobs: okJob}, "unknown error notifier type"},
		{"telegram incomplete", Config{ErrorNotifier: ErrorNotifierConfig{Type: "telegram"}}, "telegram_token"},
		{"bad duration", Config{Scheduler: SchedulerConfig{MisfireGrace: "soon"}}, "misfire_grace"},
		{"negative duration", Config{Scheduler: SchedulerConfig{ShutdownGrace: "-1s"}}, "must be >= 0"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, "timezone"},
		{"bad overlap", Config{Scheduler: SchedulerConfig{Overlap: "queue"}}, "overlap"},
		{"bad storage", Config{Storage: StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"sqlite needs path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	valid := Config{Jobs: okJob}
	require.NoError(t, valid.Validate(nil))

	err := (&Config{ErrorNotifier: ErrorNotifierConfig{Type: "pager"}}).Validate(nil)
	assert.True(t, errors.Is(err, notify.ErrUnknownType))
	err = (&Config{Jobs: map[string]JobConfig{"a": {Class: "Nope", Cron: "0 1 * * *"}}}).Validate(nil)
	assert.True(t, errors.Is(err, job.ErrUnknownClass))
}

func TestLegacyNotifierKey(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("error_notificator: {type: console}\n"))
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.ErrorNotifier.Type)
	assert.Nil(t, cfg.ErrorNotificator)

	cfg, err = Decode("c.yaml", []byte("error_notifier: {type: telegram, telegram_token: t, telegram_chat_id: 1}\nerror_notificator: {type: console}\n"))
	require.NoError(t, err)
	assert.Equal(t, "telegram", cfg.ErrorNotifier.Type, "current key wins")
}

func TestEmailEnvFallbacks(t *testing.T) {
	t.Setenv("SMTP_SERVER", "mail.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_STARTTLS", "False")
	t.Setenv("SMTP_USER", "bot")
	t.Setenv("SMTP_PASS", "hunter2")
	t.Setenv("SMTP_FROM", "schd@example.com")
	t.Setenv("SCHD_ADMIN_EMAIL", "ops@example.com")

	cfg, err := Decode("c.yaml", []byte("error_notifier: {type: email, smtp_user: explicit}\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil))

	nc, err := cfg.NotifierConfig()
	require.NoError(t, err)
	assert.Equal(t, "email", nc.Type)
	assert.Equal(t, "mail.example.com", nc.Email.SMTPServer)
	assert.Equal(t, 2525, nc.Email.SMTPPort)
	assert.False(t, nc.Email.StartTLS)
	assert.Equal(t, "explicit", nc.Email.SMTPUser, "config value beats env")
	assert.Equal(t, "hunter2", nc.Email.SMTPPassword)
	assert.Equal(t, "schd@example.com", nc.Email.FromAddr)
	assert.Equal(t, "ops@example.com", nc.Email.ToAddr)
}

func TestEmailEnvDefaults(t *testing.T) {
	t.Setenv("SMTP_SERVER", "mail.example.com")
	t.Setenv("SCHD_ADMIN_EMAIL", "ops@example.com")
	t.Setenv("SMTP_PORT", "")
	t.Setenv("SMTP_STARTTLS", "")

	cfg, err := Decode("c.yaml", []byte("error_notifier: {type: email}\n"))
	require.NoError(t, err)
	nc, err := cfg.NotifierConfig()
	require.NoError(t, err)
	assert.Equal(t, 587, nc.Email.SMTPPort)
	assert.True(t, nc.Email.StartTLS)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	assert.Equal(t, DefaultConfigPath, ResolvePath(""))
	t.Setenv(EnvConfig, "/etc/schd/schd.yaml")
	assert.Equal(t, "/etc/schd/schd.yaml", ResolvePath(""))
	assert.Equal(t, "./mine.yaml", ResolvePath("./mine.yaml"))
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	newCfg.Logging.Level = "warn"
	newCfg.ErrorNotifier.SMTPPassword = "secret"
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"error_notifier", "logging"}, changed)
	assert.Empty(t, restart)
	assert.NotEmpty(t, attrs)

	newCfg.Jobs["job_c"] = JobConfig{Class: "CommandJob", Cron: "@daily"}
	newCfg.Scheduler.Workers = 8
	changed, _, restart = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"error_notifier", "jobs", "logging", "scheduler"}, changed)
	assert.Equal(t, []string{"jobs", "scheduler"}, restart)
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "schd.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := cfg.Validate(nil); err != nil {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return err
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to attach before writing.
	updated := sampleYAML + "metrics: {enabled: true}\n"
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Metrics.Enabled
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.Get().Metrics.Enabled)

	// An invalid file is rejected and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte("scheduler: {mode: cluster}\n"), 0o600))
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("invalid config was not validated")
	}
	assert.True(t, m.Get().Metrics.Enabled)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}
