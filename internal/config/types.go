package config

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
)

type Config struct {
	Scheduler     SchedulerConfig     `json:"scheduler"`
	ErrorNotifier ErrorNotifierConfig `json:"error_notifier"`

	// ErrorNotificator is the key older configs used for error_notifier.
	// It is only read when error_notifier is empty.
	ErrorNotificator *ErrorNotifierConfig `json:"error_notificator,omitempty"`

	Logging LoggingConfig        `json:"logging"`
	Metrics MetricsConfig        `json:"metrics"`
	Storage StorageConfig        `json:"storage"`
	Jobs    map[string]JobConfig `json:"jobs"`
}

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// SchedulerConfig selects the scheduler variant and its execution settings.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - mode: local
//   - worker_name: local
//   - coordinator_url: http://localhost:8899/
//   - workers: 10
//   - misfire_grace: 10s
//   - shutdown_grace: 30s
//   - overlap: allow
//   - reconnect_min: 1s, reconnect_max: 1m
//   - dedup_window: 0s (disabled)
type SchedulerConfig struct {
	Mode           string `json:"mode,omitempty"`
	WorkerName     string `json:"worker_name,omitempty"`
	CoordinatorURL string `json:"coordinator_url,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	MisfireGrace  string `json:"misfire_grace,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	// JobTimeout bounds each run. "0s" (default) means no timeout.
	JobTimeout string `json:"job_timeout,omitempty"`

	Timezone string `json:"timezone,omitempty"`
	Overlap  string `json:"overlap,omitempty"`

	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
}

// ErrorNotifierConfig selects where job failures are reported.
//
// Email fields left empty fall back to the SMTP_* environment variables.
type ErrorNotifierConfig struct {
	Type string `json:"type,omitempty"`

	FromAddr     string `json:"from_addr,omitempty"`
	ToAddr       string `json:"to_addr,omitempty"`
	SMTPServer   string `json:"smtp_server,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPStartTLS *bool  `json:"smtp_starttls,omitempty"`
	SMTPUser     string `json:"smtp_user,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty"` // never logged
	Subject      string `json:"subject,omitempty"`

	TelegramToken    string `json:"telegram_token,omitempty"` // never logged
	TelegramChatID   int64  `json:"telegram_chat_id,omitempty"`
	TelegramThreadID int    `json:"telegram_thread_id,omitempty"`

	// Timeout is a Go duration string bounding one notification.
	Timeout string `json:"timeout,omitempty"`
}

func (c ErrorNotifierConfig) isZero() bool {
	return c.Type == "" && c.FromAddr == "" && c.ToAddr == "" && c.SMTPServer == "" &&
		c.TelegramToken == "" && c.TelegramChatID == 0
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MetricsConfig controls the Prometheus /metrics listener.
//
// Prefer binding to localhost (default "127.0.0.1:9108").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// StorageConfig controls the dispatch dedup store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./schd.db }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JobConfig is one entry under jobs.
//
// Parameters may be given under params or, as older configs do, inline next
// to class and cron. A key present in both places is an error.
type JobConfig struct {
	Class  string         `json:"class"`
	Cron   string         `json:"cron"`
	Params map[string]any `json:"params,omitempty"`
}

func (j *JobConfig) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := JobConfig{Params: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "class":
			s, ok := v.(string)
			if !ok {
				return errors.Newf("class: expected string, got %T", v)
			}
			out.Class = s
		case "cron":
			s, ok := v.(string)
			if !ok {
				return errors.Newf("cron: expected string, got %T", v)
			}
			out.Cron = s
		case "params":
			if v == nil {
				continue
			}
			m, ok := v.(map[string]any)
			if !ok {
				return errors.Newf("params: expected mapping, got %T", v)
			}
			for pk, pv := range m {
				if _, dup := out.Params[pk]; dup {
					return errors.Newf("param %q given twice", pk)
				}
				out.Params[pk] = pv
			}
		default:
			if _, dup := out.Params[k]; dup {
				return errors.Newf("param %q given twice", k)
			}
			out.Params[k] = v
		}
	}
	if len(out.Params) == 0 {
		out.Params = nil
	}
	*j = out
	return nil
}

// JobNames returns the configured job names, sorted.
func (c *Config) JobNames() []string {
	out := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
