// Package notify reports uncaught job failures to an operator.
//
// Notifiers are synchronous: Notify returns only after the report was written
// or sent, and a delivery failure is returned to the caller as a
// *NotificationError. There is no batching and no retry.
package notify

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	logx "schd/pkg/logx"
)

const (
	TypeConsole  = "console"
	TypeEmail    = "email"
	TypeTelegram = "telegram"
)

// ErrUnknownType is returned by New for an unsupported notifier type.
var ErrUnknownType = errors.New("unknown error notifier type")

// Notifier reports a job failure.
type Notifier interface {
	Notify(ctx context.Context, failure error) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, failure error) error

func (f Func) Notify(ctx context.Context, failure error) error { return f(ctx, failure) }

// NotificationError wraps a failure to deliver a notification.
type NotificationError struct {
	Type string
	Err  error
}

func (e *NotificationError) Error() string { return "notify " + e.Type + ": " + e.Err.Error() }
func (e *NotificationError) Unwrap() error { return e.Err }

func notificationFailed(typ string, err error) error {
	return &NotificationError{Type: typ, Err: err}
}

// Config selects and configures a notifier.
type Config struct {
	Type     string
	Email    EmailConfig
	Telegram TelegramConfig
}

// New builds the notifier selected by cfg.Type. An empty type means console.
func New(cfg Config, log logx.Logger) (Notifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeConsole:
		return NewConsole(logx.Stderr()), nil
	case TypeEmail:
		return NewEmail(cfg.Email, log)
	case TypeTelegram:
		return NewTelegram(cfg.Telegram, log)
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", cfg.Type)
	}
}

// Switch is a Notifier whose target can be replaced at runtime (config reload).
type Switch struct {
	cur atomic.Pointer[holder]
}

type holder struct{ n Notifier }

func NewSwitch(n Notifier) *Switch {
	s := &Switch{}
	s.Set(n)
	return s
}

func (s *Switch) Set(n Notifier) { s.cur.Store(&holder{n: n}) }

func (s *Switch) Notify(ctx context.Context, failure error) error {
	h := s.cur.Load()
	if h == nil || h.n == nil {
		return nil
	}
	return h.n.Notify(ctx, failure)
}
