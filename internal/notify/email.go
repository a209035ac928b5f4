package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "schd/pkg/logx"
)

const defaultSubject = "Error from schd"

// EmailConfig configures the SMTP notifier.
type EmailConfig struct {
	FromAddr     string
	ToAddr       string // comma-separated list allowed
	SMTPServer   string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	StartTLS     bool
	Subject      string
	Timeout      time.Duration
	// TLSConfig overrides the STARTTLS client config (tests, private CAs).
	TLSConfig *tls.Config
}

// Email sends one plain-text message per failure over SMTP.
type Email struct {
	cfg EmailConfig
	log logx.Logger
	now func() time.Time
}

func NewEmail(cfg EmailConfig, log logx.Logger) (*Email, error) {
	if strings.TrimSpace(cfg.SMTPServer) == "" {
		return nil, errors.New("email notifier: smtp_server is required")
	}
	if strings.TrimSpace(cfg.FromAddr) == "" || strings.TrimSpace(cfg.ToAddr) == "" {
		return nil, errors.New("email notifier: from_addr and to_addr are required")
	}
	if cfg.SMTPPort <= 0 {
		cfg.SMTPPort = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Email{cfg: cfg, log: log, now: time.Now}, nil
}

func (e *Email) Notify(ctx context.Context, failure error) error {
	if err := e.send(ctx, failure); err != nil {
		return notificationFailed(TypeEmail, err)
	}
	e.log.Debug("error notification sent", logx.String("to", e.cfg.ToAddr))
	return nil
}

func (e *Email) send(ctx context.Context, failure error) error {
	cfg := e.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(cfg.SMTPServer, strconv.Itoa(cfg.SMTPPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, cfg.SMTPServer)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp greeting")
	}
	defer c.Close()

	if cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("server does not support STARTTLS")
		}
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: cfg.SMTPServer, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}

	if cfg.SMTPUser != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPServer)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}

	if err := c.Mail(cfg.FromAddr); err != nil {
		return errors.Wrap(err, "mail from")
	}
	rcpts := splitAddrs(cfg.ToAddr)
	for _, to := range rcpts {
		if err := c.Rcpt(to); err != nil {
			return errors.Wrapf(err, "rcpt to %s", to)
		}
	}

	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "data")
	}
	if _, err := w.Write(e.message(rcpts, failure)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "end data")
	}
	return c.Quit()
}

func (e *Email) message(rcpts []string, failure error) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.FromAddr)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(rcpts, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.cfg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(fmt.Sprint(failure), "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
