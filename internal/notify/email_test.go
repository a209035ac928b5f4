package notify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schd/pkg/logx"
)

// fakeSMTP is a minimal single-connection SMTP server that records the
// command sequence and message body.
type fakeSMTP struct {
	ln       net.Listener
	authResp string

	mu       sync.Mutex
	commands []string
	data     string
	done     chan struct{}
}

func newFakeSMTP(t *testing.T, authResp string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, authResp: authResp, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	reply("220 localhost ESMTP fake")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		f.mu.Lock()
		f.commands = append(f.commands, verb)
		f.mu.Unlock()

		switch verb {
		case "EHLO", "HELO":
			reply("250-localhost")
			reply("250 AUTH PLAIN")
		case "AUTH":
			reply(f.authResp)
		case "MAIL", "RCPT":
			reply("250 ok")
		case "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			f.mu.Lock()
			f.data = body.String()
			f.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unknown")
		}
	}
}

func (f *fakeSMTP) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake smtp server did not finish")
	}
}

func TestEmailSendsOneMessage(t *testing.T) {
	srv := newFakeSMTP(t, "235 accepted")
	n, err := NewEmail(EmailConfig{
		FromAddr:     "schd@example.com",
		ToAddr:       "ops@example.com",
		SMTPServer:   "127.0.0.1",
		SMTPPort:     srv.port(),
		SMTPUser:     "user",
		SMTPPassword: "secret",
		StartTLS:     false,
	}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), errors.New("job_a failed: boom")))
	srv.wait(t)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, srv.commands)
	assert.Contains(t, srv.data, "Subject: Error from schd\r\n")
	assert.Contains(t, srv.data, "To: ops@example.com\r\n")
	assert.Contains(t, srv.data, "job_a failed: boom")
}

func TestEmailAuthFailurePropagates(t *testing.T) {
	srv := newFakeSMTP(t, "535 authentication failed")
	n, err := NewEmail(EmailConfig{
		FromAddr:   "schd@example.com",
		ToAddr:     "ops@example.com",
		SMTPServer: "127.0.0.1",
		SMTPPort:   srv.port(),
		SMTPUser:   "user",
	}, logx.Nop())
	require.NoError(t, err)

	err = n.Notify(context.Background(), errors.New("boom"))
	require.Error(t, err)
	var ne *NotificationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, TypeEmail, ne.Type)
}

func TestEmailStartTLSUnsupported(t *testing.T) {
	srv := newFakeSMTP(t, "235 accepted")
	n, err := NewEmail(EmailConfig{
		FromAddr:   "schd@example.com",
		ToAddr:     "ops@example.com",
		SMTPServer: "127.0.0.1",
		SMTPPort:   srv.port(),
		StartTLS:   true,
	}, logx.Nop())
	require.NoError(t, err)

	err = n.Notify(context.Background(), errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
}

func TestEmailDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	n, err := NewEmail(EmailConfig{
		FromAddr:   "a@example.com",
		ToAddr:     "b@example.com",
		SMTPServer: "127.0.0.1",
		SMTPPort:   port,
		Timeout:    time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	err = n.Notify(context.Background(), errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}

func TestSplitAddrs(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@x"}, splitAddrs(" a@x, ,b@x "))
}
