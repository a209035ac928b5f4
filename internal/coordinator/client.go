// Package coordinator is the HTTP client for the worker coordination service.
//
// Nothing here retries: callers own the retry policy. The event stream is a
// one-shot iterator; reconnecting means calling Subscribe again.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "schd/pkg/logx"
)

// DefaultBaseURL is used when no coordinator URL is configured.
const DefaultBaseURL = "http://localhost:8899/"

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 4 << 10
)

// Client talks to one coordinator.
type Client struct {
	base           *url.URL
	hc             *http.Client
	requestTimeout time.Duration
	log            logx.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the transport. The client must not set a global
// Timeout, since it would cut the event stream.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithRequestTimeout bounds register calls. The stream is unbounded.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("coordinator url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:           u,
		hc:             &http.Client{},
		requestTimeout: defaultRequestTimeout,
		log:            logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "coordinator"))
	return c, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(segments ...string) string {
	path, raw := "/api", "/api"
	for _, s := range segments {
		path += "/" + s
		raw += "/" + url.PathEscape(s)
	}
	return c.base.ResolveReference(&url.URL{Path: path, RawPath: raw}).String()
}

// RegisterWorker announces this worker. Registering an existing name is not
// an error: a 409 Conflict counts as success.
func (c *Client) RegisterWorker(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("worker name is required")
	}
	err := c.send(ctx, "register_worker", http.MethodPost, c.endpoint("workers"), map[string]string{"name": name}, http.StatusConflict)
	if err == nil {
		c.log.Info("worker registered", logx.String("worker", name))
	}
	return err
}

// RegisterJob upserts the cron expression of jobName under worker.
func (c *Client) RegisterJob(ctx context.Context, worker, jobName, cron string) error {
	if strings.TrimSpace(worker) == "" || strings.TrimSpace(jobName) == "" {
		return errors.New("worker and job name are required")
	}
	err := c.send(ctx, "register_job", http.MethodPut, c.endpoint("workers", worker, "jobs", jobName), map[string]string{"cron": cron})
	if err == nil {
		c.log.Info("job registered", logx.String("worker", worker), logx.String("job", jobName), logx.String("cron", cron))
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, endpoint string, body any, alsoOK ...int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return &RegistrationError{Op: op, Err: errors.Wrap(err, "encode body")}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(raw))
	if err != nil {
		return &RegistrationError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return &RegistrationError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	for _, code := range alsoOK {
		if resp.StatusCode == code {
			c.log.Debug("coordinator accepted existing record", logx.String("op", op), logx.Int("status", resp.StatusCode))
			return nil
		}
	}
	return &RegistrationError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// Subscribe opens the worker's event stream. The caller must Close it.
func (c *Client) Subscribe(ctx context.Context, worker string) (*EventStream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(worker) == "" {
		return nil, errors.New("worker name is required")
	}
	endpoint := c.endpoint("workers", worker, "eventstream")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, errors.Newf("subscribe %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	c.log.Info("event stream opened", logx.String("worker", worker))
	return newEventStream(resp.Body), nil
}
