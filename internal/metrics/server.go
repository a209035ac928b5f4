package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "schd/pkg/logx"
)

// ServerConfig controls the /metrics HTTP listener.
type ServerConfig struct {
	Addr string
	Path string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes a Prometheus gatherer over HTTP, plus /healthz.
type Server struct {
	cfg ServerConfig
	g   prometheus.Gatherer
	log logx.Logger

	mu    sync.Mutex
	addr  string
	debug map[string]func() any
}

func NewServer(cfg ServerConfig, g prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9108"
	}
	cfg.Path = normalizePath(cfg.Path)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, g: g, log: log}
}

// Addr returns the bound address once Run is listening, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// HandleDebug serves fn's value as JSON on /debug/<name>. Register before Run.
func (s *Server) HandleDebug(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debug == nil {
		s.debug = map[string]func() any{}
	}
	s.debug[strings.Trim(name, "/")] = fn
}

// Run listens and serves until ctx is done. A listen failure is returned
// immediately.
func (s *Server) Run(ctx context.Context) error {
	if !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("metrics listening on non-loopback addr", logx.String("addr", s.cfg.Addr))
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "metrics listen %s", s.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mu.Lock()
	for name, fn := range s.debug {
		mux.Handle("/debug/"+name, debugHandler(fn))
	}
	s.mu.Unlock()
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("metrics started", logx.String("addr", ln.Addr().String()), logx.String("path", s.cfg.Path))

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	err = srv.Serve(ln)
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		s.log.Info("metrics stopped")
		return nil
	}
	return errors.Wrap(err, "metrics serve")
}

func debugHandler(fn func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fn()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
