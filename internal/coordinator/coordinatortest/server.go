// Package coordinatortest provides an in-process coordinator for tests.
package coordinatortest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Server is a minimal coordinator: workers, job crons, and a push stream.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	workers       map[string]int // name -> registration calls
	jobs          map[string]map[string]string
	streams       map[string][]chan string
	subscriptions int
	subscribed    chan string
}

func New() *Server {
	s := &Server{
		workers:    map[string]int{},
		jobs:       map[string]map[string]string{},
		streams:    map[string][]chan string{},
		subscribed: make(chan string, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workers", s.registerWorker)
	mux.HandleFunc("PUT /api/workers/{worker}/jobs/{job}", s.registerJob)
	mux.HandleFunc("GET /api/workers/{worker}/eventstream", s.eventStream)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.workers[body.Name]++
	existing := s.workers[body.Name] > 1
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if existing {
		w.WriteHeader(http.StatusConflict)
		_, _ = fmt.Fprintf(w, `{"error":"worker %s exists"}`, body.Name)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"name":%q}`, body.Name)
}

func (s *Server) registerJob(w http.ResponseWriter, r *http.Request) {
	worker, name := r.PathValue("worker"), r.PathValue("job")
	var body struct {
		Cron string `json:"cron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[worker] == 0 {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	if s.jobs[worker] == nil {
		s.jobs[worker] = map[string]string{}
	}
	s.jobs[worker][name] = body.Cron
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"job_name":%q,"cron":%q}`, name, body.Cron)
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	worker := r.PathValue("worker")
	ch := make(chan string, 64)
	s.mu.Lock()
	s.streams[worker] = append(s.streams[worker], ch)
	s.subscriptions++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	select {
	case s.subscribed <- worker:
	default:
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Subscribed returns a channel that receives the worker name of every new subscription.
func (s *Server) Subscribed() <-chan string { return s.subscribed }

// Send writes one raw line to every open stream of worker.
func (s *Server) Send(worker, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams[worker] {
		ch <- line
	}
}

// Dispatch sends a NewJobInstance event.
func (s *Server) Dispatch(worker, job string, id int64) {
	s.Send(worker, fmt.Sprintf(`{"event_type":"NewJobInstance","data":{"job_name":%q,"id":%d}}`, job, id))
}

// Drop ends every open stream of worker (clean EOF for the client).
func (s *Server) Drop(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams[worker] {
		close(ch)
	}
	delete(s.streams, worker)
}

// Workers returns registration call counts by worker name.
func (s *Server) Workers() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.workers))
	for k, v := range s.workers {
		out[k] = v
	}
	return out
}

// Jobs returns the registered cron per job of worker.
func (s *Server) Jobs(worker string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.jobs[worker] {
		out[k] = v
	}
	return out
}

func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions
}

// BaseURL returns the server URL with a trailing slash.
func (s *Server) BaseURL() string { return strings.TrimRight(s.Server.URL, "/") + "/" }

// Close ends all streams and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for w, chs := range s.streams {
		for _, ch := range chs {
			close(ch)
		}
		delete(s.streams, w)
	}
	s.mu.Unlock()
	s.Server.Close()
}
