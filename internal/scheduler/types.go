package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"schd/internal/engine"
	"schd/internal/job"
)

var (
	// ErrUnknownJob is the lookup error for a name that was never added.
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrInvalidState = errors.New("invalid scheduler state")
)

// State is a scheduler lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateRunning
	StateStopped
	// StateCreated is the initial state of a Remote scheduler.
	StateCreated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCreated:
		return "created"
	default:
		return "unknown"
	}
}

// Scheduler is what the daemon drives, whichever variant is configured.
type Scheduler interface {
	AddJob(ctx context.Context, j job.Job, cronExpr, name string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ExecuteJob(ctx context.Context, name string) (job.Result, error)
	Jobs() []JobInfo
}

// JobInfo describes one registered job.
type JobInfo struct {
	Name string
	Cron string
	Next time.Time
}

type entry struct {
	name     string
	cronExpr string
	job      job.Job
	sched    cron.Schedule
	state    *engine.RunState
}

// table is the name -> job lookup shared by both variants. It is read-mostly.
type table struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

func newTable() *table { return &table{jobs: map[string]*entry{}} }

func (t *table) add(e *entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[e.name]; ok {
		return errors.Wrapf(ErrDuplicateJob, "%q", e.name)
	}
	t.jobs[e.name] = e
	return nil
}

func (t *table) get(name string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.jobs[name]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJob, "%q", name)
	}
	return e, nil
}

func (t *table) has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.jobs[name]
	return ok
}

func (t *table) all() []*entry {
	t.mu.RLock()
	out := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (t *table) info(now time.Time) []JobInfo {
	entries := t.all()
	out := make([]JobInfo, len(entries))
	for i, e := range entries {
		out[i] = JobInfo{Name: e.name, Cron: e.cronExpr, Next: e.sched.Next(now)}
	}
	return out
}

func newEntry(j job.Job, cronExpr, name string) (*entry, error) {
	if name == "" {
		return nil, errors.New("job name is required")
	}
	if j == nil {
		return nil, errors.Newf("job %q: nil job", name)
	}
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return nil, errors.Wrapf(err, "job %q", name)
	}
	return &entry{name: name, cronExpr: cronExpr, job: j, sched: sched, state: &engine.RunState{}}, nil
}

// resultError turns a non-success result into a task error for engine history.
func resultError(res job.Result) error {
	switch res.Status {
	case job.StatusSuccess:
		return nil
	case job.StatusUnhandled:
		return res.Err
	default:
		return errors.Newf("job %s exited with code %d", res.JobName, res.Code)
	}
}
