package job

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnknownClass is returned when a configured job-type tag has no constructor.
var ErrUnknownClass = errors.New("unknown job class")

// Constructor builds a job instance from its configured name and params.
type Constructor func(name string, params map[string]any) (Job, error)

// Registry maps job-type tags to constructors. Tags are resolved once, at
// config-load time, so a typo fails the daemon before anything is scheduled.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Register adds a constructor under tag. Registering the same tag twice is an error.
func (r *Registry) Register(tag string, c Constructor) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("job class tag is required")
	}
	if c == nil {
		return errors.Newf("nil constructor for %q", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[tag]; ok {
		return errors.Newf("job class %q already registered", tag)
	}
	r.ctors[tag] = c
	return nil
}

// MustRegister is Register for package init code.
func (r *Registry) MustRegister(tag string, c Constructor) {
	if err := r.Register(tag, c); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[strings.TrimSpace(tag)]
	return ok
}

// Tags returns the registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build constructs the job named name from the constructor registered under tag.
func (r *Registry) Build(name, tag string, params map[string]any) (Job, error) {
	r.mu.RLock()
	c, ok := r.ctors[strings.TrimSpace(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithHintf(errors.Wrapf(ErrUnknownClass, "job %q: class %q", name, tag),
			"known classes: %s", strings.Join(r.Tags(), ", "))
	}
	if params == nil {
		params = map[string]any{}
	}
	j, err := c(name, params)
	if err != nil {
		return nil, errors.Wrapf(err, "build job %q", name)
	}
	return j, nil
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	r.MustRegister("CommandJob", NewCommandJob)
	r.MustRegister("command", NewCommandJob)
	// Fully qualified name accepted by older configs.
	r.MustRegister("schd.scheduler.CommandJob", NewCommandJob)
	return r
}()

// Default returns the process-wide registry with the built-in job types.
func Default() *Registry { return defaultRegistry }
