package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"schd/internal/eventbus"
	"schd/internal/metrics"
	rtsup "schd/internal/runtime/supervisor"
	logx "schd/pkg/logx"
)

// warnEvery bounds how often drop warnings are logged.
const warnEvery = 5 * time.Second

// Service is a bounded worker pool fed by a FIFO queue.
//
// Stop closes intake and lets running tasks finish. If the stop context
// expires first, the run context handed to tasks is canceled and the tasks
// are abandoned.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	sink metrics.Sink

	q chan queuedTask

	inFlight int32

	sup       *rtsup.Supervisor
	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	stopDone  chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64
	droppedStopped   uint64
	skipped          uint64

	queueFullWarn *rate.Limiter
	staleWarn     *rate.Limiter
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	maxDelay   time.Duration

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:           cfg.withDefaults(),
		log:           log.With(logx.String("comp", "engine")),
		bus:           bus,
		sink:          metrics.OrNoop(sink),
		states:        make(map[string]*RunState),
		queueFullWarn: rate.NewLimiter(rate.Every(warnEvery), 1),
		staleWarn:     rate.NewLimiter(rate.Every(warnEvery), 1),
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers. It is idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		// A previous Stop is still draining.
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	// Tasks keep running past ctx cancellation until Stop gives up on them.
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Duration("misfire_grace", cfg.MaxQueueDelay),
	)
}

// Stop closes intake, waits for in-flight tasks until ctx is done, and drops
// whatever is still queued. It returns ErrAbandoned when ctx expired first.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ErrAbandoned
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue, runCancel := s.sup, s.q, s.runCancel
	s.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		s.drain(queue)
		runCancel()
		sup.Cancel()

		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		runCancel()
		s.log.Warn("engine stop grace exceeded; abandoning in-flight tasks",
			logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
		return ErrAbandoned
	}
}

// drain drops tasks that were queued but never picked up before Stop.
func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			if qt.track {
				qt.state.release()
			}
			atomic.AddUint64(&s.dropped, 1)
			atomic.AddUint64(&s.droppedStopped, 1)
			s.sink.RunDropped(qt.task.Name, metrics.DropStopped)
			s.publish(eventbus.TypeRunDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Error: "stopped"})
			s.log.Debug("task dropped: engine stopped", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
		default:
			return
		}
	}
}

// Enqueue adds a task without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	maxDelay := cfg.MaxQueueDelay
	if t.MaxQueueDelay != 0 {
		maxDelay = t.MaxQueueDelay
	}
	enqueuedAt := now
	if !t.FireTime.IsZero() && t.FireTime.Before(now) {
		enqueuedAt = t.FireTime
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := false
	if t.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			atomic.AddUint64(&s.skipped, 1)
			s.sink.RunDropped(t.Name, metrics.DropOverlap)
			s.publish(eventbus.TypeRunSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: enqueuedAt, timeout: timeout, maxDelay: maxDelay, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			s.onQueued(qt, q)
			return nil
		default:
			if track {
				st.release()
			}
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		s.onQueued(qt, q)
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) onQueued(qt queuedTask, q chan queuedTask) {
	s.sink.QueueDepth(len(q))
	s.publish(eventbus.TypeRunQueued, TaskEvent{ID: qt.task.ID, Name: qt.task.Name})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DroppedStopped:   atomic.LoadUint64(&s.droppedStopped),
		Skipped:          atomic.LoadUint64(&s.skipped),
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.sink.RunDropped(t.Name, metrics.DropQueueFull)
	s.publish(eventbus.TypeRunDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.queueFullWarn.Allow() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.sink.RunDropped(t.Name, metrics.DropMisfire)
	s.publish(eventbus.TypeRunDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "misfire"})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "misfire"})

	if s.staleWarn.Allow() {
		s.log.Warn("task dropped: missed its start by more than the grace time",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
