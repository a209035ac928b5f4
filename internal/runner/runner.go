// Package runner executes one job with failure isolation.
//
// Execute never panics and never returns an error: every outcome, including a
// job panic, is folded into a job.Result. Failures are reported to the error
// notifier exactly once per execution.
package runner

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"schd/internal/job"
	"schd/internal/metrics"
	"schd/internal/notify"
	logx "schd/pkg/logx"
)

// Runner holds no per-execution state and is safe for concurrent use.
type Runner struct {
	notifier notify.Notifier
	log      logx.Logger
	sink     metrics.Sink
	now      func() time.Time
}

type Option func(*Runner)

func WithMetrics(s metrics.Sink) Option { return func(r *Runner) { r.sink = metrics.OrNoop(s) } }

func New(n notify.Notifier, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		notifier: n,
		log:      log,
		sink:     metrics.Noop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute runs j with a fresh output buffer and classifies the outcome.
//
// jc may be nil. When jc.Output is set the job's output is teed to it as well
// as captured.
func (r *Runner) Execute(ctx context.Context, j job.Job, jc *job.Context) job.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	var rc job.Context
	if jc != nil {
		rc = *jc
	}

	out := &job.OutputBuffer{}
	if rc.Output != nil {
		rc.Output = io.MultiWriter(out, rc.Output)
	} else {
		rc.Output = out
	}

	log := r.log.With(logx.String("job", rc.JobName))
	if rc.RunID != "" {
		log = log.With(logx.String("run_id", rc.RunID))
	}
	if rc.InstanceID != 0 {
		log = log.With(logx.Int64("instance_id", rc.InstanceID))
	}
	if rc.Log.IsZero() {
		rc.Log = log
	}

	res := job.Result{
		JobName:    rc.JobName,
		RunID:      rc.RunID,
		InstanceID: rc.InstanceID,
		Started:    r.now(),
	}
	log.Info("job started")

	v, stack, err := r.call(ctx, j, &rc)
	if err == nil {
		res.Code, err = job.Classify(v)
	}
	res.Duration = r.now().Sub(res.Started)
	res.Output = out.String()

	if err != nil {
		res.Status = job.StatusUnhandled
		res.Code = job.UnhandledCode
		res.Err = errors.Wrapf(err, "job %s failed", rc.JobName)
		log.Error("job raised an unhandled error", logx.Err(err), logx.Stack(stack), logx.String("output", res.Output))
		res.NotifyErr = r.notify(ctx, log, res.Err)
	} else {
		res.Status = job.StatusForCode(res.Code)
		log.Info("job completed", logx.Int("code", res.Code), logx.Duration("dur", res.Duration), logx.String("output", res.Output))
	}

	r.sink.RunCompleted(rc.JobName, res.Status.String(), res.Duration)
	return res
}

func (r *Runner) call(ctx context.Context, j job.Job, jc *job.Context) (v any, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack = string(debug.Stack())
			v = nil
			if perr, ok := p.(error); ok {
				err = errors.Wrap(perr, "panic")
			} else {
				err = errors.Newf("panic: %v", p)
			}
		}
	}()
	if j == nil {
		return nil, "", errors.New("nil job")
	}
	v, err = j.Execute(ctx, jc)
	if err != nil {
		if errors.GetReportableStackTrace(err) == nil {
			err = errors.WithStackDepth(err, 0)
		}
		stack = fmt.Sprintf("%+v", err)
	}
	return v, stack, err
}

// notify reports failure once. A delivery failure is logged here and returned
// for the caller; it never triggers another notification or a rerun.
func (r *Runner) notify(ctx context.Context, log logx.Logger, failure error) error {
	if r.notifier == nil {
		return nil
	}
	err := r.notifier.Notify(ctx, failure)
	if err == nil {
		return nil
	}
	typ := "unknown"
	var ne *notify.NotificationError
	if errors.As(err, &ne) {
		typ = ne.Type
	}
	r.sink.NotifyFailed(typ)
	log.Error("error notification failed", logx.String("notifier", typ), logx.Err(err))
	return err
}
