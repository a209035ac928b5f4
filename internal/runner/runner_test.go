package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schd/internal/job"
	"schd/internal/notify"
	logx "schd/pkg/logx"
)

type recordingNotifier struct {
	mu     sync.Mutex
	calls  []error
	result error
}

func (n *recordingNotifier) Notify(_ context.Context, failure error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, failure)
	return n.result
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type coded struct{ code int }

func (c coded) ResultCode() int { return c.code }

func returning(v any) job.Job {
	return job.Func(func(context.Context, *job.Context) (any, error) { return v, nil })
}

func TestExecuteClassifiesReturnValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		job    job.Job
		status job.Status
		code   int
		notify int
	}{
		{name: "no value", job: returning(nil), status: job.StatusSuccess, code: 0},
		{name: "int 7", job: returning(7), status: job.StatusFailure, code: 7},
		{name: "result coder 3", job: returning(coded{3}), status: job.StatusFailure, code: 3},
		{name: "result coder 0", job: returning(coded{0}), status: job.StatusSuccess, code: 0},
		{name: "string", job: returning("nope"), status: job.StatusUnhandled, code: job.UnhandledCode, notify: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := &recordingNotifier{}
			res := New(n, logx.Nop()).Execute(context.Background(), tt.job, &job.Context{JobName: "j"})
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, tt.notify, n.count())
		})
	}
}

func TestInvalidResultTypeIsReported(t *testing.T) {
	t.Parallel()
	res := New(nil, logx.Nop()).Execute(context.Background(), returning(3.5), nil)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, job.ErrInvalidResultType))
}

func TestJobErrorNotifiesOnce(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	j := job.Func(func(_ context.Context, jc *job.Context) (any, error) {
		jc.Println("partial")
		return nil, errors.New("exploded")
	})

	res := New(n, logx.Nop()).Execute(context.Background(), j, &job.Context{JobName: "job_a"})
	assert.Equal(t, job.StatusUnhandled, res.Status)
	assert.Equal(t, -1, res.Code)
	assert.Equal(t, "partial\n", res.Output)
	require.Equal(t, 1, n.count())
	assert.Contains(t, n.calls[0].Error(), "job_a")
	assert.Contains(t, n.calls[0].Error(), "exploded")
	assert.NoError(t, res.NotifyErr)
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	var logs bytes.Buffer
	j := job.Func(func(context.Context, *job.Context) (any, error) { panic("kaboom") })

	var res job.Result
	require.NotPanics(t, func() {
		res = New(n, logx.NewWriter(&logs, "debug")).Execute(context.Background(), j, &job.Context{JobName: "p"})
	})
	assert.Equal(t, job.StatusUnhandled, res.Status)
	assert.Equal(t, job.UnhandledCode, res.Code)
	assert.Contains(t, res.Err.Error(), "kaboom")
	assert.Equal(t, 1, n.count())
	assert.Contains(t, logs.String(), `"stack"`)
}

func TestErrorWithoutStackIsLoggedWithTrace(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	var logs bytes.Buffer
	plain := fmt.Errorf("disk full")
	j := job.Func(func(context.Context, *job.Context) (any, error) { return nil, plain })

	res := New(n, logx.NewWriter(&logs, "debug")).Execute(context.Background(), j, &job.Context{JobName: "plain"})
	assert.Equal(t, job.StatusUnhandled, res.Status)
	assert.True(t, errors.Is(res.Err, plain))
	assert.Equal(t, 1, n.count())
	assert.Contains(t, logs.String(), `"stack"`)
	assert.Contains(t, logs.String(), "runner.(*Runner).Execute")
}

func TestCommandFailureIsUnhandled(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	j, err := job.NewCommandJob("cmd", map[string]any{"cmd": "echo nope; exit 2"})
	require.NoError(t, err)

	res := New(n, logx.Nop()).Execute(context.Background(), j, &job.Context{JobName: "cmd"})
	assert.Equal(t, job.StatusUnhandled, res.Status)
	assert.Equal(t, "nope\n", res.Output)
	var cf *job.CommandFailedError
	require.True(t, errors.As(res.Err, &cf))
	assert.Equal(t, 2, cf.ReturnCode)
	assert.Equal(t, 1, n.count())
}

func TestNotifierFailureIsRecordedNotRetried(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{result: &notify.NotificationError{Type: notify.TypeEmail, Err: errors.New("smtp down")}}
	var logs bytes.Buffer
	j := job.Func(func(context.Context, *job.Context) (any, error) { return nil, errors.New("bad") })

	res := New(n, logx.NewWriter(&logs, "info")).Execute(context.Background(), j, &job.Context{JobName: "x"})
	require.Error(t, res.NotifyErr)
	assert.Equal(t, 1, n.count())
	assert.Contains(t, logs.String(), "error notification failed")
	assert.Contains(t, logs.String(), "smtp down")
}

func TestOutputIsCapturedPerCall(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())

	// Both jobs wait on the barrier so their writes overlap in time.
	var barrier sync.WaitGroup
	barrier.Add(2)
	marker := func(m string) job.Job {
		return job.Func(func(_ context.Context, jc *job.Context) (any, error) {
			barrier.Done()
			barrier.Wait()
			for i := 0; i < 200; i++ {
				jc.Printf("%s\n", m)
			}
			return nil, nil
		})
	}

	results := make([]job.Result, 2)
	var wg sync.WaitGroup
	for i, m := range []string{"AAAA", "BBBB"} {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Execute(context.Background(), marker(m), &job.Context{JobName: m})
		}()
	}
	wg.Wait()

	assert.Equal(t, strings.Repeat("AAAA\n", 200), results[0].Output)
	assert.Equal(t, strings.Repeat("BBBB\n", 200), results[1].Output)
}

func TestOutputIsTeedToCallerSink(t *testing.T) {
	t.Parallel()
	var sink bytes.Buffer
	j := job.Func(func(_ context.Context, jc *job.Context) (any, error) {
		jc.Println("test output")
		return nil, nil
	})
	res := New(nil, logx.Nop()).Execute(context.Background(), j, &job.Context{JobName: "job_a", Output: &sink})
	assert.Equal(t, "test output\n", res.Output)
	assert.Equal(t, "test output\n", sink.String())
}

func TestResultCarriesIdentity(t *testing.T) {
	t.Parallel()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(nil, logx.Nop())
	r.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	var seen *job.Context
	j := job.Func(func(_ context.Context, jc *job.Context) (any, error) { seen = jc; return nil, nil })
	res := r.Execute(context.Background(), j, &job.Context{JobName: "n", InstanceID: 42})
	assert.Equal(t, int64(42), res.InstanceID)
	assert.Equal(t, int64(42), seen.InstanceID)
	assert.Equal(t, "n", seen.JobName)
	assert.False(t, seen.Log.IsZero())
	assert.Equal(t, time.Second, res.Duration)
}
