package job

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	logx "schd/pkg/logx"
)

// Job is a unit of executable work.
//
// The returned value is classified by Classify: nil means success, an integer
// is used as the result code, and a ResultCoder supplies its own code.
// Returning an error (or panicking) marks the run as an unhandled failure.
type Job interface {
	Execute(ctx context.Context, jc *Context) (any, error)
}

// Func adapts a plain function to Job.
type Func func(ctx context.Context, jc *Context) (any, error)

func (f Func) Execute(ctx context.Context, jc *Context) (any, error) { return f(ctx, jc) }

// Context is created fresh for every execution.
//
// Jobs write their output to Output (or via Printf/Println). The sink is owned
// by the execution, so concurrently running jobs never see each other's output.
type Context struct {
	JobName string
	// RunID identifies a local run (uuid). Empty for dispatched runs.
	RunID string
	// InstanceID is the coordinator's instance id for dispatched runs, 0 otherwise.
	InstanceID int64
	Output     io.Writer
	Log        logx.Logger
}

func (c *Context) Printf(format string, args ...any) {
	fmt.Fprintf(c.writer(), format, args...)
}

func (c *Context) Println(args ...any) {
	fmt.Fprintln(c.writer(), args...)
}

func (c *Context) writer() io.Writer {
	if c == nil || c.Output == nil {
		return io.Discard
	}
	return c.Output
}

// OutputBuffer is a goroutine-safe in-memory sink for one execution.
// Jobs that fan out to goroutines or subprocesses can share it safely.
type OutputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
