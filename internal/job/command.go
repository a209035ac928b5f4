package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "schd/pkg/logx"
)

// CommandFailedError is returned by CommandJob when the command exits nonzero.
type CommandFailedError struct {
	ReturnCode int
	Output     string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command failed with return code %d, output:\n%s", e.ReturnCode, e.Output)
}

// CommandJob runs a shell command; stdout and stderr both go to the run's output.
type CommandJob struct {
	Name    string
	Cmd     string
	Shell   string
	Env     []string
	Timeout time.Duration
}

// NewCommandJob builds a CommandJob from params:
//
//	cmd:     command line (required)
//	shell:   interpreter, default /bin/sh
//	env:     map of extra environment variables
//	timeout: Go duration string, 0 = none
func NewCommandJob(name string, params map[string]any) (Job, error) {
	cmd := strings.TrimSpace(paramString(params, "cmd"))
	if cmd == "" {
		return nil, errors.New("param cmd is required")
	}
	j := &CommandJob{
		Name:  name,
		Cmd:   cmd,
		Shell: strings.TrimSpace(paramString(params, "shell")),
	}
	if j.Shell == "" {
		j.Shell = "/bin/sh"
	}
	if raw := strings.TrimSpace(paramString(params, "timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "param timeout %q", raw)
		}
		j.Timeout = d
	}
	if env, ok := params["env"].(map[string]any); ok {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			j.Env = append(j.Env, k+"="+fmt.Sprint(env[k]))
		}
	}
	return j, nil
}

func (j *CommandJob) Execute(ctx context.Context, jc *Context) (any, error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	log := jc.Log
	log.Info("running command", logx.String("cmd", j.Cmd))

	var own OutputBuffer
	w := io.MultiWriter(jc.writer(), &own)

	cmd := exec.CommandContext(ctx, j.Shell, "-c", j.Cmd)
	cmd.Env = append(os.Environ(), j.Env...)
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "start command %q", j.Cmd)
		}
		code = exitErr.ExitCode()
	}
	log.Info("process completed", logx.Int("code", code))

	if code != 0 {
		return nil, &CommandFailedError{ReturnCode: code, Output: own.String()}
	}
	return nil, nil
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
