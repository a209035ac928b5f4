package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging: {level: error}
jobs:
  job_a:
    class: CommandJob
    cron: "0 1 * * *"
    cmd: "echo test output"
  job_b:
    class: CommandJob
    cron: "0 1 * * *"
    cmd: "echo partial; exit 4"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "schd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testConfig), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "schd dev\n", out)
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	out, err := run(t, "run", "job_a", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "test output\n", out)
}

func TestRunFailingJobExitCode(t *testing.T) {
	t.Parallel()
	out, err := run(t, "run", "job_b", "-c", writeConfig(t))
	require.Error(t, err)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code, "an unhandled failure exits 1")
	assert.Equal(t, "partial\n", out)
}

func TestRunUnknownJob(t *testing.T) {
	t.Parallel()
	_, err := run(t, "run", "nope", "-c", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestRunRequiresJobArg(t *testing.T) {
	t.Parallel()
	_, err := run(t, "run")
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SCHD_CONFIG", writeConfig(t))
	out, err := run(t, "run", "job_a")
	require.NoError(t, err)
	assert.Equal(t, "test output\n", out)
}

func TestExecuteMapsExitCodes(t *testing.T) {
	t.Parallel()
	code, err := execute([]string{"run", "job_b", "-c", writeConfig(t)})
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	code, err = execute([]string{"run", "missing", "-c", writeConfig(t)})
	require.Error(t, err)
	assert.Equal(t, 1, code)
}
