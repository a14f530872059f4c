package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runConfig = `
engine: {
	instance:       "node-a"
	sweep_interval: "50ms"
}

job_type: "crunch-the-numbers": {
	concurrent_limit: 1
	timeout:          "30s"
	executor:         "sleep"
}

job_type: "flaky-import": {
	max_retries: 1
	executor:    "fail"
}
`

const runSubmissions = `
jobs:
  - job_id: job-1
    job_type: crunch-the-numbers
    payload: { duration: 10ms }
  - job_id: job-2
    job_type: crunch-the-numbers
    payload: { duration: 10ms }
`

func runFixture(t *testing.T, submissions string) (dir, cfg, jobs, db string) {
	t.Helper()
	dir = t.TempDir()
	cfg = writeFile(t, dir, "jobs.cue", runConfig)
	jobs = writeFile(t, dir, "jobs.yaml", submissions)
	db = filepath.Join(dir, "jobsaga.db")
	return dir, cfg, jobs, db
}

func TestRun_SubmitsAndExitsWhenIdle(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, runSubmissions)

	stdout, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.NoError(t, err)

	assert.Regexp(t, `job-1\s+job-submitted\s+crunch-the-numbers`, stdout)
	assert.Regexp(t, `job-1\s+job-started\s+[0-9a-f-]{36}`, stdout)
	assert.Regexp(t, `job-1\s+job-completed`, stdout)
	assert.Regexp(t, `job-2\s+job-completed`, stdout)
	assert.Contains(t, stdout, "2 job(s): 2 completed, 0 faulted, 0 cancelled")

	status, _, err := execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Regexp(t, `job-1\s+crunch-the-numbers\s+Completed\s+1`, status)
	assert.Regexp(t, `job-2\s+crunch-the-numbers\s+Completed\s+1`, status)
	assert.Regexp(t, `crunch-the-numbers\s+1\s+0\s+0`, status)
}

func TestRun_ResubmittingFinishedJobsIsHarmless(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, runSubmissions)

	_, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.NoError(t, err)

	stdout, stderr, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "job-submitted")
	assert.Contains(t, stderr, "job already finished")
	assert.Contains(t, stdout, "2 job(s): 2 completed")
}

func TestRun_FaultedJobFailsCommand(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, `
jobs:
  - job_id: import-1
    job_type: flaky-import
    payload: { reason: "disk full" }
`)

	stdout, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 job(s) faulted")
	assert.Regexp(t, `import-1\s+job-faulted\s+disk full`, stdout)

	status, _, err := execute(t, "status", "--db", db, "--job", "import-1")
	require.NoError(t, err)
	assert.Regexp(t, `import-1\s+flaky-import\s+Faulted\s+2\s+disk full`, status)
	assert.Regexp(t, `[0-9a-f-]{36}\s+Faulted\s+1\s+node-a\s+disk full`, status)
}

func TestRun_JSONEvents(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, `
jobs:
  - job_id: job-1
    job_type: crunch-the-numbers
`)

	stdout, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `{"event":"job-submitted","job_id":"job-1"`)
	assert.Contains(t, stdout, `"event":"job-completed"`)
	assert.Contains(t, stdout, `"status": "ok"`)
}

func TestRun_ServesMetrics(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, `
jobs:
  - job_id: job-1
    job_type: crunch-the-numbers
`)

	_, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle", "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "bad.cue", `job_type: x: { concurrent_limit: -1 }`)

	_, _, err := execute(t, "run", "--config", cfg, "--db", filepath.Join(dir, "db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRun_InvalidSubmissions(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, "jobs:\n  - job_id: a\n")

	_, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "job_id and job_type are required")
}

func TestRun_RejectsArguments(t *testing.T) {
	_, _, err := execute(t, "run", "extra")
	require.Error(t, err)
}

func TestLoadRunConfig_FlagsOverrideFile(t *testing.T) {
	_, cfg, _, _ := runFixture(t, runSubmissions)

	cmd := NewRunCommand(&RootOptions{Format: "text"})
	require.NoError(t, cmd.ParseFlags([]string{"--config", cfg, "--instance", "node-b", "--db", "other.db"}))
	opts := &RunOptions{}
	opts.Config, _ = cmd.Flags().GetString("config")
	opts.Instance, _ = cmd.Flags().GetString("instance")
	opts.Database, _ = cmd.Flags().GetString("db")

	loaded, err := loadRunConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, "node-b", loaded.Engine.Instance)
	assert.Equal(t, "other.db", loaded.Engine.DB)
	assert.Empty(t, loaded.Engine.MetricsAddr)
	assert.Equal(t, []string{"crunch-the-numbers", "flaky-import"}, loaded.Keys())
}
