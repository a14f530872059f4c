package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_EmptyStore(t *testing.T) {
	stdout, _, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "jobsaga.db"))
	require.NoError(t, err)
	assert.Equal(t, "No jobs.\n", stdout)
}

func TestStatus_JSON(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, runSubmissions)
	_, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.NoError(t, err)

	stdout, _, err := execute(t, "status", "--db", db, "--job", "job-2", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Jobs []struct {
				JobID        string `json:"job_id"`
				State        string `json:"state"`
				AttemptCount int    `json:"attempt_count"`
			} `json:"jobs"`
			Budgets []struct {
				JobType      string   `json:"job_type"`
				ActiveJobIDs []string `json:"active_job_ids"`
			} `json:"budgets"`
			Attempts []struct {
				JobID         string `json:"job_id"`
				State         string `json:"state"`
				Outcome       string `json:"outcome"`
				WorkerAddress string `json:"worker_address"`
			} `json:"attempts"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	require.Len(t, resp.Data.Jobs, 2)
	assert.Equal(t, "job-1", resp.Data.Jobs[0].JobID)
	assert.Equal(t, "Completed", resp.Data.Jobs[0].State)
	assert.Equal(t, 1, resp.Data.Jobs[1].AttemptCount)

	require.Len(t, resp.Data.Budgets, 1)
	assert.Equal(t, "crunch-the-numbers", resp.Data.Budgets[0].JobType)
	assert.Empty(t, resp.Data.Budgets[0].ActiveJobIDs)

	require.Len(t, resp.Data.Attempts, 1)
	assert.Equal(t, "job-2", resp.Data.Attempts[0].JobID)
	assert.Equal(t, "Succeeded", resp.Data.Attempts[0].State)
	assert.Equal(t, "success", resp.Data.Attempts[0].Outcome)
	assert.Equal(t, "node-a", resp.Data.Attempts[0].WorkerAddress)
}

func TestStatus_StateFilter(t *testing.T) {
	_, cfg, jobs, db := runFixture(t, runSubmissions)
	_, _, err := execute(t, "run", "--config", cfg, "--db", db, "--submit", jobs, "--exit-when-idle")
	require.NoError(t, err)

	stdout, _, err := execute(t, "status", "--db", db, "--state", "Running,SlotRequested")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No jobs.")

	stdout, _, err = execute(t, "status", "--db", db, "--state", "Completed")
	require.NoError(t, err)
	assert.Contains(t, stdout, "job-1")
	assert.Contains(t, stdout, "job-2")
}

func TestStatus_UnknownJob(t *testing.T) {
	_, _, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "jobsaga.db"), "--job", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown job")
}

func TestIsPostgres(t *testing.T) {
	assert.True(t, isPostgres("postgres://localhost/jobsaga"))
	assert.True(t, isPostgres("postgresql://user@db:5432/jobsaga?sslmode=disable"))
	assert.False(t, isPostgres("jobsaga.db"))
	assert.False(t, isPostgres("/var/lib/postgres/jobsaga.db"))
}
