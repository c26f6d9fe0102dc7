package jobstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id, datasetID string, kind JobKind, created time.Time) *Job {
	return &Job{
		ID:        id,
		DatasetID: datasetID,
		Status:    JobStatusQueued,
		Params:    JobParams{DatasetID: datasetID, Kind: kind, Selection: "picked"},
		CreatedAt: created,
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.CreateJob(newJob("j1", "pbmc", KindEvaluate, now)))

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, "pbmc", job.DatasetID)
	assert.Equal(t, KindEvaluate, job.Params.Kind)
	assert.Equal(t, "picked", job.Params.Selection)
	assert.True(t, job.CreatedAt.Equal(now))
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.Result)

	require.NoError(t, s.UpdateJobStarted("j1"))
	require.NoError(t, s.UpdateJobProgress("j1", "evaluate", 3, 8))
	job, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)
	assert.Equal(t, JobProgress{Phase: "evaluate", Done: 3, Total: 8}, job.Progress)

	require.NoError(t, s.SetResult("j1", map[string]int{"selection_size": 42}))
	require.NoError(t, s.UpdateJobStatus("j1", JobStatusCompleted, ""))
	job, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.FinishedAt)

	var result map[string]int
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 42, result["selection_size"])
}

func TestGetJob_Missing(t *testing.T) {
	s := newStore(t)
	job, err := s.GetJob("absent")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListAndRecovery(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.CreateJob(newJob("a", "pbmc", KindDownload, base)))
	require.NoError(t, s.CreateJob(newJob("b", "pbmc", KindEvaluate, base.Add(time.Minute))))
	require.NoError(t, s.CreateJob(newJob("c", "liver", KindDownload, base.Add(2*time.Minute))))
	require.NoError(t, s.UpdateJobStarted("b"))

	jobs, err := s.ListJobsByDataset("pbmc")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "a", jobs[1].ID)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].ID)
	assert.Equal(t, "c", queued[1].ID)

	require.NoError(t, s.MarkRunningAsFailed("server restarted"))
	job, err := s.GetJob("b")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "server restarted", job.Error)
	assert.NotNil(t, job.FinishedAt)

	require.NoError(t, s.DeleteJob("a"))
	job, err = s.GetJob("a")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	require.NoError(t, s.CreateJob(newJob("old", "pbmc", KindDownload, now)))
	require.NoError(t, s.CreateJob(newJob("open", "pbmc", KindDownload, now)))
	require.NoError(t, s.UpdateJobStatus("old", JobStatusCompleted, ""))

	// Nothing finished before tomorrow's cutoff survives a -1 day retention.
	deleted, err := s.DeleteExpiredJobs(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	job, err := s.GetJob("open")
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestJobStatusFinished(t *testing.T) {
	assert.False(t, JobStatusQueued.Finished())
	assert.False(t, JobStatusRunning.Finished())
	assert.True(t, JobStatusCompleted.Finished())
	assert.True(t, JobStatusFailed.Finished())
	assert.True(t, JobStatusCancelled.Finished())
}
