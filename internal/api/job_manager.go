// Package api provides the HTTP surface of the quadscatter server.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/jobstore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent  int    // Max concurrent jobs (default 1)
	SQLitePath     string // Path to SQLite database
	RetentionDays  int    // Days to keep finished jobs (default 7)
	CleanupPeriod  time.Duration
	ProgressPeriod time.Duration
	Logger         *logrus.Entry
}

// Executor runs one job. It may report progress through the store.
type Executor func(ctx context.Context, store *jobstore.Store, job *jobstore.Job) error

// JobManager runs long plot jobs (whole-tree downloads, full selection
// evaluations) with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	log      *logrus.Entry
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run a job.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.ProgressPeriod <= 0 {
		cfg.ProgressPeriod = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		log:     log.WithField("component", "jobs"),
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.WithError(err).Warn("failed to mark running jobs as failed")
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.WithError(err).Warn("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.WithField("job", job.ID).Info("re-queued job")
			default:
				jm.log.WithField("job", job.ID).Warn("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and stops all workers.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued for the next start.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	log := jm.log.WithField("job", jobID)
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.WithError(err).Warn("queued job vanished")
		return
	}
	// Cancelled while queued.
	if job.Status != jobstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.WithError(err).Warn("failed to mark job started")
		return
	}
	log.WithField("kind", job.Params.Kind).Info("job started")

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, job)
	}

	var status jobstore.JobStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	default:
		status = jobstore.JobStatusCompleted
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.WithError(err).Warn("failed to record job status")
	}
	log.WithField("status", status).Info("job finished")
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.log.WithError(err).Warn("cleanup error")
	} else if deleted > 0 {
		jm.log.WithField("deleted", deleted).Info("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	id := uuid.NewString()
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		job.Status = jobstore.JobStatusFailed
		job.Error = "job queue is full; try again later"
		if err := jm.store.UpdateJobStatus(id, job.Status, job.Error); err != nil {
			jm.log.WithError(err).WithField("job", id).Warn("failed to record job status")
		}
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.log.WithError(err).WithField("job", id).Warn("error getting job")
		return nil
	}
	return job
}

// List returns the jobs of a dataset, newest first.
func (jm *JobManager) List(datasetID string) ([]*jobstore.Job, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		if err := jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start"); err != nil {
			jm.log.WithError(err).WithField("job", id).Warn("failed to record job status")
			return false
		}
		return true
	}
	return false
}

// Delete deletes a job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

// PlotExecutor runs download and evaluate jobs against the plot services
// of registry. Progress counts ready tiles against known tiles.
func PlotExecutor(registry *DatasetRegistry, period time.Duration) Executor {
	if period <= 0 {
		period = 500 * time.Millisecond
	}
	return func(ctx context.Context, store *jobstore.Store, job *jobstore.Job) error {
		svc := registry.Get(job.Params.DatasetID)
		if svc == nil {
			return errors.Newf("dataset %q not found", job.Params.DatasetID)
		}
		ds := svc.Dataset()
		phase := string(job.Params.Kind)

		report := func() {
			if err := store.UpdateJobProgress(job.ID, phase, readyTiles(ds), ds.NumTiles()); err != nil {
				logrus.WithError(err).WithField("job", job.ID).Debug("progress update failed")
			}
		}
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					report()
				}
			}
		}()

		switch job.Params.Kind {
		case jobstore.KindDownload:
			if err := svc.DownloadAll(ctx); err != nil {
				return err
			}
			report()
			return store.SetResult(job.ID, map[string]interface{}{
				"tiles":      ds.NumTiles(),
				"highest_ix": ds.HighestKnownIx(),
			})

		case jobstore.KindEvaluate:
			if job.Params.Selection == "" {
				return errors.New("evaluate job needs a selection")
			}
			sel, err := svc.EvaluateSelection(ctx, job.Params.Selection, true)
			if err != nil {
				return err
			}
			report()
			return store.SetResult(job.ID, sel.Summary())
		}
		return errors.Newf("unknown job kind %q", job.Params.Kind)
	}
}

func readyTiles(ds *dataset.Dataset) int {
	n := 0
	ds.VisitReady(func(*dataset.Tile) bool {
		n++
		return true
	})
	return n
}
