package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quadscatter/server/internal/jobstore"
)

type jobSubmitRequest struct {
	Kind      jobstore.JobKind `json:"kind"`
	Selection string           `json:"selection"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getDatasetService(r)

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Kind {
		case jobstore.KindDownload:
			req.Selection = ""
		case jobstore.KindEvaluate:
			// Fail fast on unknown selections rather than in the worker.
			if _, err := svc.Selection(req.Selection); err != nil {
				writeError(w, err)
				return
			}
		default:
			http.Error(w, "kind must be \"download\" or \"evaluate\"", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			DatasetID: chi.URLParam(r, "dataset"),
			Kind:      req.Kind,
			Selection: req.Selection,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

// datasetJob returns the job named in the URL when it belongs to the URL's
// dataset.
func datasetJob(jm *JobManager, r *http.Request) *jobstore.Job {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// jobCancelHandler cancels a job; with ?purge=true a finished job's record
// is deleted instead.
func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if r.URL.Query().Get("purge") == "true" {
			if !job.Status.Finished() {
				http.Error(w, "job still "+string(job.Status), http.StatusConflict)
				return
			}
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": job.ID, "deleted": true})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}
