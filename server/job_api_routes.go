package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rivet-ci/rivet/sandbox"
	"github.com/rivet-ci/rivet/storage"
	"github.com/samber/lo"
)

const (
	maxLogBatch      = 1000
	maxLogMessageLen = 10_000
)

// LaunchJobRequest represents the JSON body for launching a job.
type LaunchJobRequest struct {
	PipelineID string             `json:"pipeline_id"`
	Parameters storage.Parameters `json:"parameters"`
}

// ExecuteJobRequest represents the JSON body for leasing a job.
type ExecuteJobRequest struct {
	RunnerID string `json:"runner_id"`
}

// ExecuteJobResponse carries everything a runner needs to execute a leased
// job without further round trips.
type ExecuteJobResponse struct {
	JobID          string             `json:"job_id"`
	PipelineID     string             `json:"pipeline_id"`
	PipelineSource string             `json:"pipeline_source"`
	Parameters     storage.Parameters `json:"parameters"`
}

// CompleteJobRequest represents the JSON body for reporting a terminal
// status.
type CompleteJobRequest struct {
	Status storage.JobStatus  `json:"status"`
	Result *storage.JobResult `json:"result,omitempty"`
}

func registerJobRoutes(api *echo.Group, store storage.Driver) {
	// POST /api/pipeline/launch - Validate parameters and enqueue a job
	api.POST("/pipeline/launch", func(ctx echo.Context) error {
		var req LaunchJobRequest
		if err := ctx.Bind(&req); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if req.PipelineID == "" {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "pipeline_id is required",
			})
		}

		pipeline, err := store.GetPipeline(ctx.Request().Context(), req.PipelineID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "pipeline not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get pipeline: %v", err),
			})
		}

		metadata, err := sandbox.ParseMetadata(pipeline.Script)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("Failed to parse pipeline: %v", err),
			})
		}

		parameters, err := sandbox.ValidateParameters(metadata.Inputs, req.Parameters)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}

		job, err := store.CreateJob(ctx.Request().Context(), pipeline.ID, parameters)
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to create job: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, job)
	})

	// GET /api/jobs - List all jobs, newest first
	api.GET("/jobs", func(ctx echo.Context) error {
		jobs, err := store.ListJobs(ctx.Request().Context())
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list jobs: %v", err),
			})
		}

		if jobs == nil {
			jobs = []storage.Job{}
		}

		return ctx.JSON(http.StatusOK, jobs)
	})

	// GET /api/jobs/scheduled - List queued jobs, oldest first, optionally
	// filtered to those the given runner can execute
	api.GET("/jobs/scheduled", func(ctx echo.Context) error {
		jobs, err := store.ListQueuedJobs(ctx.Request().Context())
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list jobs: %v", err),
			})
		}

		if runnerID := ctx.QueryParam("runner_id"); runnerID != "" {
			jobs, err = compatibleJobs(ctx.Request().Context(), store, jobs, runnerID)
			if err != nil {
				return ctx.JSON(http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("failed to filter jobs: %v", err),
				})
			}
		}

		if jobs == nil {
			jobs = []storage.Job{}
		}

		return ctx.JSON(http.StatusOK, jobs)
	})

	// GET /api/jobs/pipeline/:pipeline_id - List a pipeline's jobs, newest first
	api.GET("/jobs/pipeline/:pipeline_id", func(ctx echo.Context) error {
		jobs, err := store.ListJobsByPipeline(ctx.Request().Context(), ctx.Param("pipeline_id"))
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list jobs: %v", err),
			})
		}

		if jobs == nil {
			jobs = []storage.Job{}
		}

		return ctx.JSON(http.StatusOK, jobs)
	})

	// POST /api/jobs/execute/:id - Atomically lease a queued job for a runner
	api.POST("/jobs/execute/:id", func(ctx echo.Context) error {
		id := ctx.Param("id")

		var req ExecuteJobRequest
		if err := ctx.Bind(&req); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if req.RunnerID == "" {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "runner_id is required",
			})
		}

		job, err := store.LeaseJob(ctx.Request().Context(), id, req.RunnerID)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "job not found",
				})
			case errors.Is(err, storage.ErrInvalidStateTransition):
				return ctx.JSON(http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("Job %s is not in Queued state (current: %s)", id, currentStatus(ctx.Request().Context(), store, id)),
				})
			default:
				return ctx.JSON(http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("failed to lease job: %v", err),
				})
			}
		}

		pipeline, err := store.GetPipeline(ctx.Request().Context(), job.PipelineID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "pipeline not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get pipeline: %v", err),
			})
		}

		return ctx.JSON(http.StatusOK, ExecuteJobResponse{
			JobID:          job.ID,
			PipelineID:     job.PipelineID,
			PipelineSource: pipeline.Script,
			Parameters:     job.Parameters,
		})
	})

	// POST /api/jobs/:id/complete - Record the terminal status reported by a runner
	api.POST("/jobs/:id/complete", func(ctx echo.Context) error {
		id := ctx.Param("id")

		var req CompleteJobRequest
		if err := ctx.Bind(&req); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if !req.Status.Terminal() {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("Invalid completion status: %s", req.Status),
			})
		}

		_, err := store.CompleteJob(ctx.Request().Context(), id, req.Status, req.Result)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "job not found",
				})
			case errors.Is(err, storage.ErrInvalidStateTransition):
				return ctx.JSON(http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("Cannot complete job %s in state %s", id, currentStatus(ctx.Request().Context(), store, id)),
				})
			default:
				return ctx.JSON(http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("failed to complete job: %v", err),
				})
			}
		}

		return ctx.NoContent(http.StatusNoContent)
	})

	// POST /api/jobs/:id/cancel - Cancel a queued or running job
	api.POST("/jobs/:id/cancel", func(ctx echo.Context) error {
		id := ctx.Param("id")

		job, err := store.CancelJob(ctx.Request().Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "job not found",
				})
			case errors.Is(err, storage.ErrInvalidStateTransition):
				return ctx.JSON(http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("Cannot cancel job %s in state %s", id, currentStatus(ctx.Request().Context(), store, id)),
				})
			default:
				return ctx.JSON(http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("failed to cancel job: %v", err),
				})
			}
		}

		return ctx.JSON(http.StatusOK, job)
	})

	// GET /api/jobs/:id/logs - All log entries for a job, oldest first
	api.GET("/jobs/:id/logs", func(ctx echo.Context) error {
		id := ctx.Param("id")

		if _, err := store.GetJob(ctx.Request().Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "job not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get job: %v", err),
			})
		}

		logs, err := store.GetLogs(ctx.Request().Context(), id)
		if err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to list logs: %v", err),
			})
		}

		if logs == nil {
			logs = []storage.LogEntry{}
		}

		return ctx.JSON(http.StatusOK, logs)
	})

	// POST /api/jobs/:id/logs - Append a batch of log entries
	api.POST("/jobs/:id/logs", func(ctx echo.Context) error {
		id := ctx.Param("id")

		var entries []storage.LogEntry
		if err := ctx.Bind(&entries); err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}

		if len(entries) > maxLogBatch {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("too many log entries in batch (max: %d)", maxLogBatch),
			})
		}

		for i, entry := range entries {
			if len(entry.Message) > maxLogMessageLen {
				return ctx.JSON(http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("log entry %d message too long (max: %d chars)", i, maxLogMessageLen),
				})
			}
		}

		if _, err := store.GetJob(ctx.Request().Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ctx.JSON(http.StatusNotFound, map[string]string{
					"error": "job not found",
				})
			}

			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to get job: %v", err),
			})
		}

		if err := store.AppendLogs(ctx.Request().Context(), id, entries); err != nil {
			return ctx.JSON(http.StatusInternalServerError, map[string]string{
				"error": fmt.Sprintf("failed to append logs: %v", err),
			})
		}

		return ctx.NoContent(http.StatusCreated)
	})
}

// compatibleJobs keeps the jobs whose pipeline runner tags, rendered as
// "key=value" labels, are all present in the runner's capabilities. Jobs
// whose pipeline has been deleted are dropped. An unregistered runner or one
// that advertised no capabilities sees every queued job.
func compatibleJobs(ctx context.Context, store storage.Driver, jobs []storage.Job, runnerID string) ([]storage.Job, error) {
	runner, err := store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return jobs, nil
		}

		return nil, fmt.Errorf("could not get runner: %w", err)
	}

	if len(runner.Capabilities) == 0 {
		return jobs, nil
	}

	capabilities := []string(runner.Capabilities)

	type pipelineLabels struct {
		labels  []string
		deleted bool
	}

	memo := map[string]pipelineLabels{}
	compatible := make([]storage.Job, 0, len(jobs))

	for _, job := range jobs {
		entry, seen := memo[job.PipelineID]
		if !seen {
			pipeline, err := store.GetPipeline(ctx, job.PipelineID)

			switch {
			case errors.Is(err, storage.ErrNotFound):
				entry = pipelineLabels{deleted: true}
			case err != nil:
				return nil, fmt.Errorf("could not get pipeline %s: %w", job.PipelineID, err)
			default:
				entry = pipelineLabels{labels: lo.Map(pipeline.Tags, func(tag storage.Tag, _ int) string {
					return tag.Key + "=" + tag.Value
				})}
			}

			memo[job.PipelineID] = entry
		}

		if entry.deleted {
			continue
		}

		if lo.Every(capabilities, entry.labels) {
			compatible = append(compatible, job)
		}
	}

	return compatible, nil
}

// currentStatus reads a job's status for transition conflict messages. The
// job can vanish between the refused transition and this read.
func currentStatus(ctx context.Context, store storage.Driver, id string) string {
	job, err := store.GetJob(ctx, id)
	if err != nil {
		return "unknown"
	}

	return string(job.Status)
}
