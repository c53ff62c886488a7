package client

import (
	"context"
	"fmt"

	"github.com/rivet-ci/rivet/storage"
)

// ExecutionInfo is everything a runner needs to execute a leased job without
// further round trips.
type ExecutionInfo struct {
	JobID          string             `json:"job_id"`
	PipelineID     string             `json:"pipeline_id"`
	PipelineSource string             `json:"pipeline_source"`
	Parameters     storage.Parameters `json:"parameters"`
}

// LaunchJob queues a job for the pipeline. The orchestrator validates the
// parameters against the pipeline's declared inputs and fills in defaults.
func (c *Client) LaunchJob(ctx context.Context, pipelineID string, parameters storage.Parameters) (*storage.Job, error) {
	var job storage.Job

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"pipeline_id": pipelineID, "parameters": parameters}).
		SetResult(&job).
		Post("/api/pipeline/launch")
	if err != nil {
		return nil, fmt.Errorf("failed to launch job: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &job, nil
}

// GetJob returns a single job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	var job storage.Job

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&job).
		Get("/api/jobs/" + id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &job, nil
}

// ListJobs returns every job, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]storage.Job, error) {
	var jobs []storage.Job

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&jobs).
		Get("/api/jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return jobs, nil
}

// ListScheduledJobs returns queued jobs, oldest first. A non-empty runnerID
// asks the orchestrator to drop jobs whose runner tags that runner cannot
// satisfy.
func (c *Client) ListScheduledJobs(ctx context.Context, runnerID string) ([]storage.Job, error) {
	var jobs []storage.Job

	request := c.http.R().
		SetContext(ctx).
		SetResult(&jobs)
	if runnerID != "" {
		request.SetQueryParam("runner_id", runnerID)
	}

	response, err := request.Get("/api/jobs/scheduled")
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return jobs, nil
}

// ListJobsByPipeline returns the jobs launched from one pipeline, newest
// first.
func (c *Client) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]storage.Job, error) {
	var jobs []storage.Job

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&jobs).
		Get("/api/jobs/pipeline/" + pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline jobs: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return jobs, nil
}

// ExecuteJob leases a queued job for the runner. Exactly one caller wins a
// given job; losers get a 409-style conflict wrapped in an APIError.
func (c *Client) ExecuteJob(ctx context.Context, jobID, runnerID string) (*ExecutionInfo, error) {
	var info ExecutionInfo

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"runner_id": runnerID}).
		SetResult(&info).
		Post("/api/jobs/execute/" + jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute job: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &info, nil
}

// CompleteJob moves a running job to the given terminal status, attaching the
// result when one is provided.
func (c *Client) CompleteJob(ctx context.Context, jobID string, status storage.JobStatus, result *storage.JobResult) error {
	body := struct {
		Status storage.JobStatus  `json:"status"`
		Result *storage.JobResult `json:"result,omitempty"`
	}{Status: status, Result: result}

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/jobs/" + jobID + "/complete")
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if response.IsError() {
		return responseError(response)
	}

	return nil
}

// CancelJob cancels a queued or running job and returns the updated record.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*storage.Job, error) {
	var job storage.Job

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&job).
		Post("/api/jobs/" + jobID + "/cancel")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &job, nil
}

// GetLogs returns a job's log entries ordered by timestamp.
func (c *Client) GetLogs(ctx context.Context, jobID string) ([]storage.LogEntry, error) {
	var entries []storage.LogEntry

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&entries).
		Get("/api/jobs/" + jobID + "/logs")
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return entries, nil
}

// SendLogs appends a batch of log entries to a job. An empty batch is a no-op
// and never reaches the orchestrator.
func (c *Client) SendLogs(ctx context.Context, jobID string, entries []storage.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(entries).
		Post("/api/jobs/" + jobID + "/logs")
	if err != nil {
		return fmt.Errorf("failed to send logs: %w", err)
	}

	if response.IsError() {
		return responseError(response)
	}

	return nil
}
