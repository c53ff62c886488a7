package storage

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidStateTransition is returned when a job status change is not
// allowed by the state machine.
var ErrInvalidStateTransition = errors.New("invalid state transition")

type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
	JobTimedOut  JobStatus = "TimedOut"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// TransitionSources returns the statuses a job may currently be in for a
// transition to target to be legal. An unknown target returns nil.
func TransitionSources(target JobStatus) []JobStatus {
	switch target {
	case JobRunning:
		return []JobStatus{JobQueued}
	case JobSucceeded, JobFailed, JobTimedOut:
		return []JobStatus{JobRunning}
	case JobCancelled:
		return []JobStatus{JobQueued, JobRunning}
	default:
		return nil
	}
}

type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "Online"
	RunnerOffline RunnerStatus = "Offline"
	RunnerBusy    RunnerStatus = "Busy"
)

type LogLevel string

const (
	LogDebug   LogLevel = "Debug"
	LogInfo    LogLevel = "Info"
	LogWarning LogLevel = "Warning"
	LogError   LogLevel = "Error"
)

// Pipeline is a stored pipeline definition. The script is kept verbatim;
// name, description, required modules, and tags are extracted from it at
// create time.
type Pipeline struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Script          string     `json:"script"`
	RequiredModules StringList `json:"required_modules"`
	Tags            Tags       `json:"tags"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PipelineSummary is the listing projection of a pipeline, without the
// script body.
type PipelineSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        Tags      `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p Pipeline) Summary() PipelineSummary {
	return PipelineSummary{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Tags:        p.Tags,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// Job is one execution request for a pipeline. Parameters are frozen at
// launch time, after validation and default application.
type Job struct {
	ID          string     `json:"id"`
	PipelineID  string     `json:"pipeline_id"`
	Status      JobStatus  `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RunnerID    string     `json:"runner_id,omitempty"`
	Parameters  Parameters `json:"parameters"`
	Result      *JobResult `json:"result,omitempty"`
}

type JobResult struct {
	Success      bool   `json:"success"`
	ExitCode     int    `json:"exit_code"`
	Output       any    `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

type Runner struct {
	ID              string       `json:"id"`
	Capabilities    StringList   `json:"capabilities"`
	Status          RunnerStatus `json:"status"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

type Driver interface {
	Close() error

	// Pipeline CRUD. DeletePipeline cascades to the pipeline's jobs and
	// their logs.
	CreatePipeline(ctx context.Context, name, description, script string, requiredModules []string, tags []Tag) (*Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	// Job lifecycle. ListJobs and ListJobsByPipeline return newest first;
	// ListQueuedJobs returns oldest first. LeaseJob, CompleteJob, and
	// CancelJob apply the state machine atomically and return
	// ErrInvalidStateTransition when the current status does not allow
	// the transition.
	CreateJob(ctx context.Context, pipelineID string, parameters Parameters) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	ListJobsByPipeline(ctx context.Context, pipelineID string) ([]Job, error)
	ListQueuedJobs(ctx context.Context) ([]Job, error)
	LeaseJob(ctx context.Context, id, runnerID string) (*Job, error)
	CompleteJob(ctx context.Context, id string, status JobStatus, result *JobResult) (*Job, error)
	CancelJob(ctx context.Context, id string) (*Job, error)

	// Logs are append-only and returned in timestamp order, insertion
	// order within equal timestamps.
	AppendLogs(ctx context.Context, jobID string, entries []LogEntry) error
	GetLogs(ctx context.Context, jobID string) ([]LogEntry, error)

	// Runner registry. RegisterRunner upserts and resets the heartbeat.
	RegisterRunner(ctx context.Context, id string, capabilities []string) (*Runner, error)
	HeartbeatRunner(ctx context.Context, id string) error
	GetRunner(ctx context.Context, id string) (*Runner, error)
	ListRunners(ctx context.Context) ([]Runner, error)
	DeleteRunner(ctx context.Context, id string) error
	MarkStaleRunnersOffline(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Parameters is a JSON object column.
type Parameters map[string]any

func (p *Parameters) Value() (driver.Value, error) {
	contents, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("could not marshal parameters: %w", err)
	}

	return contents, nil
}

func (p *Parameters) Scan(sqlValue any) error {
	return scanJSON(p, sqlValue)
}

// StringList is a JSON array column.
type StringList []string

func (l *StringList) Value() (driver.Value, error) {
	contents, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("could not marshal string list: %w", err)
	}

	return contents, nil
}

func (l *StringList) Scan(sqlValue any) error {
	return scanJSON(l, sqlValue)
}

// Tags is a JSON array column of key/value pairs.
type Tags []Tag

func (t *Tags) Value() (driver.Value, error) {
	contents, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("could not marshal tags: %w", err)
	}

	return contents, nil
}

func (t *Tags) Scan(sqlValue any) error {
	return scanJSON(t, sqlValue)
}

func scanJSON(dest any, sqlValue any) error {
	switch typedValue := sqlValue.(type) {
	case string:
		err := json.NewDecoder(bytes.NewBufferString(typedValue)).Decode(dest)
		if err != nil {
			return fmt.Errorf("could not unmarshal string column: %w", err)
		}

		return nil
	case []byte:
		err := json.NewDecoder(bytes.NewBuffer(typedValue)).Decode(dest)
		if err != nil {
			return fmt.Errorf("could not unmarshal byte column: %w", err)
		}

		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("%w: cannot scan type %T: %v", errors.ErrUnsupported, sqlValue, sqlValue)
	}
}
