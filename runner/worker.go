package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/sandbox"
	"github.com/rivet-ci/rivet/storage"
	lua "github.com/yuin/gopher-lua"
)

// completionGrace bounds the final log ship, container teardown, and
// completion report once execution is over, so a dead orchestrator cannot
// pin a worker forever.
const completionGrace = 30 * time.Second

// Worker executes one leased job end to end: lease, evaluate the pipeline in
// a fresh sandbox, ship logs in the background, and report a terminal status.
type Worker struct {
	config Config
	api    *client.Client
	logger *slog.Logger
}

func NewWorker(config Config, api *client.Client, logger *slog.Logger) *Worker {
	return &Worker{config: config, api: api, logger: logger}
}

// Run drives jobID to a terminal status. Losing the lease race to another
// runner is not an error; the job's own failure is reported to the
// orchestrator, not returned.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	logger := w.logger.With("job_id", jobID)

	info, err := w.api.ExecuteJob(ctx, jobID, w.config.RunnerID)
	if err != nil {
		var apiError *client.APIError
		if errors.As(err, &apiError) && apiError.Status == http.StatusBadRequest {
			logger.Debug("lost the lease race", "err", err)

			return nil
		}

		return fmt.Errorf("failed to lease job %s: %w", jobID, err)
	}

	logger.Info("leased job", "pipeline_id", info.PipelineID)

	logs := NewLogBuffer(w.config.LogBufferSize)
	workspace := filepath.Join(w.config.WorkspaceBase, jobID)
	containers := NewContainers(w.config.Runtime, jobID, workspace, logger)

	shipCtx, stopShipping := context.WithCancel(ctx)
	defer stopShipping()

	var shipped sync.WaitGroup

	shipped.Add(1)

	go func() {
		defer shipped.Done()
		w.shipLogs(shipCtx, jobID, logs)
	}()

	status, result := w.execute(ctx, info, logs, containers)

	stopShipping()
	shipped.Wait()

	// The job context may be dead by now; the wrap-up gets its own deadline.
	finalCtx, cancel := context.WithTimeout(context.Background(), completionGrace)
	defer cancel()

	w.sendLogs(finalCtx, jobID, logs)
	containers.Cleanup(finalCtx)

	if err := os.RemoveAll(workspace); err != nil {
		logger.Warn("failed to remove workspace", "path", workspace, "err", err)
	}

	logger.Info("job finished", "status", status)

	if err := w.api.CompleteJob(finalCtx, jobID, status, result); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	return nil
}

// execute runs the pipeline under the job timeout and maps its outcome to a
// terminal status. All failures are captured as results; nothing escapes.
func (w *Worker) execute(ctx context.Context, info *client.ExecutionInfo, logs *LogBuffer, containers *Containers) (storage.JobStatus, *storage.JobResult) {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	status, result := w.evaluate(jobCtx, info, logs, containers)

	if status == storage.JobFailed && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		message := fmt.Sprintf("execution timed out after %s", w.config.JobTimeout)
		logs.Append(storage.LogError, message)

		return storage.JobTimedOut, &storage.JobResult{Success: false, ExitCode: 124, ErrorMessage: message}
	}

	return status, result
}

func (w *Worker) evaluate(ctx context.Context, info *client.ExecutionInfo, logs *LogBuffer, containers *Containers) (storage.JobStatus, *storage.JobResult) {
	state, err := sandbox.New()
	if err != nil {
		return failJob(logs, fmt.Sprintf("Failed to create execution context: %v", err))
	}
	defer state.Close()

	state.SetContext(ctx)
	RegisterModules(ctx, state, info.Parameters, logs, containers)

	definition, err := sandbox.ParseDefinition(state, info.PipelineSource)
	if err != nil {
		return failJob(logs, fmt.Sprintf("Failed to parse pipeline: %v", err))
	}

	if definition.Container != "" {
		if _, err := containers.Push(ctx, definition.Container); err != nil {
			return failJob(logs, err.Error())
		}
	}

	logs.Append(storage.LogInfo, fmt.Sprintf("Starting pipeline: %s", definition.Name))

	for _, stage := range definition.Stages {
		if err := runStage(ctx, state, stage, logs, containers); err != nil {
			return storage.JobFailed, &storage.JobResult{Success: false, ExitCode: 1, ErrorMessage: err.Error()}
		}
	}

	logs.Append(storage.LogInfo, "Pipeline completed successfully")

	return storage.JobSucceeded, &storage.JobResult{Success: true, ExitCode: 0}
}

// runStage evaluates one stage: the condition decides whether it runs, a
// stage-scoped container is pushed for the script and popped even on error.
// The returned error message doubles as the job's error_message.
func runStage(ctx context.Context, state *lua.LState, stage sandbox.Stage, logs *LogBuffer, containers *Containers) error {
	if stage.Condition != nil {
		proceed, err := evalCondition(state, stage.Condition)
		if err != nil {
			failure := fmt.Errorf("Stage '%s' condition failed: %v", stage.Name, err)
			logs.Append(storage.LogError, failure.Error())

			return failure
		}

		if !proceed {
			logs.Append(storage.LogInfo, fmt.Sprintf("Skipping stage: %s", stage.Name))

			return nil
		}
	}

	logs.Append(storage.LogInfo, fmt.Sprintf("Starting stage: %s", stage.Name))

	if stage.Container != "" {
		if _, err := containers.Push(ctx, stage.Container); err != nil {
			logs.Append(storage.LogError, err.Error())

			return fmt.Errorf("Stage '%s' failed: %v", stage.Name, err)
		}
		defer containers.Pop()
	}

	if err := state.CallByParam(lua.P{Fn: stage.Script, NRet: 0, Protect: true}); err != nil {
		failure := fmt.Errorf("Stage '%s' failed: %v", stage.Name, err)
		logs.Append(storage.LogError, failure.Error())

		return failure
	}

	logs.Append(storage.LogInfo, fmt.Sprintf("Stage '%s' completed", stage.Name))

	return nil
}

func evalCondition(state *lua.LState, condition *lua.LFunction) (bool, error) {
	top := state.GetTop()

	if err := state.CallByParam(lua.P{Fn: condition, NRet: 1, Protect: true}); err != nil {
		return false, err
	}

	proceed := lua.LVAsBool(state.Get(top + 1))
	state.SetTop(top)

	return proceed, nil
}

// shipLogs drains the buffer to the orchestrator on every interval tick and
// whenever the buffer signals it is full.
func (w *Worker) shipLogs(ctx context.Context, jobID string, logs *LogBuffer) {
	ticker := time.NewTicker(w.config.LogSendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-logs.Full():
		}

		w.sendLogs(ctx, jobID, logs)
	}
}

// sendLogs drains and ships; a failed batch is requeued for the next drain.
func (w *Worker) sendLogs(ctx context.Context, jobID string, logs *LogBuffer) {
	entries := logs.Drain()

	if err := w.api.SendLogs(ctx, jobID, entries); err != nil {
		logs.Requeue(entries)
		w.logger.Error("failed to send logs", "job_id", jobID, "count", len(entries), "err", err)
	}
}

func failJob(logs *LogBuffer, message string) (storage.JobStatus, *storage.JobResult) {
	logs.Append(storage.LogError, message)

	return storage.JobFailed, &storage.JobResult{Success: false, ExitCode: 1, ErrorMessage: message}
}
