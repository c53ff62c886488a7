// Package runner is the agent that executes pipeline jobs. A poller leases
// queued jobs from the orchestrator and hands each to a worker, which
// evaluates the pipeline script in a restricted sandbox, runs its stages
// against containers, and streams logs back.
package runner

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// Config holds everything a runner process needs. Intervals and limits are
// tunable so deployments can trade latency for orchestrator load.
type Config struct {
	// RunnerID identifies this runner to the orchestrator.
	RunnerID string `validate:"required"`

	// OrchestratorURL is the base URL of the orchestrator API.
	OrchestratorURL string `validate:"required,http_url"`

	// PollInterval is how often to ask for queued jobs.
	PollInterval time.Duration `validate:"gt=0"`

	// LogSendInterval is how often each worker ships buffered logs.
	LogSendInterval time.Duration `validate:"gt=0"`

	// LogBufferSize is the number of buffered entries that forces an early
	// ship ahead of the interval.
	LogBufferSize int `validate:"gt=0"`

	// JobTimeout bounds a single job's execution.
	JobTimeout time.Duration `validate:"gt=0"`

	// MaxParallelJobs caps concurrently executing workers.
	MaxParallelJobs int `validate:"gt=0"`

	// WorkspaceBase is the host directory under which per-job workspaces
	// are created.
	WorkspaceBase string `validate:"required"`

	// Runtime is the container CLI binary. Any OCI runtime whose CLI
	// accepts the podman run/exec/stop/rm flags works.
	Runtime string `validate:"required"`

	// Capabilities are reported at registration for job matching.
	Capabilities []string
}

// NewConfig returns a configuration with the stock intervals and limits.
func NewConfig(runnerID, orchestratorURL string) Config {
	return Config{
		RunnerID:        runnerID,
		OrchestratorURL: orchestratorURL,
		PollInterval:    5 * time.Second,
		LogSendInterval: 30 * time.Second,
		LogBufferSize:   100,
		JobTimeout:      300 * time.Second,
		MaxParallelJobs: 2,
		WorkspaceBase:   os.TempDir(),
		Runtime:         "podman",
		Capabilities:    DefaultCapabilities(nil),
	}
}

// Validate rejects the configuration before the poller starts rather than
// failing mid-run.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("invalid runner config: %w", err)
	}

	return nil
}

// DefaultCapabilities returns the core module names every runner advertises
// plus the given labels formatted as key=value, sorted for stable output.
func DefaultCapabilities(labels map[string]string) []string {
	capabilities := slices.Clone(coreModules)

	keys := lo.Keys(labels)
	slices.Sort(keys)

	for _, key := range keys {
		capabilities = append(capabilities, key+"="+labels[key])
	}

	return capabilities
}
