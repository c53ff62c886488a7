package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/runner"
)

type Runner struct {
	Start  RunnerStart  `cmd:"" help:"Run the job agent in the foreground"`
	List   RunnerList   `cmd:"" help:"List registered runners"`
	Get    RunnerGet    `cmd:"" help:"Show one runner"`
	Delete RunnerDelete `cmd:"" help:"Remove a runner from the registry"`
}

type RunnerStart struct {
	RunnerID        string            `env:"RUNNER_ID"                  help:"Unique runner id (generated when omitted)"`
	OrchestratorURL string            `default:"http://localhost:8080" env:"ORCHESTRATOR_URL"     help:"Base URL of the orchestrator"`
	PollInterval    int               `default:"5"                     env:"POLL_INTERVAL"        help:"Seconds between polls for queued jobs"`
	LogSendInterval int               `default:"30"                    env:"LOG_SEND_INTERVAL"    help:"Seconds between log shipments"`
	LogBufferSize   int               `default:"100"                   env:"LOG_BUFFER_SIZE"      help:"Buffered log entries that force an early shipment"`
	JobTimeout      int               `default:"300"                   env:"JOB_TIMEOUT"          help:"Seconds a job may run before it is timed out"`
	MaxParallelJobs int               `default:"2"                     env:"MAX_PARALLEL_JOBS"    help:"Jobs executed concurrently"`
	WorkspaceBase   string            `help:"Host directory for per-job workspaces (defaults to the system temp dir)"`
	Runtime         string            `default:"podman"                env:"CONTAINER_RUNTIME"    help:"Container CLI binary (podman, docker, ...)"`
	Capability      map[string]string `help:"Capability labels reported at registration (key=value, repeatable)"`
}

func (c *RunnerStart) Run(logger *slog.Logger) error {
	ctx, cancel := signalContext(logger)
	defer cancel()

	return c.RunContext(ctx, logger)
}

// RunContext registers the runner and polls for jobs until ctx is cancelled.
func (c *RunnerStart) RunContext(ctx context.Context, logger *slog.Logger) error {
	runnerID := c.RunnerID
	if runnerID == "" {
		id, err := gonanoid.New(10)
		if err != nil {
			return fmt.Errorf("could not generate runner id: %w", err)
		}

		runnerID = "runner-" + id
	}

	config := runner.NewConfig(runnerID, c.OrchestratorURL)
	config.PollInterval = time.Duration(c.PollInterval) * time.Second
	config.LogSendInterval = time.Duration(c.LogSendInterval) * time.Second
	config.LogBufferSize = c.LogBufferSize
	config.JobTimeout = time.Duration(c.JobTimeout) * time.Second
	config.MaxParallelJobs = c.MaxParallelJobs
	config.Runtime = c.Runtime
	config.Capabilities = runner.DefaultCapabilities(c.Capability)

	if c.WorkspaceBase != "" {
		config.WorkspaceBase = c.WorkspaceBase
	}

	if err := config.Validate(); err != nil {
		return err
	}

	logger = logger.WithGroup("runner").With(
		"id", runnerID,
		"orchestrator", c.OrchestratorURL,
	)

	if err := runner.CheckRuntime(ctx, config.Runtime, logger); err != nil {
		return err
	}

	api := client.New(c.OrchestratorURL)

	if _, err := runner.Register(ctx, api, config, logger); err != nil {
		return fmt.Errorf("could not register runner: %w", err)
	}

	err := runner.NewPoller(config, api, logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("could not run poller: %w", err)
	}

	return nil
}

type RunnerList struct {
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *RunnerList) Run(logger *slog.Logger) error {
	runners, err := client.New(c.OrchestratorURL).ListRunners(context.Background())
	if err != nil {
		return err
	}

	if len(runners) == 0 {
		fmt.Println("No runners registered.")

		return nil
	}

	fmt.Printf("Found %d registered runner(s):\n\n", len(runners))

	for _, registered := range runners {
		fmt.Printf("  Runner %s\n", registered.ID)
		fmt.Printf("    Status:       %s\n", registered.Status)
		fmt.Printf("    Registered:   %s\n", registered.RegisteredAt.Format(timeLayout))
		fmt.Printf("    Last Seen:    %s\n", registered.LastHeartbeatAt.Format(timeLayout))
		fmt.Println()
	}

	return nil
}

type RunnerGet struct {
	ID              string `arg:""                          help:"Runner id"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *RunnerGet) Run(logger *slog.Logger) error {
	registered, err := client.New(c.OrchestratorURL).GetRunner(context.Background(), c.ID)
	if err != nil {
		return err
	}

	fmt.Println("Runner Details:")
	fmt.Printf("  ID:           %s\n", registered.ID)
	fmt.Printf("  Status:       %s\n", registered.Status)
	fmt.Printf("  Capabilities: %s\n", strings.Join(registered.Capabilities, ", "))
	fmt.Printf("  Registered:   %s\n", registered.RegisteredAt.Format(timeLayout))
	fmt.Printf("  Last Seen:    %s\n", registered.LastHeartbeatAt.Format(timeLayout))

	return nil
}

type RunnerDelete struct {
	ID              string `arg:""                          help:"Runner id"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *RunnerDelete) Run(logger *slog.Logger) error {
	err := client.New(c.OrchestratorURL).DeleteRunner(context.Background(), c.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Runner %s deleted successfully!\n", c.ID)

	return nil
}
