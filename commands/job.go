package commands

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/storage"
)

type Job struct {
	List      JobList      `cmd:"" help:"List every job, newest first"`
	Scheduled JobScheduled `cmd:"" help:"List queued jobs waiting for a runner"`
	Get       JobGet       `cmd:"" help:"Show one job"`
	Logs      JobLogs      `cmd:"" help:"Show a job's logs"`
	Pipeline  JobPipeline  `cmd:"" help:"List the jobs launched from one pipeline"`
}

type JobList struct {
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *JobList) Run(logger *slog.Logger) error {
	jobs, err := client.New(c.OrchestratorURL).ListJobs(context.Background())
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")

		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))

	for _, job := range jobs {
		printJobSummary(job)
	}

	return nil
}

type JobScheduled struct {
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *JobScheduled) Run(logger *slog.Logger) error {
	jobs, err := client.New(c.OrchestratorURL).ListScheduledJobs(context.Background(), "")
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs found.")

		return nil
	}

	fmt.Printf("Found %d scheduled job(s):\n\n", len(jobs))

	for _, job := range jobs {
		printJobSummary(job)
	}

	return nil
}

type JobGet struct {
	ID              string `arg:""                          help:"Job id or unique prefix"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *JobGet) Run(logger *slog.Logger) error {
	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	id, err := resolveJobID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	job, err := api.GetJob(ctx, id)
	if err != nil {
		return err
	}

	printJobDetails(job)

	return nil
}

type JobLogs struct {
	ID              string `arg:""                          help:"Job id or unique prefix"`
	Follow          bool   `help:"Poll for new log entries"                              short:"f"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *JobLogs) Run(logger *slog.Logger) error {
	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	id, err := resolveJobID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	if c.Follow {
		fmt.Println("Log following not yet implemented.")
		fmt.Println("  Showing current logs only...")
		fmt.Println()
	}

	entries, err := api.GetLogs(ctx, id)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No logs found for this job.")

		return nil
	}

	separator := strings.Repeat("-", 80)

	fmt.Printf("Logs for job %s:\n", id)
	fmt.Println(separator)

	for _, entry := range entries {
		fmt.Printf("%s [%s] %s\n",
			entry.Timestamp.Format("15:04:05"),
			strings.ToUpper(string(entry.Level)),
			entry.Message,
		)
	}

	fmt.Println(separator)

	return nil
}

type JobPipeline struct {
	ID              string `arg:""                          help:"Pipeline id or unique prefix"`
	Job             string `help:"Show one job of the pipeline by id or unique prefix"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *JobPipeline) Run(logger *slog.Logger) error {
	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	pipelineID, err := resolvePipelineID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	if c.Job != "" {
		jobID, err := resolveJobIDInPipeline(ctx, api, pipelineID, c.Job)
		if err != nil {
			return err
		}

		job, err := api.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		printJobDetails(job)

		return nil
	}

	jobs, err := api.ListJobsByPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Printf("No jobs found for pipeline %s.\n", pipelineID)

		return nil
	}

	fmt.Printf("Found %d job(s) for pipeline %s:\n\n", len(jobs), pipelineID)

	for _, job := range jobs {
		printJobSummary(job)
	}

	return nil
}

func printJobSummary(job storage.Job) {
	fmt.Printf("  Job %s\n", job.ID)
	fmt.Printf("    Pipeline: %s\n", job.PipelineID)
	fmt.Printf("    Status:   %s\n", job.Status)
	fmt.Printf("    Created:  %s\n", job.RequestedAt.Format(timeLayout))

	if job.RunnerID != "" {
		fmt.Printf("    Runner:   %s\n", job.RunnerID)
	}

	fmt.Println()
}

func printJobDetails(job *storage.Job) {
	fmt.Println("Job Details:")
	fmt.Printf("  ID:          %s\n", job.ID)
	fmt.Printf("  Pipeline ID: %s\n", job.PipelineID)
	fmt.Printf("  Status:      %s\n", job.Status)
	fmt.Printf("  Requested:   %s\n", job.RequestedAt.Format(timeLayout))

	if job.StartedAt != nil {
		fmt.Printf("  Started:     %s\n", job.StartedAt.Format(timeLayout))
	}

	if job.CompletedAt != nil {
		fmt.Printf("  Completed:   %s\n", job.CompletedAt.Format(timeLayout))

		if job.StartedAt != nil {
			fmt.Printf("  Duration:    %.1fs\n", job.CompletedAt.Sub(*job.StartedAt).Seconds())
		}
	}

	if job.RunnerID != "" {
		fmt.Printf("  Runner:      %s\n", job.RunnerID)
	}

	if len(job.Parameters) > 0 {
		fmt.Println()
		fmt.Println("Parameters:")

		for _, name := range slices.Sorted(maps.Keys(job.Parameters)) {
			fmt.Printf("  %s = %v\n", name, job.Parameters[name])
		}
	}

	if job.Result != nil {
		fmt.Println()
		fmt.Println("Result:")
		fmt.Printf("  Success:   %t\n", job.Result.Success)
		fmt.Printf("  Exit Code: %d\n", job.Result.ExitCode)

		if job.Result.Output != nil {
			fmt.Printf("  Output:    %v\n", job.Result.Output)
		}

		if job.Result.ErrorMessage != "" {
			fmt.Printf("  Error:     %s\n", job.Result.ErrorMessage)
		}
	}
}
