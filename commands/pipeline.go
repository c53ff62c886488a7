package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/samber/lo"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/sandbox"
	"github.com/rivet-ci/rivet/storage"
)

const timeLayout = "2006-01-02 15:04:05"

type Pipeline struct {
	Create PipelineCreate `cmd:"" help:"Upload a pipeline script to the orchestrator"`
	Check  PipelineCheck  `cmd:"" help:"Validate a pipeline script locally without uploading it"`
	List   PipelineList   `cmd:"" help:"List stored pipelines"`
	Get    PipelineGet    `cmd:"" help:"Show a pipeline, script included"`
	Delete PipelineDelete `cmd:"" help:"Delete a pipeline and all of its jobs"`
	Launch PipelineLaunch `cmd:"" help:"Queue a job for a pipeline"`
}

type PipelineCreate struct {
	Script          string `arg:""                          help:"Path to the pipeline Lua script" type:"existingfile"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL"           help:"Base URL of the orchestrator"`
}

func (c *PipelineCreate) Run(logger *slog.Logger) error {
	logger = logger.WithGroup("pipeline.create")

	contents, err := os.ReadFile(c.Script)
	if err != nil {
		return fmt.Errorf("could not read pipeline script: %w", err)
	}

	// Validate the script locally before uploading.
	logger.Info("pipeline.validate", "file", c.Script)

	metadata, err := sandbox.ParseMetadata(string(contents))
	if err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	logger.Info("pipeline.upload", "name", metadata.Name, "url", c.OrchestratorURL)

	pipeline, err := client.New(c.OrchestratorURL).CreatePipeline(context.Background(), string(contents))
	if err != nil {
		return err
	}

	logger.Info("pipeline.upload.success", "id", pipeline.ID, "name", pipeline.Name)

	stages := lo.Map(metadata.Stages, func(stage sandbox.StageMetadata, _ int) string {
		return stage.Name
	})

	fmt.Println("Pipeline created successfully!")
	fmt.Printf("  ID:     %s\n", pipeline.ID)
	fmt.Printf("  Name:   %s\n", pipeline.Name)
	fmt.Printf("  Stages: %s\n", strings.Join(stages, ", "))
	fmt.Printf("  Inputs: %d\n", len(metadata.Inputs))

	for _, input := range metadata.Inputs {
		if input.Description != "" {
			fmt.Printf("    - %s (%s)\n", describeInput(input), input.Description)
		} else {
			fmt.Printf("    - %s\n", describeInput(input))
		}
	}

	return nil
}

type PipelineCheck struct {
	Script string `arg:"" help:"Path to the pipeline Lua script" type:"existingfile"`
}

func (c *PipelineCheck) Run(logger *slog.Logger) error {
	contents, err := os.ReadFile(c.Script)
	if err != nil {
		return fmt.Errorf("could not read pipeline script: %w", err)
	}

	metadata, err := sandbox.ParseMetadata(string(contents))
	if err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	fmt.Println("Pipeline is valid!")
	fmt.Println()
	fmt.Println("Pipeline Information:")
	fmt.Printf("  Name:        %s\n", metadata.Name)

	if metadata.Description != "" {
		fmt.Printf("  Description: %s\n", metadata.Description)
	}

	if len(metadata.Requires) > 0 {
		fmt.Printf("  Requires:    %s\n", strings.Join(metadata.Requires, ", "))
	}

	if len(metadata.Runner) > 0 {
		fmt.Println("  Runner tags:")

		for _, tag := range metadata.Runner {
			fmt.Printf("    - %s=%s\n", tag.Key, tag.Value)
		}
	}

	if len(metadata.Inputs) > 0 {
		fmt.Println()
		fmt.Printf("Inputs (%d):\n", len(metadata.Inputs))

		for _, input := range metadata.Inputs {
			fmt.Printf("  - %s\n", describeInput(input))

			if input.Description != "" {
				fmt.Printf("      %s\n", input.Description)
			}

			if input.Default != nil {
				fmt.Printf("      Default: %v\n", input.Default)
			}

			if len(input.Options) > 0 {
				fmt.Printf("      Options: %s\n", joinOptions(input.Options))
			}
		}
	}

	fmt.Println()
	fmt.Printf("Stages (%d):\n", len(metadata.Stages))

	for i, stage := range metadata.Stages {
		fmt.Printf("  %d. %s\n", i+1, stage.Name)

		if stage.Container != "" {
			fmt.Printf("     Container: %s\n", stage.Container)
		}

		if stage.Condition {
			fmt.Println("     Has condition")
		}
	}

	return nil
}

type PipelineList struct {
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *PipelineList) Run(logger *slog.Logger) error {
	pipelines, err := client.New(c.OrchestratorURL).ListPipelines(context.Background())
	if err != nil {
		return err
	}

	if len(pipelines) == 0 {
		fmt.Println("No pipelines found.")

		return nil
	}

	fmt.Printf("Found %d pipeline(s):\n\n", len(pipelines))

	for _, pipeline := range pipelines {
		fmt.Printf("  %s\n", pipeline.Name)
		fmt.Printf("    ID:          %s\n", pipeline.ID)
		fmt.Printf("    Created:     %s\n", pipeline.CreatedAt.Format(timeLayout))

		if pipeline.Description != "" {
			fmt.Printf("    Description: %s\n", pipeline.Description)
		}

		if len(pipeline.Tags) > 0 {
			fmt.Printf("    Tags:        %s\n", joinTags(pipeline.Tags))
		}

		fmt.Println()
	}

	return nil
}

type PipelineGet struct {
	ID              string `arg:""                          help:"Pipeline id or unique prefix"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *PipelineGet) Run(logger *slog.Logger) error {
	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	id, err := resolvePipelineID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	pipeline, err := api.GetPipeline(ctx, id)
	if err != nil {
		return err
	}

	fmt.Println("Pipeline Details:")
	fmt.Printf("  ID:          %s\n", pipeline.ID)
	fmt.Printf("  Name:        %s\n", pipeline.Name)

	if pipeline.Description != "" {
		fmt.Printf("  Description: %s\n", pipeline.Description)
	}

	if len(pipeline.RequiredModules) > 0 {
		fmt.Printf("  Requires:    %s\n", strings.Join(pipeline.RequiredModules, ", "))
	}

	if len(pipeline.Tags) > 0 {
		fmt.Printf("  Tags:        %s\n", joinTags(pipeline.Tags))
	}

	fmt.Printf("  Created:     %s\n", pipeline.CreatedAt.Format(timeLayout))
	fmt.Printf("  Updated:     %s\n", pipeline.UpdatedAt.Format(timeLayout))

	separator := strings.Repeat("-", 80)

	fmt.Println()
	fmt.Println("Script:")
	fmt.Println(separator)
	fmt.Print(pipeline.Script)

	if !strings.HasSuffix(pipeline.Script, "\n") {
		fmt.Println()
	}

	fmt.Println(separator)

	return nil
}

type PipelineDelete struct {
	ID              string `arg:""                          help:"Pipeline id or unique prefix"`
	OrchestratorURL string `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *PipelineDelete) Run(logger *slog.Logger) error {
	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	id, err := resolvePipelineID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	if err := api.DeletePipeline(ctx, id); err != nil {
		return err
	}

	fmt.Printf("Pipeline %s deleted successfully!\n", id)

	return nil
}

type PipelineLaunch struct {
	ID              string            `arg:""                          help:"Pipeline id or unique prefix"`
	Param           map[string]string `help:"Launch parameter (name=value, repeatable)"                            short:"p"`
	ParamsFile      string            `help:"YAML file of launch parameters"       type:"existingfile"`
	NoInteractive   bool              `help:"Fail instead of prompting for missing required inputs"`
	OrchestratorURL string            `default:"http://localhost:8080" env:"RIVET_ORCHESTRATOR_URL" help:"Base URL of the orchestrator"`
}

func (c *PipelineLaunch) Run(logger *slog.Logger) error {
	logger = logger.WithGroup("pipeline.launch")

	ctx := context.Background()
	api := client.New(c.OrchestratorURL)

	id, err := resolvePipelineID(ctx, api, c.ID)
	if err != nil {
		return err
	}

	pipeline, err := api.GetPipeline(ctx, id)
	if err != nil {
		return err
	}

	metadata, err := sandbox.ParseMetadata(pipeline.Script)
	if err != nil {
		return fmt.Errorf("could not parse pipeline script: %w", err)
	}

	provided, err := c.providedParameters()
	if err != nil {
		return err
	}

	var parameters map[string]any
	if c.NoInteractive {
		parameters, err = collectNonInteractive(metadata.Inputs, provided)
	} else {
		parameters, err = collectInteractive(os.Stdin, os.Stdout, metadata.Inputs, provided)
	}

	if err != nil {
		return err
	}

	// The orchestrator validates again at launch; checking here surfaces
	// bad values before a job record is ever created.
	validated, err := sandbox.ValidateParameters(metadata.Inputs, parameters)
	if err != nil {
		return err
	}

	logger.Info("job.launch", "pipeline_id", pipeline.ID, "name", pipeline.Name)

	job, err := api.LaunchJob(ctx, pipeline.ID, validated)
	if err != nil {
		return err
	}

	fmt.Println("Job launched successfully!")
	fmt.Printf("  Job ID:      %s\n", job.ID)
	fmt.Printf("  Pipeline ID: %s\n", job.PipelineID)
	fmt.Printf("  Status:      %s\n", job.Status)
	fmt.Printf("  Requested:   %s\n", job.RequestedAt.Format(timeLayout))

	return nil
}

// providedParameters merges the params file with the -p flags. A -p value
// wins over the file on the same name.
func (c *PipelineLaunch) providedParameters() (map[string]string, error) {
	provided := map[string]string{}

	if c.ParamsFile != "" {
		contents, err := os.ReadFile(c.ParamsFile)
		if err != nil {
			return nil, fmt.Errorf("could not read params file: %w", err)
		}

		fromFile := map[string]any{}
		if err := yaml.Unmarshal(contents, &fromFile); err != nil {
			return nil, fmt.Errorf("could not parse params file: %w", err)
		}

		for name, value := range fromFile {
			provided[name] = fmt.Sprintf("%v", value)
		}
	}

	for name, value := range c.Param {
		provided[name] = value
	}

	return provided, nil
}

// collectNonInteractive converts the provided values against the declared
// inputs. Required inputs without a default must be provided up front.
func collectNonInteractive(inputs []sandbox.Input, provided map[string]string) (map[string]any, error) {
	parameters, err := convertProvided(inputs, provided)
	if err != nil {
		return nil, err
	}

	for _, input := range inputs {
		if _, ok := parameters[input.Name]; ok {
			continue
		}

		if input.Required && input.Default == nil {
			return nil, fmt.Errorf(
				"missing required input '%s' (%s): set it with -p %s=<value> or run without --no-interactive",
				input.Name, input.Type, input.Name)
		}
	}

	return parameters, nil
}

// collectInteractive prompts for every declared input the caller did not
// provide. An empty answer falls back to the input's default when it has one.
func collectInteractive(in io.Reader, out io.Writer, inputs []sandbox.Input, provided map[string]string) (map[string]any, error) {
	parameters, err := convertProvided(inputs, provided)
	if err != nil {
		return nil, err
	}

	missing := lo.Filter(inputs, func(input sandbox.Input, _ int) bool {
		_, ok := parameters[input.Name]

		return !ok
	})
	if len(missing) == 0 {
		return parameters, nil
	}

	fmt.Fprintln(out, "Pipeline Inputs:")

	reader := bufio.NewReader(in)

	for _, input := range missing {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  %s\n", describeInput(input))

		if input.Description != "" {
			fmt.Fprintf(out, "    %s\n", input.Description)
		}

		if input.Default != nil {
			fmt.Fprintf(out, "    Default: %v\n", input.Default)
		}

		if len(input.Options) > 0 {
			fmt.Fprintf(out, "    Options: %s\n", joinOptions(input.Options))
		}

		fmt.Fprint(out, "  Enter value (or press Enter to skip): ")

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("could not read value: %w", err)
		}

		raw := strings.TrimSpace(line)
		if raw == "" {
			if input.Required && input.Default == nil {
				return nil, fmt.Errorf("input '%s' is required", input.Name)
			}

			// Defaults are applied during validation.
			continue
		}

		value, err := convertInput(input, raw)
		if err != nil {
			return nil, err
		}

		parameters[input.Name] = value
	}

	fmt.Fprintln(out)

	return parameters, nil
}

// convertProvided turns raw string values into the types their inputs
// declare. Values for names the pipeline never declared pass through as
// strings.
func convertProvided(inputs []sandbox.Input, provided map[string]string) (map[string]any, error) {
	declared := lo.SliceToMap(inputs, func(input sandbox.Input) (string, sandbox.Input) {
		return input.Name, input
	})

	parameters := make(map[string]any, len(provided))

	for name, raw := range provided {
		input, ok := declared[name]
		if !ok {
			parameters[name] = raw

			continue
		}

		value, err := convertInput(input, raw)
		if err != nil {
			return nil, err
		}

		parameters[name] = value
	}

	return parameters, nil
}

func convertInput(input sandbox.Input, raw string) (any, error) {
	switch input.Type {
	case "string":
		return raw, nil

	case "number":
		number, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("input '%s' must be a number, got: %s", input.Name, raw)
		}

		return number, nil

	case "bool":
		switch strings.ToLower(raw) {
		case "true", "yes", "1", "y":
			return true, nil
		case "false", "no", "0", "n":
			return false, nil
		default:
			return nil, fmt.Errorf("input '%s' must be a boolean (true/false), got: %s", input.Name, raw)
		}

	default:
		return nil, fmt.Errorf("unknown input type: %s", input.Type)
	}
}

// describeInput renders "name*: type", with the star marking required
// inputs.
func describeInput(input sandbox.Input) string {
	name := input.Name
	if input.Required {
		name += "*"
	}

	return fmt.Sprintf("%s: %s", name, input.Type)
}

func joinOptions(options []any) string {
	choices := lo.Map(options, func(option any, _ int) string {
		return fmt.Sprintf("%v", option)
	})

	return strings.Join(choices, ", ")
}

func joinTags(tags storage.Tags) string {
	pairs := lo.Map(tags, func(tag storage.Tag, _ int) string {
		return tag.Key + "=" + tag.Value
	})

	return strings.Join(pairs, ", ")
}
