package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/storage"
)

// resolvePipelineID expands an id prefix to the full pipeline id. A full
// canonical UUID is returned as-is without a lookup.
func resolvePipelineID(ctx context.Context, api *client.Client, idOrPrefix string) (string, error) {
	if id, err := uuid.Parse(idOrPrefix); err == nil {
		return id.String(), nil
	}

	prefix := strings.ToLower(idOrPrefix)

	pipelines, err := api.ListPipelines(ctx)
	if err != nil {
		return "", fmt.Errorf("could not fetch pipelines for ID resolution: %w", err)
	}

	matches := lo.FilterMap(pipelines, func(pipeline storage.PipelineSummary, _ int) (string, bool) {
		return pipeline.ID, strings.HasPrefix(strings.ToLower(pipeline.ID), prefix)
	})

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no pipeline found with ID starting with '%s'", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous prefix '%s' matches multiple pipelines: %s", prefix, strings.Join(matches, ", "))
	}
}

// resolveJobID expands an id prefix against every job the orchestrator
// knows, so completed and cancelled jobs stay addressable.
func resolveJobID(ctx context.Context, api *client.Client, idOrPrefix string) (string, error) {
	if id, err := uuid.Parse(idOrPrefix); err == nil {
		return id.String(), nil
	}

	prefix := strings.ToLower(idOrPrefix)

	jobs, err := api.ListJobs(ctx)
	if err != nil {
		return "", fmt.Errorf("could not fetch jobs for ID resolution: %w", err)
	}

	matches := matchJobs(jobs, prefix)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job found with ID starting with '%s'", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous prefix '%s' matches multiple jobs: %s", prefix, strings.Join(matches, ", "))
	}
}

// resolveJobIDInPipeline is resolveJobID scoped to one pipeline's jobs.
func resolveJobIDInPipeline(ctx context.Context, api *client.Client, pipelineID, idOrPrefix string) (string, error) {
	if id, err := uuid.Parse(idOrPrefix); err == nil {
		return id.String(), nil
	}

	prefix := strings.ToLower(idOrPrefix)

	jobs, err := api.ListJobsByPipeline(ctx, pipelineID)
	if err != nil {
		return "", fmt.Errorf("could not fetch pipeline jobs for ID resolution: %w", err)
	}

	matches := matchJobs(jobs, prefix)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job found with ID starting with '%s' in pipeline %s", prefix, pipelineID)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous prefix '%s' matches multiple jobs in pipeline %s: %s", prefix, pipelineID, strings.Join(matches, ", "))
	}
}

func matchJobs(jobs []storage.Job, prefix string) []string {
	return lo.FilterMap(jobs, func(job storage.Job, _ int) (string, bool) {
		return job.ID, strings.HasPrefix(strings.ToLower(job.ID), prefix)
	})
}
