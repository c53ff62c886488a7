package client

import (
	"context"
	"fmt"

	"github.com/rivet-ci/rivet/storage"
)

// CreatePipeline uploads a definition script. The orchestrator parses the
// script and extracts name, description, required modules, and runner tags.
func (c *Client) CreatePipeline(ctx context.Context, script string) (*storage.Pipeline, error) {
	var pipeline storage.Pipeline

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"script": script}).
		SetResult(&pipeline).
		Post("/api/pipeline/create")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &pipeline, nil
}

// ListPipelines returns summaries of every stored pipeline, without scripts.
func (c *Client) ListPipelines(ctx context.Context) ([]storage.PipelineSummary, error) {
	var pipelines []storage.PipelineSummary

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&pipelines).
		Get("/api/pipeline/list")
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return pipelines, nil
}

// GetPipeline returns the full pipeline record, script included.
func (c *Client) GetPipeline(ctx context.Context, id string) (*storage.Pipeline, error) {
	var pipeline storage.Pipeline

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&pipeline).
		Get("/api/pipeline/" + id)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &pipeline, nil
}

// DeletePipeline removes a pipeline along with its jobs and their logs.
func (c *Client) DeletePipeline(ctx context.Context, id string) error {
	response, err := c.http.R().
		SetContext(ctx).
		Delete("/api/pipeline/" + id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	if response.IsError() {
		return responseError(response)
	}

	return nil
}
