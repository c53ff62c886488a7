package client

import (
	"context"
	"fmt"

	"github.com/rivet-ci/rivet/storage"
)

// RegisterRunner registers or re-registers a runner with its capability
// labels. Re-registering replaces the capabilities and refreshes the
// heartbeat while keeping the original registration time.
func (c *Client) RegisterRunner(ctx context.Context, runnerID string, capabilities []string) (*storage.Runner, error) {
	var runner storage.Runner

	response, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"runner_id": runnerID, "capabilities": capabilities}).
		SetResult(&runner).
		Post("/api/runners/register")
	if err != nil {
		return nil, fmt.Errorf("failed to register runner: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &runner, nil
}

// Heartbeat reports the runner as alive and marks it online.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	response, err := c.http.R().
		SetContext(ctx).
		Post("/api/runners/" + runnerID + "/heartbeat")
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	if response.IsError() {
		return responseError(response)
	}

	return nil
}

// ListRunners returns every registered runner, newest first.
func (c *Client) ListRunners(ctx context.Context) ([]storage.Runner, error) {
	var runners []storage.Runner

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&runners).
		Get("/api/runners")
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return runners, nil
}

// GetRunner returns a single runner by ID.
func (c *Client) GetRunner(ctx context.Context, runnerID string) (*storage.Runner, error) {
	var runner storage.Runner

	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&runner).
		Get("/api/runners/" + runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}

	if response.IsError() {
		return nil, responseError(response)
	}

	return &runner, nil
}

// DeleteRunner removes a runner from the registry.
func (c *Client) DeleteRunner(ctx context.Context, runnerID string) error {
	response, err := c.http.R().
		SetContext(ctx).
		Delete("/api/runners/" + runnerID)
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}

	if response.IsError() {
		return responseError(response)
	}

	return nil
}
