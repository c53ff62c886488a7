// Package client is the HTTP client for the orchestrator API, shared by the
// CLI verbs and the runner fleet.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to a single orchestrator.
type Client struct {
	http *resty.Client
}

// Option configures the underlying HTTP client.
type Option func(*resty.Client)

// WithTimeout caps the duration of each request.
func WithTimeout(timeout time.Duration) Option {
	return func(http *resty.Client) {
		http.SetTimeout(timeout)
	}
}

// New creates a client for the orchestrator at baseURL, for example
// "http://localhost:8080". Trailing slashes are trimmed.
func New(baseURL string, options ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	for _, option := range options {
		option(httpClient)
	}

	return &Client{http: httpClient}
}

// BaseURL returns the orchestrator endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

// APIError is a non-2xx response from the orchestrator, carrying the decoded
// message when the body had the usual {"error": ...} shape.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is the orchestrator answering 404.
func IsNotFound(err error) bool {
	var apiError *APIError

	return errors.As(err, &apiError) && apiError.Status == http.StatusNotFound
}

func responseError(response *resty.Response) error {
	message := strings.TrimSpace(response.String())

	var body struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(response.Body(), &body); err == nil && body.Error != "" {
		message = body.Error
	}

	return &APIError{Status: response.StatusCode(), Message: message}
}
