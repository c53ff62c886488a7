package runner

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrNoActiveContainer is returned by Exec when no container scope is open.
var ErrNoActiveContainer = errors.New("No active container in stack")

// StartError reports a container that could not be started, with the full
// runtime output for diagnosis.
type StartError struct {
	Image    string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("Failed to start container for image %s: exit_code=%d, stdout='%s', stderr='%s'",
		e.Image, e.ExitCode, e.Stdout, e.Stderr)
}

// CheckRuntime verifies the container runtime answers --version before any
// job is accepted.
func CheckRuntime(ctx context.Context, runtime string, logger *slog.Logger) error {
	output, err := exec.CommandContext(ctx, runtime, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to execute '%s --version', is it installed: %w", runtime, err)
	}

	logger.Info("container runtime available", "version", strings.TrimSpace(string(output)))

	return nil
}

// Containers manages the containers of one job: at most one per distinct
// image, ordered by a stack whose top receives exec calls.
type Containers struct {
	runtime   string
	jobID     string
	workspace string
	logger    *slog.Logger

	mu    sync.Mutex
	named map[string]string
	stack []string
}

// NewContainers returns an empty manager. workspace is the host directory
// bind-mounted at /workspace in every container this job starts.
func NewContainers(runtime, jobID, workspace string, logger *slog.Logger) *Containers {
	return &Containers{
		runtime:   runtime,
		jobID:     jobID,
		workspace: workspace,
		logger:    logger,
		named:     map[string]string{},
	}
}

// EnsureRunning starts a detached container for image unless this job
// already has one, and returns its name. The container idles on a shell
// sleep so exec calls have a stable target.
func (c *Containers) EnsureRunning(ctx context.Context, image string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.named[image]; ok {
		c.logger.Debug("container already running", "name", name, "image", image)

		return name, nil
	}

	if err := os.MkdirAll(c.workspace, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}

	name := c.containerName(image)

	c.logger.Info("starting container", "name", name, "image", image)

	command := exec.CommandContext(ctx, c.runtime,
		"run", "-d",
		"--name", name,
		"--entrypoint", "/bin/sh",
		"-v", c.workspace+":/workspace",
		"-w", "/workspace",
		image,
		"-c", "sleep infinity",
	)

	stdout := &strings.Builder{}
	stderr := &strings.Builder{}
	command.Stdout = stdout
	command.Stderr = stderr

	if err := command.Run(); err != nil {
		// A context kill is the job timing out, not the image failing.
		if ctx.Err() != nil {
			return "", fmt.Errorf("failed to execute %s run: %w", c.runtime, ctx.Err())
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to execute %s run: %w", c.runtime, err)
		}

		return "", &StartError{
			Image:    image,
			ExitCode: exitErr.ExitCode(),
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}

	c.logger.Info("container started", "name", name, "id", strings.TrimSpace(stdout.String()))

	c.named[image] = name

	return name, nil
}

// Push ensures a container for image and makes it the exec target.
func (c *Containers) Push(ctx context.Context, image string) (string, error) {
	name, err := c.EnsureRunning(ctx, image)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.stack = append(c.stack, name)
	depth := len(c.stack)
	c.mu.Unlock()

	c.logger.Debug("pushed container onto stack", "name", name, "depth", depth)

	return name, nil
}

// Pop removes the top container from the stack. The container keeps running
// until Cleanup.
func (c *Containers) Pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stack) == 0 {
		return "", false
	}

	name := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]

	c.logger.Debug("popped container from stack", "name", name, "depth", len(c.stack))

	return name, true
}

// Current returns the container exec calls run in.
func (c *Containers) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stack) == 0 {
		return "", false
	}

	return c.stack[len(c.stack)-1], true
}

// Exec runs cmd with args in the current container. cwd is resolved against
// the mounted workspace: empty means /workspace, a relative path is joined
// under it, an absolute path is used as given. A non-zero exit code is data,
// not an error; the error return is reserved for invocation failures.
func (c *Containers) Exec(ctx context.Context, cmd string, args []string, cwd string) (string, string, int, error) {
	name, ok := c.Current()
	if !ok {
		return "", "", 0, ErrNoActiveContainer
	}

	workdir := "/workspace"
	switch {
	case cwd == "":
	case strings.HasPrefix(cwd, "/"):
		workdir = cwd
	default:
		workdir = "/workspace/" + cwd
	}

	c.logger.Debug("executing in container", "name", name, "cmd", cmd, "args", args, "workdir", workdir)

	argv := append([]string{"exec", "-w", workdir, name, cmd}, args...)
	command := exec.CommandContext(ctx, c.runtime, argv...)

	stdout := &strings.Builder{}
	stderr := &strings.Builder{}
	command.Stdout = stdout
	command.Stderr = stderr

	exitCode := 0

	if err := command.Run(); err != nil {
		// A context kill is the job timing out, not the command exiting.
		if ctx.Err() != nil {
			return "", "", 0, fmt.Errorf("failed to execute %s exec: %w", c.runtime, ctx.Err())
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("failed to execute %s exec: %w", c.runtime, err)
		}

		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// Cleanup stops and force-removes every container this job started. Errors
// are logged, not returned; repeated calls are no-ops.
func (c *Containers) Cleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.named) == 0 {
		return
	}

	c.logger.Info("cleaning up containers", "count", len(c.named), "job_id", c.jobID)

	for image, name := range c.named {
		c.logger.Debug("stopping container", "name", name, "image", image)

		// Already-stopped containers make stop fail; rm -f is what counts.
		_ = exec.CommandContext(ctx, c.runtime, "stop", name).Run()

		if output, err := exec.CommandContext(ctx, c.runtime, "rm", "-f", name).CombinedOutput(); err != nil {
			c.logger.Warn("failed to remove container", "name", name, "err", err, "output", strings.TrimSpace(string(output)))
		}
	}

	c.named = map[string]string{}
	c.stack = nil
}

// containerName derives a stable name from the job and image so retries
// never collide with a live container from another job.
func (c *Containers) containerName(image string) string {
	digest := sha256.Sum256([]byte(image))

	return fmt.Sprintf("rivet-%s-%x", c.jobID, digest[:6])
}
