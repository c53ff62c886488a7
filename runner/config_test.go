package runner_test

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/rivet-ci/rivet/runner"
)

func TestConfig(t *testing.T) {
	t.Parallel()

	t.Run("new_config_applies_defaults", func(t *testing.T) {
		t.Parallel()
		assert := NewGomegaWithT(t)

		config := runner.NewConfig("runner-1", "http://localhost:8080")

		assert.Expect(config.RunnerID).To(Equal("runner-1"))
		assert.Expect(config.OrchestratorURL).To(Equal("http://localhost:8080"))
		assert.Expect(config.PollInterval).To(Equal(5 * time.Second))
		assert.Expect(config.LogSendInterval).To(Equal(30 * time.Second))
		assert.Expect(config.LogBufferSize).To(Equal(100))
		assert.Expect(config.JobTimeout).To(Equal(300 * time.Second))
		assert.Expect(config.MaxParallelJobs).To(Equal(2))
		assert.Expect(config.WorkspaceBase).NotTo(BeEmpty())
		assert.Expect(config.Runtime).To(Equal("podman"))
		assert.Expect(config.Capabilities).To(Equal([]string{"log", "input", "process", "container"}))

		assert.Expect(config.Validate()).To(Succeed())
	})

	t.Run("validate_rejects_broken_configs", func(t *testing.T) {
		t.Parallel()

		for _, invalid := range []struct {
			name   string
			mutate func(*runner.Config)
		}{
			{"blank_runner_id", func(c *runner.Config) { c.RunnerID = "" }},
			{"orchestrator_url_without_scheme", func(c *runner.Config) { c.OrchestratorURL = "localhost:8080" }},
			{"zero_poll_interval", func(c *runner.Config) { c.PollInterval = 0 }},
			{"negative_log_send_interval", func(c *runner.Config) { c.LogSendInterval = -time.Second }},
			{"zero_job_timeout", func(c *runner.Config) { c.JobTimeout = 0 }},
			{"zero_parallel_jobs", func(c *runner.Config) { c.MaxParallelJobs = 0 }},
			{"blank_workspace_base", func(c *runner.Config) { c.WorkspaceBase = "" }},
			{"blank_runtime", func(c *runner.Config) { c.Runtime = "" }},
		} {
			t.Run(invalid.name, func(t *testing.T) {
				t.Parallel()
				assert := NewGomegaWithT(t)

				config := runner.NewConfig("runner-1", "http://localhost:8080")
				invalid.mutate(&config)

				assert.Expect(config.Validate()).To(MatchError(ContainSubstring("invalid runner config")))
			})
		}
	})

	t.Run("default_capabilities_append_sorted_labels", func(t *testing.T) {
		t.Parallel()
		assert := NewGomegaWithT(t)

		capabilities := runner.DefaultCapabilities(map[string]string{
			"os":   "linux",
			"arch": "arm64",
		})

		assert.Expect(capabilities).To(Equal([]string{
			"log", "input", "process", "container",
			"arch=arm64", "os=linux",
		}))
	})
}
