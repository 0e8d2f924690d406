package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/radflow"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultMaxConcurrentJobs, cfg.MaxConcurrentJobs)
	assert.Equal(t, "md.tasks.dispatch", cfg.Topics.TaskDispatch)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
definitions_dir: /etc/radflow/definitions
max_concurrent_jobs: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/etc/radflow/definitions", cfg.DefinitionsDir)
	assert.Equal(t, 5, cfg.MaxConcurrentJobs)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultTimeoutPollSeconds, cfg.TimeoutPollSeconds)
	assert.Equal(t, "md.workflow.request", cfg.Topics.WorkflowRequest)
}

func TestLoadOverridesTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
topics:
  workflow_request: custom.request
  task_dispatch: custom.dispatch
  task_callback: custom.callback
  task_update: custom.update
  task_cancellation: custom.cancellation
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.request", cfg.Topics.WorkflowRequest)
	assert.Equal(t, "custom.cancellation", cfg.Topics.TaskCancellation)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{
			"zero concurrency",
			func(c *Config) { c.MaxConcurrentJobs = 0 },
			"max_concurrent_jobs must be positive",
		},
		{
			"zero poll interval",
			func(c *Config) { c.TimeoutPollSeconds = 0 },
			"timeout_poll_seconds must be positive",
		},
		{
			"negative default timeout",
			func(c *Config) { c.DefaultTaskTimeoutSeconds = -1 },
			"default_task_timeout_seconds must not be negative",
		},
		{
			"missing definitions dir",
			func(c *Config) { c.DefinitionsDir = "" },
			"definitions_dir is required",
		},
		{
			"missing topic",
			func(c *Config) { c.Topics.TaskUpdate = "" },
			"topics.task_update is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, radflow.ErrValidationFailed)
			assert.Contains(t, err.Error(), tc.problem)
		})
	}
}
