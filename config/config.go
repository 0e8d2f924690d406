// Package config holds the runtime configuration for the radflow engine.
// Configuration is loaded once at startup from a YAML file and passed to
// components explicitly; nothing reads it globally.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/deepnoodle-ai/radflow"
)

const (
	DefaultMaxConcurrentJobs         = 20
	DefaultTimeoutPollSeconds        = 10
	DefaultTaskTimeoutSeconds  int64 = 3600
)

// Topics names the message-bus topics the engine publishes to and consumes
// from.
type Topics struct {
	WorkflowRequest  string `yaml:"workflow_request"`
	TaskDispatch     string `yaml:"task_dispatch"`
	TaskCallback     string `yaml:"task_callback"`
	TaskUpdate       string `yaml:"task_update"`
	TaskCancellation string `yaml:"task_cancellation"`
}

// Config is the engine's runtime configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// DefinitionsDir is the directory tree holding workflow definitions.
	DefinitionsDir string `yaml:"definitions_dir"`

	// WatchDefinitions enables hot-reload of the definitions directory.
	WatchDefinitions bool `yaml:"watch_definitions"`

	// MaxConcurrentJobs caps in-flight plugin executions across all types.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// TimeoutPollSeconds is the timeout monitor's sweep interval.
	TimeoutPollSeconds int `yaml:"timeout_poll_seconds"`

	// DefaultTaskTimeoutSeconds applies to task nodes that declare no
	// timeout of their own. Zero disables the default.
	DefaultTaskTimeoutSeconds int64 `yaml:"default_task_timeout_seconds"`

	// PluginTypes lists the plugin type names the dispatcher accepts.
	PluginTypes []string `yaml:"plugin_types"`

	Topics Topics `yaml:"topics"`
}

// Default returns a configuration suitable for the local runner.
func Default() *Config {
	return &Config{
		LogLevel:                  "info",
		DefinitionsDir:            "definitions",
		MaxConcurrentJobs:         DefaultMaxConcurrentJobs,
		TimeoutPollSeconds:        DefaultTimeoutPollSeconds,
		DefaultTaskTimeoutSeconds: DefaultTaskTimeoutSeconds,
		Topics: Topics{
			WorkflowRequest:  "md.workflow.request",
			TaskDispatch:     "md.tasks.dispatch",
			TaskCallback:     "md.tasks.callback",
			TaskUpdate:       "md.tasks.update",
			TaskCancellation: "md.tasks.cancellation",
		},
	}
}

// Load reads a YAML configuration file, applying defaults for any field
// the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.MaxConcurrentJobs <= 0 {
		problems = append(problems, "max_concurrent_jobs must be positive")
	}
	if c.TimeoutPollSeconds <= 0 {
		problems = append(problems, "timeout_poll_seconds must be positive")
	}
	if c.DefaultTaskTimeoutSeconds < 0 {
		problems = append(problems, "default_task_timeout_seconds must not be negative")
	}
	if c.DefinitionsDir == "" {
		problems = append(problems, "definitions_dir is required")
	}
	for name, topic := range map[string]string{
		"workflow_request":  c.Topics.WorkflowRequest,
		"task_dispatch":     c.Topics.TaskDispatch,
		"task_callback":     c.Topics.TaskCallback,
		"task_update":       c.Topics.TaskUpdate,
		"task_cancellation": c.Topics.TaskCancellation,
	} {
		if topic == "" {
			problems = append(problems, fmt.Sprintf("topics.%s is required", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s: %w",
			strings.Join(problems, "; "), radflow.ErrValidationFailed)
	}
	return nil
}
