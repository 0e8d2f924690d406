// Command radflow runs the workflow engine as a single process: workflow
// registry, orchestrator, task dispatcher, and timeout monitor wired over
// an in-memory broker. External executors are simulated by a loopback
// plugin so a definitions directory is all that is needed to exercise
// workflows locally.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/broker"
	"github.com/deepnoodle-ai/radflow/config"
	"github.com/deepnoodle-ai/radflow/definitions"
	"github.com/deepnoodle-ai/radflow/dispatch"
	"github.com/deepnoodle-ai/radflow/orchestrator"
	"github.com/deepnoodle-ai/radflow/slogger"
	"github.com/deepnoodle-ai/radflow/store"
	"github.com/deepnoodle-ai/radflow/timeout"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := slogger.New(slogger.LevelFromString(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	banner()

	registry := definitions.NewRegistry(definitions.RegistryOptions{Logger: logger})
	count, err := registry.LoadDirectory(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}
	logger.Info("workflow definitions loaded",
		"count", count, "dir", cfg.DefinitionsDir)
	if cfg.WatchDefinitions {
		go func() {
			if err := registry.Watch(ctx, cfg.DefinitionsDir); err != nil &&
				!errors.Is(err, context.Canceled) {
				logger.Error("definitions watcher stopped", "error", err)
			}
		}()
	}

	instances := store.NewMemoryInstanceStore()
	records := store.NewMemoryDispatchStore()
	bus := broker.NewMemoryBroker(broker.Options{Logger: logger})

	plugins := dispatch.NewRegistry()
	pluginTypes := cfg.PluginTypes
	if len(pluginTypes) == 0 {
		pluginTypes = []string{radflow.RouterTaskType, "argo", "docker"}
	}
	for _, pluginType := range pluginTypes {
		plugin := &loopbackPlugin{
			publisher:     bus,
			callbackTopic: cfg.Topics.TaskCallback,
			logger:        logger,
		}
		if err := plugins.Register(pluginType, plugin); err != nil {
			return err
		}
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Registry:          plugins,
		Records:           records,
		Publisher:         bus,
		UpdateTopic:       cfg.Topics.TaskUpdate,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Workflows:                 registry,
		Instances:                 instances,
		Publisher:                 bus,
		DispatchTopic:             cfg.Topics.TaskDispatch,
		DefaultTaskTimeoutSeconds: cfg.DefaultTaskTimeoutSeconds,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}

	monitor, err := timeout.New(timeout.Options{
		Instances:         instances,
		Publisher:         bus,
		CancellationTopic: cfg.Topics.TaskCancellation,
		UpdateTopic:       cfg.Topics.TaskUpdate,
		Interval:          time.Duration(cfg.TimeoutPollSeconds) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	bus.Subscribe(cfg.Topics.WorkflowRequest, orch.HandleRequestMessage)
	bus.Subscribe(cfg.Topics.TaskUpdate, orch.HandleUpdateMessage)
	bus.Subscribe(cfg.Topics.TaskDispatch, dispatcher.HandleDispatchMessage)
	bus.Subscribe(cfg.Topics.TaskCallback, dispatcher.HandleCallbackMessage)
	bus.Subscribe(cfg.Topics.TaskCancellation, dispatcher.HandleCancellationMessage)

	go func() {
		if err := monitor.Run(ctx); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.Error("timeout monitor stopped", "error", err)
		}
	}()

	logger.Info("radflow engine running",
		"workflows", count,
		"plugin_types", plugins.Types(),
		"max_concurrent_jobs", cfg.MaxConcurrentJobs)

	<-ctx.Done()
	logger.Info("shutting down", "in_flight", dispatcher.InFlight())
	return nil
}

func banner() {
	bold := color.New(color.FgCyan, color.Bold)
	bold.Fprintln(os.Stderr, "radflow")
	color.New(color.Faint).Fprintln(os.Stderr, "clinical workflow engine")
}
