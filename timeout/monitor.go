// Package timeout implements the liveness reaper for task executions. A
// task that stays Dispatched or Accepted past its timeout gets a forced
// TimedOut update and an advisory cancellation, each published exactly
// once; the forward-only status machine makes any late genuine callback a
// no-op.
package timeout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/retry"
	"github.com/deepnoodle-ai/radflow/slogger"
)

// Monitor scans live task executions on a fixed interval and reaps the
// ones that have exceeded their timeout.
type Monitor struct {
	instances         radflow.WorkflowInstanceRepository
	publisher         radflow.Publisher
	cancellationTopic string
	updateTopic       string
	interval          time.Duration
	logger            slogger.Logger

	// now is stubbed in tests.
	now func() time.Time

	mu     sync.Mutex
	reaped map[string]struct{}
}

// Options configures a Monitor.
type Options struct {
	Instances         radflow.WorkflowInstanceRepository
	Publisher         radflow.Publisher
	CancellationTopic string
	UpdateTopic       string
	Interval          time.Duration
	Logger            slogger.Logger
}

// New creates a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Instances == nil {
		return nil, errors.New("instance repository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.CancellationTopic == "" || opts.UpdateTopic == "" {
		return nil, errors.New("cancellation and update topics are required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Monitor{
		instances:         opts.Instances,
		publisher:         opts.Publisher,
		cancellationTopic: opts.CancellationTopic,
		updateTopic:       opts.UpdateTopic,
		interval:          opts.Interval,
		logger:            logger,
		now:               time.Now,
		reaped:            make(map[string]struct{}),
	}, nil
}

// Run sweeps on the configured interval until ctx is done. A failed sweep
// is logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("timeout monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("timeout sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reaping cycle. Exported so tests and operators can force
// a cycle without waiting for the ticker.
func (m *Monitor) Sweep(ctx context.Context) error {
	live, err := m.instances.ListLiveTaskExecutions(ctx)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	for _, task := range live {
		deadline, ok := task.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		if !m.markReaped(task.ExecutionID) {
			continue
		}
		m.reap(ctx, task, now)
	}
	return nil
}

// markReaped records an execution id as handled. The in-memory guard keeps
// one monitor from publishing twice; across replicas and restarts the
// forward-only status write is the real guarantee.
func (m *Monitor) markReaped(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.reaped[executionID]; done {
		return false
	}
	m.reaped[executionID] = struct{}{}
	return true
}

func (m *Monitor) reap(ctx context.Context, task *radflow.TaskExecution, now time.Time) {
	overdue := now.Sub(task.TaskStartTime.Add(time.Duration(task.TimeoutSeconds) * time.Second))
	logger := m.logger.With(
		"execution_id", task.ExecutionID,
		"workflow_instance_id", task.WorkflowInstanceID,
		"task_id", task.TaskID,
	)
	logger.Warn("task execution timed out",
		"timeout_seconds", task.TimeoutSeconds,
		"overdue", overdue.Truncate(time.Second).String())

	cancellation := &radflow.TaskCancellationEvent{
		ExecutionID:        task.ExecutionID,
		WorkflowInstanceID: task.WorkflowInstanceID,
		TaskID:             task.TaskID,
		Identity:           task.PluginType,
		Reason:             "timed out",
	}
	if err := m.publish(ctx, m.cancellationTopic, cancellation); err != nil {
		logger.Warn("failed to publish cancellation", "error", err)
	}

	update := &radflow.TaskUpdateEvent{
		ExecutionID:        task.ExecutionID,
		WorkflowInstanceID: task.WorkflowInstanceID,
		TaskID:             task.TaskID,
		Status:             radflow.TaskStatusTimedOut,
		Reason:             radflow.FailureReasonTimedOut,
		ErrorMessage:       "task execution exceeded its timeout",
		ExecutionStats: map[string]string{
			"timeout_seconds": time.Duration(task.TimeoutSeconds * int64(time.Second)).String(),
		},
	}
	if err := m.publish(ctx, m.updateTopic, update); err != nil {
		logger.Warn("failed to publish forced timeout update", "error", err)
	}
}

func (m *Monitor) publish(ctx context.Context, topic string, event any) error {
	msg, err := radflow.NewJSONMessage("", event)
	if err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		if err := m.publisher.Publish(ctx, topic, msg); err != nil {
			return retry.NewRecoverableError(err)
		}
		return nil
	}, retry.WithBaseWait(100*time.Millisecond))
}
