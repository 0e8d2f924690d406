package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/retry"
	"github.com/deepnoodle-ai/radflow/slogger"
)

// Dispatcher consumes task dispatch events, hands them to their plugin,
// and turns plugin callbacks into task update events.
//
// Two properties matter here. Dispatch is idempotent: the persisted
// TaskDispatchEventInfo keyed by execution id means a redelivered dispatch
// event never re-invokes the plugin. And concurrency is bounded: each
// in-flight execution holds one slot of a counting semaphore until its
// callback or cancellation arrives; when no slot is free the dispatch event
// stays on the bus for redelivery instead of being dropped.
type Dispatcher struct {
	registry    *Registry
	records     radflow.TaskDispatchRepository
	publisher   radflow.Publisher
	updateTopic string
	logger      slogger.Logger

	semaphore chan struct{}
	mu        sync.Mutex
	slots     map[string]struct{}
}

// Options configures a Dispatcher.
type Options struct {
	Registry          *Registry
	Records           radflow.TaskDispatchRepository
	Publisher         radflow.Publisher
	UpdateTopic       string
	MaxConcurrentJobs int
	Logger            slogger.Logger
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("plugin registry is required")
	}
	if opts.Records == nil {
		return nil, errors.New("dispatch repository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.UpdateTopic == "" {
		return nil, errors.New("update topic is required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		return nil, errors.New("max concurrent jobs must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Dispatcher{
		registry:    opts.Registry,
		records:     opts.Records,
		publisher:   opts.Publisher,
		updateTopic: opts.UpdateTopic,
		logger:      logger,
		semaphore:   make(chan struct{}, opts.MaxConcurrentJobs),
		slots:       make(map[string]struct{}),
	}, nil
}

// InFlight returns the number of executions currently holding a slot.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Dispatch runs one dispatch event. Redelivered events for an execution id
// that already has a record are acknowledged without re-invoking the
// plugin. A full semaphore fails the call with ErrCapacityExceeded so the
// bus redelivers the event once capacity frees up.
func (d *Dispatcher) Dispatch(ctx context.Context, event *radflow.TaskDispatchEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	logger := d.logger.With(
		"execution_id", event.ExecutionID,
		"workflow_instance_id", event.WorkflowInstanceID,
		"task_id", event.TaskID,
		"plugin_type", event.PluginType,
	)

	if existing, err := d.records.GetTaskDispatchEventByExecutionID(ctx, event.ExecutionID); err == nil {
		existing.RetryCount++
		existing.UpdatedAt = time.Now().UTC()
		if err := d.records.UpdateTaskDispatchEvent(ctx, existing); err != nil {
			logger.Warn("failed to record redelivery", "error", err)
		}
		logger.Warn("dispatch event already processed, skipping",
			"redeliveries", existing.RetryCount)
		return nil
	} else if !errors.Is(err, radflow.ErrNotFound) {
		return fmt.Errorf("failed to check dispatch record: %w", err)
	}

	plugin, err := d.registry.Get(event.PluginType)
	if err != nil {
		logger.Error("no plugin for task", "error", err)
		return d.publishUpdate(ctx, &radflow.TaskUpdateEvent{
			CorrelationID:      event.CorrelationID,
			ExecutionID:        event.ExecutionID,
			WorkflowInstanceID: event.WorkflowInstanceID,
			TaskID:             event.TaskID,
			Status:             radflow.TaskStatusFailed,
			Reason:             radflow.FailureReasonInvalidMessage,
			ErrorMessage:       err.Error(),
		})
	}

	if err := d.acquireSlot(event.ExecutionID); err != nil {
		logger.Info("dispatch deferred, no capacity", "in_flight", d.InFlight())
		return err
	}

	now := time.Now().UTC()
	record := &radflow.TaskDispatchEventInfo{
		Event:     *event,
		Status:    radflow.TaskStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.records.SaveTaskDispatchEvent(ctx, record); err != nil {
		d.releaseSlot(event.ExecutionID)
		return fmt.Errorf("failed to persist dispatch record: %w", err)
	}

	accepted, execErr := plugin.ExecuteTask(ctx, event)
	if execErr != nil || !accepted {
		d.releaseSlot(event.ExecutionID)
		errMsg := "plugin did not accept the task"
		if execErr != nil {
			errMsg = execErr.Error()
		}
		logger.Error("plugin execution failed", "error", errMsg)
		d.updateRecordStatus(ctx, record, radflow.TaskStatusFailed)
		return d.publishUpdate(ctx, &radflow.TaskUpdateEvent{
			CorrelationID:      event.CorrelationID,
			ExecutionID:        event.ExecutionID,
			WorkflowInstanceID: event.WorkflowInstanceID,
			TaskID:             event.TaskID,
			Status:             radflow.TaskStatusFailed,
			Reason:             radflow.FailureReasonPluginError,
			ErrorMessage:       errMsg,
		})
	}

	d.updateRecordStatus(ctx, record, radflow.TaskStatusAccepted)
	logger.Info("task accepted by plugin")
	return d.publishUpdate(ctx, &radflow.TaskUpdateEvent{
		CorrelationID:      event.CorrelationID,
		ExecutionID:        event.ExecutionID,
		WorkflowInstanceID: event.WorkflowInstanceID,
		TaskID:             event.TaskID,
		Status:             radflow.TaskStatusAccepted,
	})
}

// HandleCallback reconciles a plugin callback. Unknown execution ids and
// callbacks for already-terminal records are acknowledged with a warning;
// everything else releases the execution's slot, merges plugin metadata,
// and notifies the orchestrator.
func (d *Dispatcher) HandleCallback(ctx context.Context, event *radflow.TaskCallbackEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	logger := d.logger.With(
		"execution_id", event.ExecutionID,
		"workflow_instance_id", event.WorkflowInstanceID,
		"task_id", event.TaskID,
		"status", event.Status,
	)

	record, err := d.records.GetTaskDispatchEventByExecutionID(ctx, event.ExecutionID)
	if err != nil {
		if errors.Is(err, radflow.ErrNotFound) {
			logger.Warn("callback for unknown execution, ignoring")
			return nil
		}
		return fmt.Errorf("failed to load dispatch record: %w", err)
	}
	if record.Status.IsTerminal() {
		logger.Warn("duplicate callback for finished execution, ignoring")
		return nil
	}
	if !event.Status.IsTerminal() {
		return fmt.Errorf("%w: callback status %q is not terminal",
			radflow.ErrValidationFailed, event.Status)
	}

	d.releaseSlot(event.ExecutionID)

	metadata := event.Metadata
	if event.Status == radflow.TaskStatusSucceeded {
		if plugin, err := d.registry.Get(record.Event.PluginType); err == nil {
			pluginMeta, err := plugin.RetrieveMetadata(ctx)
			if err != nil {
				logger.Warn("failed to retrieve plugin metadata", "error", err)
			} else {
				metadata = mergeMetadata(pluginMeta, event.Metadata)
			}
		}
	}

	record.Status = event.Status
	d.updateRecordStatus(ctx, record, event.Status)

	reason := radflow.FailureReasonNone
	switch event.Status {
	case radflow.TaskStatusFailed:
		reason = radflow.FailureReasonPluginError
	case radflow.TaskStatusTimedOut:
		reason = radflow.FailureReasonTimedOut
	}
	return d.publishUpdate(ctx, &radflow.TaskUpdateEvent{
		CorrelationID:      record.Event.CorrelationID,
		ExecutionID:        event.ExecutionID,
		WorkflowInstanceID: record.Event.WorkflowInstanceID,
		TaskID:             record.Event.TaskID,
		Status:             event.Status,
		Reason:             reason,
		ErrorMessage:       event.ErrorMessage,
		ExecutionStats:     event.ExecutionStats,
		Metadata:           metadata,
		Outputs:            event.Outputs,
	})
}

// HandleCancellation forwards a cancellation to the owning plugin,
// best-effort, and frees the execution's slot. No update event is
// published here: the forced transition is recorded by whoever requested
// the cancellation.
func (d *Dispatcher) HandleCancellation(ctx context.Context, event *radflow.TaskCancellationEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	logger := d.logger.With(
		"execution_id", event.ExecutionID,
		"workflow_instance_id", event.WorkflowInstanceID,
		"task_id", event.TaskID,
	)

	record, err := d.records.GetTaskDispatchEventByExecutionID(ctx, event.ExecutionID)
	if err != nil {
		if errors.Is(err, radflow.ErrNotFound) {
			logger.Warn("cancellation for unknown execution, ignoring")
			return nil
		}
		return fmt.Errorf("failed to load dispatch record: %w", err)
	}

	if plugin, err := d.registry.Get(record.Event.PluginType); err == nil {
		if err := plugin.CancelTask(ctx, event); err != nil {
			logger.Warn("plugin cancellation failed", "error", err)
		}
	}

	d.releaseSlot(event.ExecutionID)
	if !record.Status.IsTerminal() {
		d.updateRecordStatus(ctx, record, radflow.TaskStatusCancelled)
	}
	logger.Info("task cancellation processed", "reason", event.Reason)
	return nil
}

// UpdateTaskPluginArgs merges arguments into a live execution's dispatch
// record. Used when backend parameters change while work is in flight.
func (d *Dispatcher) UpdateTaskPluginArgs(ctx context.Context, executionID string, args map[string]string) (*radflow.TaskDispatchEventInfo, error) {
	record, err := d.records.GetTaskDispatchEventByExecutionID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.Event.Args == nil {
		record.Event.Args = make(map[string]string, len(args))
	}
	for k, v := range args {
		record.Event.Args[k] = v
	}
	if err := d.records.UpdateTaskDispatchEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to update dispatch record: %w", err)
	}
	return record, nil
}

func (d *Dispatcher) acquireSlot(executionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.slots[executionID]; held {
		return nil
	}
	select {
	case d.semaphore <- struct{}{}:
		d.slots[executionID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("max concurrent jobs (%d) reached: %w",
			cap(d.semaphore), radflow.ErrCapacityExceeded)
	}
}

func (d *Dispatcher) releaseSlot(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.slots[executionID]; !held {
		return
	}
	delete(d.slots, executionID)
	<-d.semaphore
}

func (d *Dispatcher) updateRecordStatus(ctx context.Context, record *radflow.TaskDispatchEventInfo, status radflow.TaskStatus) {
	record.Status = status
	if err := d.records.UpdateTaskDispatchEvent(ctx, record); err != nil {
		d.logger.Warn("failed to update dispatch record",
			"execution_id", record.Event.ExecutionID, "error", err)
	}
}

// publishUpdate sends a task update to the orchestrator, retrying
// transient bus failures.
func (d *Dispatcher) publishUpdate(ctx context.Context, update *radflow.TaskUpdateEvent) error {
	msg, err := radflow.NewJSONMessage(update.CorrelationID, update)
	if err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		if err := d.publisher.Publish(ctx, d.updateTopic, msg); err != nil {
			return retry.NewRecoverableError(err)
		}
		return nil
	}, retry.WithBaseWait(100*time.Millisecond))
}

func mergeMetadata(pluginMeta, callbackMeta map[string]any) map[string]any {
	if len(pluginMeta) == 0 {
		return callbackMeta
	}
	merged := make(map[string]any, len(pluginMeta)+len(callbackMeta))
	for k, v := range pluginMeta {
		merged[k] = v
	}
	for k, v := range callbackMeta {
		merged[k] = v
	}
	return merged
}
