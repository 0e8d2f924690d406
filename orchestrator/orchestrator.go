// Package orchestrator implements the workflow state machine: it turns
// trigger events into workflow instances, advances instances as task
// updates arrive, and requests dispatch of every task that becomes ready.
//
// All durable state lives behind the repository interfaces; the only
// in-process coordination is a keyed mutex serializing updates per
// workflow instance. Dispatch requests are published only after that lock
// is released, so a bus that delivers synchronously (the in-process
// broker) cannot re-enter the orchestrator while it holds an instance
// lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/condition"
	"github.com/deepnoodle-ai/radflow/retry"
	"github.com/deepnoodle-ai/radflow/slogger"
)

// Orchestrator drives workflow instances from trigger to terminal status.
type Orchestrator struct {
	workflows             radflow.WorkflowRepository
	instances             radflow.WorkflowInstanceRepository
	publisher             radflow.Publisher
	dispatchTopic         string
	defaultTimeoutSeconds int64
	logger                slogger.Logger
	locks                 *keyedMutex
}

// Options configures an Orchestrator.
type Options struct {
	Workflows                 radflow.WorkflowRepository
	Instances                 radflow.WorkflowInstanceRepository
	Publisher                 radflow.Publisher
	DispatchTopic             string
	DefaultTaskTimeoutSeconds int64
	Logger                    slogger.Logger
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Workflows == nil {
		return nil, errors.New("workflow repository is required")
	}
	if opts.Instances == nil {
		return nil, errors.New("instance repository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.DispatchTopic == "" {
		return nil, errors.New("dispatch topic is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Orchestrator{
		workflows:             opts.Workflows,
		instances:             opts.Instances,
		publisher:             opts.Publisher,
		dispatchTopic:         opts.DispatchTopic,
		defaultTimeoutSeconds: opts.DefaultTaskTimeoutSeconds,
		logger:                logger,
		locks:                 newKeyedMutex(),
	}, nil
}

// ProcessRequest instantiates every workflow matched by a trigger. Each
// matched definition gets its own instance; a failure constructing one
// instance aborts only that definition. Redelivered triggers are
// suppressed per (workflow, payload) pair.
func (o *Orchestrator) ProcessRequest(ctx context.Context, event *radflow.WorkflowRequestEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	logger := o.logger.With(
		"payload_id", event.PayloadID,
		"correlation_id", event.CorrelationID,
	)

	defs, err := o.matchDefinitions(ctx, event)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		logger.Warn("no workflows matched trigger",
			"workflows", event.Workflows,
			"called_ae_title", event.CalledAETitle,
			"calling_ae_title", event.CallingAETitle)
		return nil
	}

	var pending []*radflow.TaskDispatchEvent
	for _, def := range defs {
		dispatches, err := o.instantiate(ctx, def, event)
		if err != nil {
			logger.Error("failed to instantiate workflow",
				"workflow_id", def.ID, "error", err)
			continue
		}
		pending = append(pending, dispatches...)
	}
	return o.publishAll(ctx, pending)
}

// ProcessTaskUpdate advances an instance after a task status change. The
// instance lock is held while state is applied and released before any
// dispatch request is published.
func (o *Orchestrator) ProcessTaskUpdate(ctx context.Context, event *radflow.TaskUpdateEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	pending, err := o.applyTaskUpdate(ctx, event)
	if err != nil {
		return err
	}
	return o.publishAll(ctx, pending)
}

func (o *Orchestrator) matchDefinitions(ctx context.Context, event *radflow.WorkflowRequestEvent) ([]*radflow.WorkflowDefinition, error) {
	if len(event.Workflows) > 0 {
		var defs []*radflow.WorkflowDefinition
		for _, id := range event.Workflows {
			found, err := o.workflows.GetWorkflowsByIDs(ctx, []string{id})
			if err != nil {
				if errors.Is(err, radflow.ErrNotFound) {
					o.logger.Warn("trigger references unknown workflow",
						"workflow_id", id, "payload_id", event.PayloadID)
					continue
				}
				return nil, fmt.Errorf("failed to look up workflow %q: %w", id, err)
			}
			defs = append(defs, found...)
		}
		return defs, nil
	}

	var titles []string
	if event.CalledAETitle != "" {
		titles = append(titles, event.CalledAETitle)
	}
	if event.CallingAETitle != "" {
		titles = append(titles, event.CallingAETitle)
	}
	defs, err := o.workflows.GetWorkflowsByAETitle(ctx, titles)
	if err != nil {
		return nil, fmt.Errorf("failed to match workflows by ae title: %w", err)
	}
	return defs, nil
}

func (o *Orchestrator) instantiate(ctx context.Context, def *radflow.WorkflowDefinition, event *radflow.WorkflowRequestEvent) ([]*radflow.TaskDispatchEvent, error) {
	if existing, err := o.instances.GetByWorkflowAndPayload(ctx, def.ID, event.PayloadID); err == nil {
		o.logger.Warn("duplicate trigger for workflow and payload, skipping",
			"workflow_id", def.ID,
			"payload_id", event.PayloadID,
			"workflow_instance_id", existing.ID)
		return nil, nil
	} else if !errors.Is(err, radflow.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for existing instance: %w", err)
	}

	roots := def.RootTasks()
	if len(roots) == 0 {
		return nil, fmt.Errorf("workflow %q has no root tasks: %w", def.ID, radflow.ErrValidationFailed)
	}

	instance := &radflow.WorkflowInstance{
		ID:              radflow.NewID(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		PayloadID:       event.PayloadID,
		CorrelationID:   event.CorrelationID,
		Bucket:          event.Bucket,
		AETitle:         def.InformaticsGateway.AETitle,
		Status:          radflow.InstanceStatusCreated,
		StartTime:       time.Now().UTC(),
		InputMetadata:   event.Metadata,
	}

	rootIDs := make([]string, len(roots))
	for i, root := range roots {
		rootIDs[i] = root.ID
	}
	dispatchable, deadEnd, err := o.materialize(instance, def, rootIDs, nil)
	if err != nil {
		return nil, err
	}
	if err := o.instances.CreateWorkflowInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to persist workflow instance: %w", err)
	}
	o.logger.Info("workflow instance created",
		"workflow_instance_id", instance.ID,
		"workflow_id", def.ID,
		"payload_id", event.PayloadID,
		"tasks", len(instance.Tasks))

	dispatches, err := o.markDispatched(ctx, instance, dispatchable)
	if err != nil {
		return dispatches, err
	}
	o.syncInstanceStatus(ctx, instance, deadEnd)
	return dispatches, nil
}

func (o *Orchestrator) applyTaskUpdate(ctx context.Context, event *radflow.TaskUpdateEvent) ([]*radflow.TaskDispatchEvent, error) {
	unlock := o.locks.Lock(event.WorkflowInstanceID)
	defer unlock()

	logger := o.logger.With(
		"workflow_instance_id", event.WorkflowInstanceID,
		"execution_id", event.ExecutionID,
		"task_id", event.TaskID,
		"status", event.Status,
	)

	instance, err := o.instances.GetWorkflowInstance(ctx, event.WorkflowInstanceID)
	if err != nil {
		if errors.Is(err, radflow.ErrNotFound) {
			logger.Warn("update for unknown workflow instance, ignoring")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow instance: %w", err)
	}
	task, ok := instance.TaskByExecutionID(event.ExecutionID)
	if !ok {
		logger.Warn("update for unknown execution, ignoring")
		return nil, nil
	}
	if task.Status == event.Status {
		logger.Debug("duplicate task update, ignoring")
		return nil, nil
	}
	if task.Status.IsTerminal() {
		// Late callback after a forced timeout, or a redelivered final
		// update. The terminal record is authoritative.
		logger.Warn("late update for finished task, ignoring", "current_status", task.Status)
		return nil, nil
	}
	if !task.Status.CanTransitionTo(event.Status) {
		logger.Warn("invalid status transition, ignoring", "current_status", task.Status)
		return nil, nil
	}

	applyUpdateToTask(task, event)
	if err := o.instances.UpdateTaskExecution(ctx, instance.ID, task); err != nil {
		if errors.Is(err, radflow.ErrAlreadyTerminal) || radflow.IsValidation(err) {
			logger.Warn("store rejected status transition, ignoring", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to persist task update: %w", err)
	}
	logger.Info("task status updated")

	if !event.Status.IsTerminal() {
		o.syncInstanceStatus(ctx, instance, false)
		return nil, nil
	}
	return o.advance(ctx, instance, task, logger)
}

// advance evaluates the completed task's branches, materializes matching
// destinations, and recomputes the instance status.
func (o *Orchestrator) advance(ctx context.Context, instance *radflow.WorkflowInstance, task *radflow.TaskExecution, logger slogger.Logger) ([]*radflow.TaskDispatchEvent, error) {
	def, err := o.definition(ctx, instance.WorkflowID)
	if err != nil {
		logger.Error("failed to load workflow definition", "error", err)
		o.syncInstanceStatus(ctx, instance, false)
		return nil, nil
	}
	node, ok := def.Task(task.TaskID)
	if !ok {
		logger.Warn("completed task no longer in definition")
		o.syncInstanceStatus(ctx, instance, false)
		return nil, nil
	}

	destinations, deadEnd := o.evaluateBranches(instance, def, node)
	var dispatches []*radflow.TaskDispatchEvent
	if len(destinations) > 0 {
		before := len(instance.Tasks)
		dispatchable, moreDead, err := o.materialize(instance, def, destinations, task)
		deadEnd = deadEnd || moreDead
		if err != nil {
			logger.Error("failed to materialize downstream tasks", "error", err)
			deadEnd = true
		} else if created := instance.Tasks[before:]; len(created) > 0 {
			if err := o.instances.AddTaskExecutions(ctx, instance.ID, created); err != nil {
				return nil, fmt.Errorf("failed to persist downstream tasks: %w", err)
			}
			dispatches, err = o.markDispatched(ctx, instance, dispatchable)
			if err != nil {
				return dispatches, err
			}
		}
	}
	if deadEnd {
		logger.Info("no branch matched, path terminated", "task_id", task.TaskID)
	}
	o.syncInstanceStatus(ctx, instance, deadEnd)
	return dispatches, nil
}

type workItem struct {
	taskID   string
	previous *radflow.TaskExecution
}

// materialize creates executions for the given task ids, expanding router
// nodes in place: a router is marked Succeeded immediately and its
// matching branch destinations join the worklist. Returns the executions
// that need dispatching; everything created is appended to instance.Tasks.
func (o *Orchestrator) materialize(instance *radflow.WorkflowInstance, def *radflow.WorkflowDefinition, taskIDs []string, previous *radflow.TaskExecution) (dispatchable []*radflow.TaskExecution, deadEnd bool, err error) {
	queue := make([]workItem, 0, len(taskIDs))
	for _, id := range taskIDs {
		queue = append(queue, workItem{taskID: id, previous: previous})
	}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if _, exists := instance.TaskByID(item.taskID); exists {
			o.logger.Debug("task already materialized, skipping",
				"task_id", item.taskID, "workflow_instance_id", instance.ID)
			continue
		}
		node, err := def.ResolveTask(item.taskID)
		if err != nil {
			return nil, false, err
		}
		inputs, err := resolveInputArtifacts(instance, node, item.previous)
		if err != nil {
			return nil, false, err
		}

		executionID := radflow.NewID()
		exec := &radflow.TaskExecution{
			ExecutionID:        executionID,
			TaskID:             node.ID,
			WorkflowInstanceID: instance.ID,
			PluginType:         node.Type,
			PluginArgs:         node.Args,
			InputArtifacts:     inputs,
			OutputDirectory:    outputDirectory(instance, executionID),
			Status:             radflow.TaskStatusCreated,
			TimeoutSeconds:     o.taskTimeout(node),
		}
		if item.previous != nil {
			exec.PreviousTaskID = item.previous.TaskID
		}
		instance.Tasks = append(instance.Tasks, exec)

		if node.Type == radflow.RouterTaskType {
			exec.Status = radflow.TaskStatusSucceeded
			exec.TaskStartTime = time.Now().UTC()
			destinations, routerDead := o.evaluateBranches(instance, def, node)
			deadEnd = deadEnd || routerDead
			for _, dest := range destinations {
				queue = append(queue, workItem{taskID: dest, previous: exec})
			}
			continue
		}
		dispatchable = append(dispatchable, exec)
	}
	return dispatchable, deadEnd, nil
}

// evaluateBranches returns the destinations of every branch whose
// condition holds. deadEnd reports a node that has branches but took none
// of them: its expected downstream work never runs, which fails the
// instance unless some other path failed it first.
func (o *Orchestrator) evaluateBranches(instance *radflow.WorkflowInstance, def *radflow.WorkflowDefinition, node *radflow.TaskNode) (destinations []string, deadEnd bool) {
	if len(node.Branches) == 0 {
		return nil, false
	}
	resolver := condition.NewInstanceContext(instance, def, nil)
	for _, branch := range node.Branches {
		if branch.Condition == "" {
			destinations = append(destinations, branch.Destinations...)
			continue
		}
		group, err := condition.Parse(branch.Condition)
		if err != nil {
			o.logger.Error("invalid branch condition, branch not taken",
				"task_id", node.ID, "condition", branch.Condition, "error", err)
			continue
		}
		outcome := group.Evaluate(resolver)
		if len(outcome.Unresolved) > 0 {
			o.logger.Info("branch condition references unresolved context",
				"task_id", node.ID, "unresolved", outcome.Unresolved)
		}
		if outcome.Value {
			destinations = append(destinations, branch.Destinations...)
		}
	}
	return destinations, len(destinations) == 0
}

// markDispatched moves executions from Created to Dispatched, stamps their
// start time, and builds their dispatch events. The events are returned
// for publishing after the instance lock is released.
func (o *Orchestrator) markDispatched(ctx context.Context, instance *radflow.WorkflowInstance, execs []*radflow.TaskExecution) ([]*radflow.TaskDispatchEvent, error) {
	var events []*radflow.TaskDispatchEvent
	now := time.Now().UTC()
	for _, exec := range execs {
		exec.Status = radflow.TaskStatusDispatched
		exec.TaskStartTime = now
		if err := o.instances.UpdateTaskExecution(ctx, instance.ID, exec); err != nil {
			return events, fmt.Errorf("failed to mark execution %q dispatched: %w", exec.ExecutionID, err)
		}
		events = append(events, o.buildDispatchEvent(instance, exec))
	}
	return events, nil
}

func (o *Orchestrator) buildDispatchEvent(instance *radflow.WorkflowInstance, exec *radflow.TaskExecution) *radflow.TaskDispatchEvent {
	return &radflow.TaskDispatchEvent{
		CorrelationID:      instance.CorrelationID,
		ExecutionID:        exec.ExecutionID,
		WorkflowInstanceID: instance.ID,
		TaskID:             exec.TaskID,
		PayloadID:          instance.PayloadID,
		PluginType:         exec.PluginType,
		Args:               exec.PluginArgs,
		Inputs:             storageInputs(instance.Bucket, exec.InputArtifacts),
		Outputs: []radflow.Storage{{
			Name:             "output",
			Bucket:           instance.Bucket,
			RelativeRootPath: exec.OutputDirectory,
		}},
		IntermediateStorage: &radflow.Storage{
			Name:             "tmp",
			Bucket:           instance.Bucket,
			RelativeRootPath: exec.OutputDirectory + "/.tmp",
		},
		TimeoutSeconds: exec.TimeoutSeconds,
	}
}

// syncInstanceStatus recomputes and persists the instance's derived
// status. A dead-ended path downgrades an otherwise successful instance
// to Failed: work the definition promised never ran.
func (o *Orchestrator) syncInstanceStatus(ctx context.Context, instance *radflow.WorkflowInstance, deadEnd bool) {
	status := instance.DeriveStatus()
	if deadEnd && status == radflow.InstanceStatusSucceeded {
		status = radflow.InstanceStatusFailed
	}
	if status == instance.Status {
		return
	}
	instance.Status = status
	if err := o.instances.UpdateInstanceStatus(ctx, instance.ID, status); err != nil {
		o.logger.Warn("failed to update instance status",
			"workflow_instance_id", instance.ID, "status", status, "error", err)
		return
	}
	if status.IsTerminal() {
		o.logger.Info("workflow instance finished",
			"workflow_instance_id", instance.ID, "status", status)
	}
}

func (o *Orchestrator) definition(ctx context.Context, workflowID string) (*radflow.WorkflowDefinition, error) {
	defs, err := o.workflows.GetWorkflowsByIDs(ctx, []string{workflowID})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, radflow.ErrNotFound)
	}
	return defs[0], nil
}

func (o *Orchestrator) taskTimeout(node *radflow.TaskNode) int64 {
	if node.TimeoutSeconds != 0 {
		return node.TimeoutSeconds
	}
	return o.defaultTimeoutSeconds
}

func (o *Orchestrator) publishAll(ctx context.Context, events []*radflow.TaskDispatchEvent) error {
	var firstErr error
	for _, event := range events {
		if err := o.publishDispatch(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) publishDispatch(ctx context.Context, event *radflow.TaskDispatchEvent) error {
	msg, err := radflow.NewJSONMessage(event.CorrelationID, event)
	if err != nil {
		return err
	}
	o.logger.Info("dispatch requested",
		"execution_id", event.ExecutionID,
		"task_id", event.TaskID,
		"plugin_type", event.PluginType)
	return retry.Do(ctx, func() error {
		if err := o.publisher.Publish(ctx, o.dispatchTopic, msg); err != nil {
			return retry.NewRecoverableError(err)
		}
		return nil
	}, retry.WithBaseWait(100*time.Millisecond))
}

// applyUpdateToTask merges an update's payload into the execution record.
func applyUpdateToTask(task *radflow.TaskExecution, event *radflow.TaskUpdateEvent) {
	task.Status = event.Status
	if event.ErrorMessage != "" {
		task.ErrorMessage = event.ErrorMessage
	}
	if len(event.ExecutionStats) > 0 {
		if task.ExecutionStats == nil {
			task.ExecutionStats = make(map[string]string, len(event.ExecutionStats))
		}
		for k, v := range event.ExecutionStats {
			task.ExecutionStats[k] = v
		}
	}
	if event.Reason != radflow.FailureReasonNone {
		if task.ExecutionStats == nil {
			task.ExecutionStats = make(map[string]string, 1)
		}
		task.ExecutionStats["failure_reason"] = string(event.Reason)
	}
	if len(event.Metadata) > 0 {
		if task.ResultMetadata == nil {
			task.ResultMetadata = make(map[string]any, len(event.Metadata))
		}
		for k, v := range event.Metadata {
			task.ResultMetadata[k] = v
		}
	}
	if outputs := outputArtifactPaths(event.Outputs); outputs != nil {
		task.OutputArtifacts = outputs
	}
}
