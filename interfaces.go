package radflow

import "context"

// WorkflowRepository resolves workflow definitions for trigger matching.
// Definitions are authored out-of-band and read-only to the engine.
type WorkflowRepository interface {
	// GetWorkflowsByIDs returns the definitions for the given ids. Missing
	// ids are reported via ErrNotFound.
	GetWorkflowsByIDs(ctx context.Context, ids []string) ([]*WorkflowDefinition, error)

	// GetWorkflowsByAETitle returns every definition whose informatics
	// gateway matches one of the given AE titles.
	GetWorkflowsByAETitle(ctx context.Context, aeTitles []string) ([]*WorkflowDefinition, error)
}

// WorkflowInstanceRepository persists workflow instances and their task
// executions. Implementations must reject task status writes that would
// regress a terminal status (ErrAlreadyTerminal) or skip a transition
// (ErrValidationFailed); this forward-only check is what makes duplicate
// callbacks safe without distributed locks.
type WorkflowInstanceRepository interface {
	CreateWorkflowInstance(ctx context.Context, instance *WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetByWorkflowAndPayload returns the existing instance for a
	// (workflow, payload) pair, used to suppress duplicate triggers.
	GetByWorkflowAndPayload(ctx context.Context, workflowID, payloadID string) (*WorkflowInstance, error)

	// AddTaskExecutions appends newly materialized executions to an instance.
	AddTaskExecutions(ctx context.Context, instanceID string, tasks []*TaskExecution) error

	// UpdateTaskExecution replaces the stored execution, subject to the
	// forward-only status check.
	UpdateTaskExecution(ctx context.Context, instanceID string, task *TaskExecution) error

	// UpdateTaskStatus advances one execution's status.
	UpdateTaskStatus(ctx context.Context, instanceID, executionID string, status TaskStatus) error

	// UpdateInstanceStatus records the derived overall status.
	UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) error

	// ListLiveTaskExecutions returns every execution currently Dispatched or
	// Accepted, across all instances. Consumed by the timeout monitor.
	ListLiveTaskExecutions(ctx context.Context) ([]*TaskExecution, error)
}

// TaskDispatchRepository persists dispatch records keyed by execution id.
type TaskDispatchRepository interface {
	GetTaskDispatchEventByExecutionID(ctx context.Context, executionID string) (*TaskDispatchEventInfo, error)
	SaveTaskDispatchEvent(ctx context.Context, info *TaskDispatchEventInfo) error
	UpdateTaskDispatchEvent(ctx context.Context, info *TaskDispatchEventInfo) error
	DeleteTaskDispatchEvent(ctx context.Context, executionID string) error
}

// Publisher sends messages to a topic with at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *Message) error
}

// Handler consumes one delivered message. Returning nil acknowledges the
// message. A validation error (IsValidation) rejects it permanently; any
// other error negatively acknowledges it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Subscriber registers a handler for a topic.
type Subscriber interface {
	Subscribe(topic string, handler Handler)
}

// Plugin is the contract every executor backend satisfies: container
// orchestrators, container runtimes, and human-review queues. Plugins run
// out of process; completion always arrives later as a TaskCallbackEvent,
// never as a return value.
type Plugin interface {
	// ExecuteTask submits the execution to the backend. The returned bool
	// reports whether the backend accepted the work.
	ExecuteTask(ctx context.Context, event *TaskDispatchEvent) (accepted bool, err error)

	// GetStatus polls the backend for the current state of an execution.
	GetStatus(ctx context.Context, executionID string) (TaskStatus, error)

	// RetrieveMetadata returns backend-provided result metadata, merged into
	// the task's result after a successful callback.
	RetrieveMetadata(ctx context.Context) (map[string]any, error)

	// CancelTask asks the backend to stop an execution. Best-effort: the
	// engine's forced transition stands regardless of the outcome.
	CancelTask(ctx context.Context, event *TaskCancellationEvent) error
}
