package radflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// FailureReason qualifies a terminal task update.
type FailureReason string

const (
	FailureReasonNone           FailureReason = ""
	FailureReasonPluginError    FailureReason = "plugin_error"
	FailureReasonTimedOut       FailureReason = "timed_out"
	FailureReasonInvalidMessage FailureReason = "invalid_message"
	FailureReasonExternal       FailureReason = "external"
)

// Storage describes a bucket-relative location of task artifacts.
type Storage struct {
	Name             string `json:"name,omitempty"`
	Bucket           string `json:"bucket"`
	RelativeRootPath string `json:"relative_root_path"`
}

// WorkflowRequestEvent is the trigger: a new imaging payload has arrived and
// zero or more workflows should be instantiated against it. An empty
// Workflows list means matching is done by AE title.
type WorkflowRequestEvent struct {
	PayloadID      string            `json:"payload_id"`
	CorrelationID  string            `json:"correlation_id"`
	Bucket         string            `json:"bucket"`
	CallingAETitle string            `json:"calling_ae_title,omitempty"`
	CalledAETitle  string            `json:"called_ae_title,omitempty"`
	Workflows      []string          `json:"workflows,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required trigger fields.
func (e *WorkflowRequestEvent) Validate() error {
	if e.PayloadID == "" {
		return fmt.Errorf("%w: payload id is required", ErrValidationFailed)
	}
	if e.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrValidationFailed)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: correlation id is required", ErrValidationFailed)
	}
	if len(e.Workflows) == 0 && e.CalledAETitle == "" && e.CallingAETitle == "" {
		return fmt.Errorf("%w: either workflow ids or an ae title is required", ErrValidationFailed)
	}
	return nil
}

// TaskDispatchEvent asks the dispatcher to run one task execution on its
// plugin. It correlates the execution to a specific plugin invocation.
type TaskDispatchEvent struct {
	CorrelationID       string            `json:"correlation_id"`
	ExecutionID         string            `json:"execution_id"`
	WorkflowInstanceID  string            `json:"workflow_instance_id"`
	TaskID              string            `json:"task_id"`
	PayloadID           string            `json:"payload_id"`
	PluginType          string            `json:"plugin_type"`
	Args                map[string]string `json:"args,omitempty"`
	Inputs              []Storage         `json:"inputs,omitempty"`
	Outputs             []Storage         `json:"outputs,omitempty"`
	IntermediateStorage *Storage          `json:"intermediate_storage,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	TimeoutSeconds      int64             `json:"timeout_seconds,omitempty"`
}

// Validate checks the correlation keys required to reconcile the dispatch.
func (e *TaskDispatchEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrValidationFailed)
	}
	if e.WorkflowInstanceID == "" {
		return fmt.Errorf("%w: workflow instance id is required", ErrValidationFailed)
	}
	if e.TaskID == "" {
		return fmt.Errorf("%w: task id is required", ErrValidationFailed)
	}
	if e.PluginType == "" {
		return fmt.Errorf("%w: plugin type is required", ErrValidationFailed)
	}
	return nil
}

// TaskCallbackEvent is delivered by a plugin (or the message bus on its
// behalf) when an execution finishes or changes state.
type TaskCallbackEvent struct {
	CorrelationID      string            `json:"correlation_id"`
	ExecutionID        string            `json:"execution_id"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	TaskID             string            `json:"task_id"`
	Status             TaskStatus        `json:"status"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	ExecutionStats     map[string]string `json:"execution_stats,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Outputs            []Storage         `json:"outputs,omitempty"`
}

// Validate checks the correlation keys and status.
func (e *TaskCallbackEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrValidationFailed)
	}
	if e.Status == "" {
		return fmt.Errorf("%w: status is required", ErrValidationFailed)
	}
	return nil
}

// TaskUpdateEvent carries a task state transition to the orchestrator. The
// dispatcher emits one per reconciled callback; the timeout monitor emits
// forced updates with reason timed_out.
type TaskUpdateEvent struct {
	CorrelationID      string            `json:"correlation_id"`
	ExecutionID        string            `json:"execution_id"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	TaskID             string            `json:"task_id"`
	Status             TaskStatus        `json:"status"`
	Reason             FailureReason     `json:"reason,omitempty"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	ExecutionStats     map[string]string `json:"execution_stats,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Outputs            []Storage         `json:"outputs,omitempty"`
}

// Validate checks the correlation keys and status.
func (e *TaskUpdateEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrValidationFailed)
	}
	if e.WorkflowInstanceID == "" {
		return fmt.Errorf("%w: workflow instance id is required", ErrValidationFailed)
	}
	if e.TaskID == "" {
		return fmt.Errorf("%w: task id is required", ErrValidationFailed)
	}
	if e.Status == "" {
		return fmt.Errorf("%w: status is required", ErrValidationFailed)
	}
	return nil
}

// TaskCancellationEvent asks the owning plugin to stop an execution.
// Cancellation is advisory: the forced status transition recorded by the
// orchestrator is authoritative regardless of whether the plugin complies.
type TaskCancellationEvent struct {
	ExecutionID        string `json:"execution_id"`
	WorkflowInstanceID string `json:"workflow_instance_id"`
	TaskID             string `json:"task_id"`
	Identity           string `json:"identity,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// Validate checks the correlation keys.
func (e *TaskCancellationEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrValidationFailed)
	}
	if e.WorkflowInstanceID == "" {
		return fmt.Errorf("%w: workflow instance id is required", ErrValidationFailed)
	}
	return nil
}

// TaskDispatchEventInfo wraps a dispatch event with dispatcher-local
// bookkeeping. It is the unit persisted for recovery and the idempotency
// record keyed by execution id.
type TaskDispatchEventInfo struct {
	Event      TaskDispatchEvent `json:"event"`
	Status     TaskStatus        `json:"status"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the dispatch record.
func (i *TaskDispatchEventInfo) Clone() *TaskDispatchEventInfo {
	clone := *i
	clone.Event.Args = copyStringMap(i.Event.Args)
	if i.Event.Metadata != nil {
		clone.Event.Metadata = make(map[string]any, len(i.Event.Metadata))
		for k, v := range i.Event.Metadata {
			clone.Event.Metadata[k] = v
		}
	}
	clone.Event.Inputs = append([]Storage(nil), i.Event.Inputs...)
	clone.Event.Outputs = append([]Storage(nil), i.Event.Outputs...)
	return &clone
}

// Message is the broker envelope. Event payloads are JSON-encoded in Body.
type Message struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Body          []byte    `json:"body"`
}

// NewJSONMessage wraps an event in a broker message.
func NewJSONMessage(correlationID string, event any) (*Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}
	return &Message{
		ID:            NewID(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}, nil
}

// DecodeJSONMessage decodes a message body into the given event. A decode
// failure is a validation error: the message is malformed and must not be
// redelivered.
func DecodeJSONMessage(msg *Message, event any) error {
	if err := json.Unmarshal(msg.Body, event); err != nil {
		return fmt.Errorf("%w: failed to decode message body: %v", ErrValidationFailed, err)
	}
	return nil
}
