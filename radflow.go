// Package radflow contains the shared data model for the clinical-imaging
// workflow orchestration engine: workflow definitions, workflow instances,
// task executions, their status machines, and the wire events exchanged with
// execution plugins over the message bus.
package radflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a single TaskExecution.
type TaskStatus string

const (
	TaskStatusCreated     TaskStatus = "created"
	TaskStatusDispatched  TaskStatus = "dispatched"
	TaskStatusAccepted    TaskStatus = "accepted"
	TaskStatusSucceeded   TaskStatus = "succeeded"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusPartialFail TaskStatus = "partial_fail"
	TaskStatusCancelled   TaskStatus = "cancelled"
	TaskStatusTimedOut    TaskStatus = "timed_out"
)

// IsTerminal reports whether the status is final. A terminal TaskExecution is
// never mutated again; late callbacks against it are logged and discarded.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusPartialFail,
		TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a valid forward
// transition. Statuses only ever advance: Created -> Dispatched -> Accepted ->
// terminal. A plugin that completes before acknowledging may skip Accepted,
// so Dispatched -> terminal is also permitted, as is Created -> terminal for
// dispatch failures.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case TaskStatusCreated:
		return next == TaskStatusDispatched || next.IsTerminal()
	case TaskStatusDispatched:
		return next == TaskStatusAccepted || next.IsTerminal()
	case TaskStatusAccepted:
		return next.IsTerminal()
	}
	return false
}

// InstanceStatus represents the overall state of a WorkflowInstance, derived
// from the states of its task executions.
type InstanceStatus string

const (
	InstanceStatusCreated     InstanceStatus = "created"
	InstanceStatusInProgress  InstanceStatus = "in_progress"
	InstanceStatusSucceeded   InstanceStatus = "succeeded"
	InstanceStatusFailed      InstanceStatus = "failed"
	InstanceStatusPartialFail InstanceStatus = "partial_fail"
	InstanceStatusCancelled   InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance has reached a final state.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed,
		InstanceStatusPartialFail, InstanceStatusCancelled:
		return true
	}
	return false
}

// Artifact declares a named input or output of a task node. Value is a
// storage reference, typically a context variable such as
// {{ context.input.dicom }} or {{ context.executions.stage1.output_dir }}.
// An empty output Value resolves to the task's own output directory.
type Artifact struct {
	Name      string `json:"name" yaml:"name"`
	Value     string `json:"value" yaml:"value"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`
}

// ArtifactMap groups the declared inputs and outputs of a task node.
type ArtifactMap struct {
	Input  []Artifact `json:"input,omitempty" yaml:"input,omitempty"`
	Output []Artifact `json:"output,omitempty" yaml:"output,omitempty"`
}

// Branch is an outgoing edge of a task node. After the node reaches a
// terminal state, Condition is evaluated against the instance context; when
// it holds (or is empty, meaning unconditional) each destination task id is
// materialized as a new TaskExecution.
type Branch struct {
	Condition    string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Destinations []string `json:"destinations" yaml:"destinations"`
}

// TaskTemplate is a reusable task body shared between nodes of a definition.
// A TaskNode referencing a template via Ref inherits the template's plugin
// type, arguments, artifacts, and timeout, and may override arguments.
type TaskTemplate struct {
	ID             string            `json:"id" yaml:"id"`
	Type           string            `json:"type" yaml:"type"`
	Args           map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Artifacts      ArtifactMap       `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// RouterTaskType is the reserved plugin type for routing nodes. A router
// performs no work and is never dispatched: its branches are evaluated
// immediately when the node is materialized.
const RouterTaskType = "router"

// TaskNode is one node of a workflow definition DAG.
type TaskNode struct {
	ID             string            `json:"id" yaml:"id"`
	Type           string            `json:"type,omitempty" yaml:"type,omitempty"`
	Ref            string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Args           map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Artifacts      ArtifactMap       `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Branches       []Branch          `json:"branches,omitempty" yaml:"branches,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// InformaticsGateway carries the DICOM routing attributes of a definition.
// Triggers that name no explicit workflow ids are matched by AE title.
type InformaticsGateway struct {
	AETitle            string   `json:"ae_title" yaml:"ae_title"`
	DataOrigins        []string `json:"data_origins,omitempty" yaml:"data_origins,omitempty"`
	ExportDestinations []string `json:"export_destinations,omitempty" yaml:"export_destinations,omitempty"`
}

// WorkflowDefinition is a static DAG of task nodes, authored out-of-band and
// read-only to the engine.
type WorkflowDefinition struct {
	ID                 string             `json:"id" yaml:"id"`
	Name               string             `json:"name" yaml:"name"`
	Version            string             `json:"version" yaml:"version"`
	Description        string             `json:"description,omitempty" yaml:"description,omitempty"`
	InformaticsGateway InformaticsGateway `json:"informatics_gateway" yaml:"informatics_gateway"`
	TaskTemplates      []TaskTemplate     `json:"task_templates,omitempty" yaml:"task_templates,omitempty"`
	Tasks              []TaskNode         `json:"tasks" yaml:"tasks"`
}

// Task returns the node with the given id.
func (d *WorkflowDefinition) Task(id string) (*TaskNode, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Template returns the task template with the given id.
func (d *WorkflowDefinition) Template(id string) (*TaskTemplate, bool) {
	for i := range d.TaskTemplates {
		if d.TaskTemplates[i].ID == id {
			return &d.TaskTemplates[i], true
		}
	}
	return nil, false
}

// ResolveTask returns a copy of the node with any template reference applied.
// Node-level arguments override template arguments; artifacts and timeout
// fall back to the template when the node leaves them empty.
func (d *WorkflowDefinition) ResolveTask(id string) (*TaskNode, error) {
	node, ok := d.Task(id)
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	resolved := *node
	if node.Ref == "" {
		return &resolved, nil
	}
	tmpl, ok := d.Template(node.Ref)
	if !ok {
		return nil, fmt.Errorf("task %q references unknown template %q: %w", id, node.Ref, ErrNotFound)
	}
	if resolved.Type == "" {
		resolved.Type = tmpl.Type
	}
	if resolved.TimeoutSeconds == 0 {
		resolved.TimeoutSeconds = tmpl.TimeoutSeconds
	}
	if len(resolved.Artifacts.Input) == 0 && len(resolved.Artifacts.Output) == 0 {
		resolved.Artifacts = tmpl.Artifacts
	}
	args := make(map[string]string, len(tmpl.Args)+len(node.Args))
	for k, v := range tmpl.Args {
		args[k] = v
	}
	for k, v := range node.Args {
		args[k] = v
	}
	resolved.Args = args
	return &resolved, nil
}

// RootTasks returns the nodes that no branch targets. These are the entry
// points materialized when an instance is created.
func (d *WorkflowDefinition) RootTasks() []TaskNode {
	targeted := make(map[string]bool)
	for _, task := range d.Tasks {
		for _, branch := range task.Branches {
			for _, dest := range branch.Destinations {
				targeted[dest] = true
			}
		}
	}
	var roots []TaskNode
	for _, task := range d.Tasks {
		if !targeted[task.ID] {
			roots = append(roots, task)
		}
	}
	return roots
}

// TaskExecution is a single dispatch attempt of a task node within a
// workflow instance. Executions are append-only: they are created, advanced
// through the status machine, and never deleted.
type TaskExecution struct {
	ExecutionID        string            `json:"execution_id"`
	TaskID             string            `json:"task_id"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	PluginType         string            `json:"plugin_type"`
	PluginArgs         map[string]string `json:"plugin_args,omitempty"`
	InputArtifacts     map[string]string `json:"input_artifacts,omitempty"`
	OutputDirectory    string            `json:"output_directory"`
	OutputArtifacts    map[string]string `json:"output_artifacts,omitempty"`
	Status             TaskStatus        `json:"status"`
	TaskStartTime      time.Time         `json:"task_start_time"`
	TimeoutSeconds     int64             `json:"timeout_seconds"`
	ExecutionStats     map[string]string `json:"execution_stats,omitempty"`
	PreviousTaskID     string            `json:"previous_task_id,omitempty"`
	ResultMetadata     map[string]any    `json:"result_metadata,omitempty"`
	ErrorMessage       string            `json:"error_message,omitempty"`
}

// Deadline returns the time after which the execution is considered stalled,
// or false when timeouts are disabled (TimeoutSeconds <= 0).
func (t *TaskExecution) Deadline() (time.Time, bool) {
	if t.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}
	return t.TaskStartTime.Add(time.Duration(t.TimeoutSeconds) * time.Second), true
}

// Clone returns a deep copy of the execution.
func (t *TaskExecution) Clone() *TaskExecution {
	clone := *t
	clone.PluginArgs = copyStringMap(t.PluginArgs)
	clone.InputArtifacts = copyStringMap(t.InputArtifacts)
	clone.OutputArtifacts = copyStringMap(t.OutputArtifacts)
	clone.ExecutionStats = copyStringMap(t.ExecutionStats)
	if t.ResultMetadata != nil {
		clone.ResultMetadata = make(map[string]any, len(t.ResultMetadata))
		for k, v := range t.ResultMetadata {
			clone.ResultMetadata[k] = v
		}
	}
	return &clone
}

// WorkflowInstance is one run of a workflow definition against a payload.
type WorkflowInstance struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion string            `json:"workflow_version,omitempty"`
	PayloadID       string            `json:"payload_id"`
	CorrelationID   string            `json:"correlation_id"`
	Bucket          string            `json:"bucket"`
	AETitle         string            `json:"ae_title,omitempty"`
	Status          InstanceStatus    `json:"status"`
	StartTime       time.Time         `json:"start_time"`
	Tasks           []*TaskExecution  `json:"tasks"`
	InputMetadata   map[string]string `json:"input_metadata,omitempty"`
}

// TaskByID returns the latest execution of the given task id.
func (w *WorkflowInstance) TaskByID(taskID string) (*TaskExecution, bool) {
	for i := len(w.Tasks) - 1; i >= 0; i-- {
		if w.Tasks[i].TaskID == taskID {
			return w.Tasks[i], true
		}
	}
	return nil, false
}

// TaskByExecutionID returns the execution with the given execution id.
func (w *WorkflowInstance) TaskByExecutionID(executionID string) (*TaskExecution, bool) {
	for _, task := range w.Tasks {
		if task.ExecutionID == executionID {
			return task, true
		}
	}
	return nil, false
}

// DeriveStatus computes the overall instance status from its executions.
// The instance is terminal only when every execution is terminal: all
// succeeded means Succeeded, a mix of failures and successes means
// PartialFail, failures with no successes means Failed, and all cancelled
// means Cancelled.
func (w *WorkflowInstance) DeriveStatus() InstanceStatus {
	if len(w.Tasks) == 0 {
		return InstanceStatusCreated
	}
	var succeeded, failed, cancelled int
	for _, task := range w.Tasks {
		if !task.Status.IsTerminal() {
			return InstanceStatusInProgress
		}
		switch task.Status {
		case TaskStatusSucceeded:
			succeeded++
		case TaskStatusCancelled:
			cancelled++
		default:
			failed++
		}
	}
	switch {
	case failed == 0 && cancelled == 0:
		return InstanceStatusSucceeded
	case failed > 0 && succeeded > 0:
		return InstanceStatusPartialFail
	case failed > 0:
		return InstanceStatusFailed
	case succeeded > 0:
		return InstanceStatusPartialFail
	default:
		return InstanceStatusCancelled
	}
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	clone := *w
	clone.InputMetadata = copyStringMap(w.InputMetadata)
	clone.Tasks = make([]*TaskExecution, len(w.Tasks))
	for i, task := range w.Tasks {
		clone.Tasks[i] = task.Clone()
	}
	return &clone
}

// NewID returns a new unique identifier. Used for workflow instance ids,
// execution ids, and correlation ids.
func NewID() string {
	return uuid.NewString()
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
