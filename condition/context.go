package condition

import (
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/radflow"
)

const (
	executionsPrefix = "context.executions."
	dicomTagsPrefix  = "context.dicom.tags["
	patientPrefix    = "context.input.patient_details."
	workflowPrefix   = "context.workflow."
)

// InstanceContext resolves condition references against a running workflow
// instance. Supported paths:
//
//	context.executions.<task_id>.result.<key>
//	context.executions.<task_id>.{task_id,execution_id,status,output_dir,error_msg,previous_task_id,start_time}
//	context.dicom.tags[('GGGG','EEEE')]
//	context.input.patient_details.<field>
//	context.workflow.{name,description}
//
// DICOM tags and patient details come from the trigger metadata carried on
// the instance, stored under "dicom.GGGG,EEEE" and "patient_details.<field>"
// keys respectively.
type InstanceContext struct {
	Instance   *radflow.WorkflowInstance
	Definition *radflow.WorkflowDefinition
	Metadata   map[string]string
}

// NewInstanceContext builds a resolver for the given instance and its
// definition. Extra metadata overrides the instance's input metadata when
// both carry the same key.
func NewInstanceContext(instance *radflow.WorkflowInstance, definition *radflow.WorkflowDefinition, metadata map[string]string) *InstanceContext {
	return &InstanceContext{Instance: instance, Definition: definition, Metadata: metadata}
}

func (c *InstanceContext) Resolve(path string) (string, bool) {
	path = strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(path, executionsPrefix):
		return c.resolveExecution(strings.TrimPrefix(path, executionsPrefix))
	case strings.HasPrefix(path, dicomTagsPrefix):
		return c.resolveDicomTag(path)
	case strings.HasPrefix(path, patientPrefix):
		return c.lookupMetadata("patient_details." + strings.TrimPrefix(path, patientPrefix))
	case strings.HasPrefix(path, workflowPrefix):
		return c.resolveWorkflow(strings.TrimPrefix(path, workflowPrefix))
	}
	return "", false
}

// resolveExecution resolves <task_id>.<attribute> against the latest
// execution of that task on the instance.
func (c *InstanceContext) resolveExecution(rest string) (string, bool) {
	if c.Instance == nil {
		return "", false
	}
	taskID, attribute, found := strings.Cut(rest, ".")
	if !found || taskID == "" || attribute == "" {
		return "", false
	}
	task, ok := c.Instance.TaskByID(taskID)
	if !ok {
		return "", false
	}
	if key, isResult := strings.CutPrefix(attribute, "result."); isResult {
		value, ok := task.ResultMetadata[key]
		if !ok {
			return "", false
		}
		return stringify(value), true
	}
	switch attribute {
	case "task_id":
		return task.TaskID, true
	case "execution_id":
		return task.ExecutionID, true
	case "status":
		return string(task.Status), true
	case "output_dir":
		return task.OutputDirectory, true
	case "error_msg":
		return task.ErrorMessage, true
	case "previous_task_id":
		return task.PreviousTaskID, true
	case "start_time":
		return task.TaskStartTime.UTC().Format(time.RFC3339), true
	}
	return "", false
}

// resolveDicomTag handles context.dicom.tags[('GGGG','EEEE')] paths by
// looking up the "dicom.GGGG,EEEE" metadata key.
func (c *InstanceContext) resolveDicomTag(path string) (string, bool) {
	inner, found := strings.CutPrefix(path, dicomTagsPrefix)
	if !found {
		return "", false
	}
	inner, found = strings.CutSuffix(inner, "]")
	if !found {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	inner = strings.TrimPrefix(inner, "(")
	inner = strings.TrimSuffix(inner, ")")
	group, element, found := strings.Cut(inner, ",")
	if !found {
		return "", false
	}
	group = strings.Trim(strings.TrimSpace(group), "'")
	element = strings.Trim(strings.TrimSpace(element), "'")
	if group == "" || element == "" {
		return "", false
	}
	return c.lookupMetadata(fmt.Sprintf("dicom.%s,%s", group, element))
}

func (c *InstanceContext) resolveWorkflow(field string) (string, bool) {
	if c.Definition == nil {
		return "", false
	}
	switch field {
	case "name":
		return c.Definition.Name, true
	case "description":
		return c.Definition.Description, true
	}
	return "", false
}

func (c *InstanceContext) lookupMetadata(key string) (string, bool) {
	if value, ok := c.Metadata[key]; ok {
		return value, true
	}
	if c.Instance != nil {
		if value, ok := c.Instance.InputMetadata[key]; ok {
			return value, true
		}
	}
	return "", false
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
