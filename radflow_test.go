package radflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTransitions(t *testing.T) {
	terminal := []TaskStatus{
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusPartialFail,
		TaskStatusCancelled, TaskStatusTimedOut,
	}

	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"created to dispatched", TaskStatusCreated, TaskStatusDispatched, true},
		{"created to accepted", TaskStatusCreated, TaskStatusAccepted, false},
		{"dispatched to accepted", TaskStatusDispatched, TaskStatusAccepted, true},
		{"dispatched to created", TaskStatusDispatched, TaskStatusCreated, false},
		{"accepted to dispatched", TaskStatusAccepted, TaskStatusDispatched, false},
		{"same status", TaskStatusDispatched, TaskStatusDispatched, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}

	// Created, Dispatched, and Accepted may each jump straight to any
	// terminal status; terminal statuses go nowhere.
	for _, from := range []TaskStatus{TaskStatusCreated, TaskStatusDispatched, TaskStatusAccepted} {
		for _, to := range terminal {
			assert.True(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	for _, from := range terminal {
		assert.True(t, from.IsTerminal())
		for _, to := range append([]TaskStatus{TaskStatusCreated, TaskStatusDispatched, TaskStatusAccepted}, terminal...) {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []TaskStatus
		expected InstanceStatus
	}{
		{"no tasks", nil, InstanceStatusCreated},
		{"all succeeded", []TaskStatus{TaskStatusSucceeded, TaskStatusSucceeded}, InstanceStatusSucceeded},
		{"one running", []TaskStatus{TaskStatusSucceeded, TaskStatusAccepted}, InstanceStatusInProgress},
		{"all failed", []TaskStatus{TaskStatusFailed, TaskStatusTimedOut}, InstanceStatusFailed},
		{"mixed success and failure", []TaskStatus{TaskStatusSucceeded, TaskStatusFailed}, InstanceStatusPartialFail},
		{"success and cancelled", []TaskStatus{TaskStatusSucceeded, TaskStatusCancelled}, InstanceStatusPartialFail},
		{"all cancelled", []TaskStatus{TaskStatusCancelled}, InstanceStatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instance := &WorkflowInstance{}
			for i, status := range tc.statuses {
				instance.Tasks = append(instance.Tasks, &TaskExecution{
					ExecutionID: NewID(),
					TaskID:      string(rune('a' + i)),
					Status:      status,
				})
			}
			assert.Equal(t, tc.expected, instance.DeriveStatus())
		})
	}
}

func TestTaskByIDReturnsLatestAttempt(t *testing.T) {
	instance := &WorkflowInstance{
		Tasks: []*TaskExecution{
			{ExecutionID: "exec-1", TaskID: "classify", Status: TaskStatusTimedOut},
			{ExecutionID: "exec-2", TaskID: "classify", Status: TaskStatusDispatched},
		},
	}
	task, ok := instance.TaskByID("classify")
	require.True(t, ok)
	assert.Equal(t, "exec-2", task.ExecutionID)

	_, ok = instance.TaskByID("ghost")
	assert.False(t, ok)
}

func TestResolveTaskAppliesTemplate(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "wf", Name: "wf", Version: "1",
		TaskTemplates: []TaskTemplate{{
			ID:             "base",
			Type:           "argo",
			Args:           map[string]string{"namespace": "clinical", "template": "default"},
			TimeoutSeconds: 300,
		}},
		Tasks: []TaskNode{
			{ID: "custom", Ref: "base", Args: map[string]string{"template": "special"}},
			{ID: "plain", Type: "docker"},
		},
	}

	resolved, err := def.ResolveTask("custom")
	require.NoError(t, err)
	assert.Equal(t, "argo", resolved.Type)
	assert.Equal(t, int64(300), resolved.TimeoutSeconds)
	// Node args override template args; the rest fall through.
	assert.Equal(t, "special", resolved.Args["template"])
	assert.Equal(t, "clinical", resolved.Args["namespace"])

	plain, err := def.ResolveTask("plain")
	require.NoError(t, err)
	assert.Equal(t, "docker", plain.Type)

	_, err = def.ResolveTask("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRootTasks(t *testing.T) {
	def := &WorkflowDefinition{
		Tasks: []TaskNode{
			{ID: "a", Branches: []Branch{{Destinations: []string{"b"}}}},
			{ID: "b"},
			{ID: "c"},
		},
	}
	roots := def.RootTasks()
	ids := make([]string, len(roots))
	for i, root := range roots {
		ids[i] = root.ID
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestTaskExecutionDeadline(t *testing.T) {
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	task := &TaskExecution{TaskStartTime: started, TimeoutSeconds: 90}
	deadline, ok := task.Deadline()
	require.True(t, ok)
	assert.Equal(t, started.Add(90*time.Second), deadline)

	task.TimeoutSeconds = 0
	_, ok = task.Deadline()
	assert.False(t, ok)
}

func TestInstanceCloneIsDeep(t *testing.T) {
	instance := &WorkflowInstance{
		ID:            "instance-1",
		InputMetadata: map[string]string{"key": "value"},
		Tasks: []*TaskExecution{{
			ExecutionID:    "exec-1",
			TaskID:         "classify",
			Status:         TaskStatusCreated,
			ResultMetadata: map[string]any{"body_part": "leg"},
		}},
	}
	clone := instance.Clone()
	clone.Tasks[0].Status = TaskStatusFailed
	clone.Tasks[0].ResultMetadata["body_part"] = "arm"
	clone.InputMetadata["key"] = "changed"

	assert.Equal(t, TaskStatusCreated, instance.Tasks[0].Status)
	assert.Equal(t, "leg", instance.Tasks[0].ResultMetadata["body_part"])
	assert.Equal(t, "value", instance.InputMetadata["key"])
}

func TestEventValidation(t *testing.T) {
	tests := []struct {
		name  string
		event interface{ Validate() error }
		valid bool
	}{
		{
			"valid trigger",
			&WorkflowRequestEvent{
				PayloadID: "p", CorrelationID: "c", Bucket: "b", CalledAETitle: "AE",
			},
			true,
		},
		{
			"trigger without routing target",
			&WorkflowRequestEvent{PayloadID: "p", CorrelationID: "c", Bucket: "b"},
			false,
		},
		{
			"trigger without payload",
			&WorkflowRequestEvent{CorrelationID: "c", Bucket: "b", CalledAETitle: "AE"},
			false,
		},
		{
			"valid dispatch",
			&TaskDispatchEvent{
				ExecutionID: "e", WorkflowInstanceID: "w", TaskID: "t", PluginType: "argo",
			},
			true,
		},
		{
			"dispatch without plugin type",
			&TaskDispatchEvent{ExecutionID: "e", WorkflowInstanceID: "w", TaskID: "t"},
			false,
		},
		{
			"valid callback",
			&TaskCallbackEvent{ExecutionID: "e", Status: TaskStatusSucceeded},
			true,
		},
		{
			"callback without status",
			&TaskCallbackEvent{ExecutionID: "e"},
			false,
		},
		{
			"valid update",
			&TaskUpdateEvent{
				ExecutionID: "e", WorkflowInstanceID: "w", TaskID: "t", Status: TaskStatusFailed,
			},
			true,
		},
		{
			"valid cancellation",
			&TaskCancellationEvent{ExecutionID: "e", WorkflowInstanceID: "w"},
			true,
		},
		{
			"cancellation without instance",
			&TaskCancellationEvent{ExecutionID: "e"},
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidationFailed)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	original := &TaskUpdateEvent{
		ExecutionID:        "exec-1",
		WorkflowInstanceID: "instance-1",
		TaskID:             "classify",
		Status:             TaskStatusSucceeded,
	}
	msg, err := NewJSONMessage("corr-1", original)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.NotEmpty(t, msg.ID)

	var decoded TaskUpdateEvent
	require.NoError(t, DecodeJSONMessage(msg, &decoded))
	assert.Equal(t, *original, decoded)
}

func TestDecodeJSONMessageRejectsGarbage(t *testing.T) {
	msg := &Message{ID: "m1", Body: []byte("{")}
	var decoded TaskUpdateEvent
	assert.ErrorIs(t, DecodeJSONMessage(msg, &decoded), ErrValidationFailed)
}
