package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/radflow"
)

func newDispatchRecord() *radflow.TaskDispatchEventInfo {
	return &radflow.TaskDispatchEventInfo{
		Event: radflow.TaskDispatchEvent{
			ExecutionID:        "exec-1",
			WorkflowInstanceID: "instance-1",
			TaskID:             "classify",
			PayloadID:          "payload-1",
			CorrelationID:      "corr-1",
			PluginType:         "argo",
		},
		Status: radflow.TaskStatusCreated,
	}
}

func TestSaveAndGetDispatchRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	require.NoError(t, s.SaveTaskDispatchEvent(ctx, newDispatchRecord()))

	got, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "classify", got.Event.TaskID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetTaskDispatchEventByExecutionID(ctx, "ghost")
	assert.ErrorIs(t, err, radflow.ErrNotFound)
}

func TestSaveRejectsDuplicateExecutionID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	require.NoError(t, s.SaveTaskDispatchEvent(ctx, newDispatchRecord()))
	err := s.SaveTaskDispatchEvent(ctx, newDispatchRecord())
	assert.ErrorIs(t, err, radflow.ErrValidationFailed)
}

func TestSaveRejectsMissingExecutionID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	record := newDispatchRecord()
	record.Event.ExecutionID = ""
	err := s.SaveTaskDispatchEvent(ctx, record)
	assert.ErrorIs(t, err, radflow.ErrValidationFailed)
}

func TestUpdateDispatchRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	require.NoError(t, s.SaveTaskDispatchEvent(ctx, newDispatchRecord()))

	record, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	record.Status = radflow.TaskStatusAccepted
	record.RetryCount = 1
	require.NoError(t, s.UpdateTaskDispatchEvent(ctx, record))

	got, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, radflow.TaskStatusAccepted, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	missing := newDispatchRecord()
	missing.Event.ExecutionID = "ghost"
	assert.ErrorIs(t, s.UpdateTaskDispatchEvent(ctx, missing), radflow.ErrNotFound)
}

func TestDeleteDispatchRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	require.NoError(t, s.SaveTaskDispatchEvent(ctx, newDispatchRecord()))
	require.NoError(t, s.DeleteTaskDispatchEvent(ctx, "exec-1"))

	_, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	assert.ErrorIs(t, err, radflow.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTaskDispatchEvent(ctx, "exec-1"), radflow.ErrNotFound)
}

func TestDispatchReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	require.NoError(t, s.SaveTaskDispatchEvent(ctx, newDispatchRecord()))

	got, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	got.Status = radflow.TaskStatusFailed

	fresh, err := s.GetTaskDispatchEventByExecutionID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, radflow.TaskStatusCreated, fresh.Status)
}
