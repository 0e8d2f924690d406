package main

import (
	"context"
	"sync"
	"time"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/slogger"
)

// loopbackPlugin simulates an external executor. It accepts every dispatch
// and, after a short delay, publishes a successful callback the way a real
// backend would report completion over the bus. Cancelled executions never
// report back.
type loopbackPlugin struct {
	publisher     radflow.Publisher
	callbackTopic string
	logger        slogger.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func (p *loopbackPlugin) ExecuteTask(ctx context.Context, event *radflow.TaskDispatchEvent) (bool, error) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		if p.isCancelled(event.ExecutionID) {
			return
		}
		callback := &radflow.TaskCallbackEvent{
			CorrelationID:      event.CorrelationID,
			ExecutionID:        event.ExecutionID,
			WorkflowInstanceID: event.WorkflowInstanceID,
			TaskID:             event.TaskID,
			Status:             radflow.TaskStatusSucceeded,
		}
		msg, err := radflow.NewJSONMessage(event.CorrelationID, callback)
		if err != nil {
			p.logger.Error("failed to encode loopback callback", "error", err)
			return
		}
		if err := p.publisher.Publish(ctx, p.callbackTopic, msg); err != nil {
			p.logger.Error("failed to publish loopback callback",
				"execution_id", event.ExecutionID, "error", err)
		}
	}()
	return true, nil
}

func (p *loopbackPlugin) GetStatus(ctx context.Context, executionID string) (radflow.TaskStatus, error) {
	if p.isCancelled(executionID) {
		return radflow.TaskStatusCancelled, nil
	}
	return radflow.TaskStatusAccepted, nil
}

func (p *loopbackPlugin) RetrieveMetadata(ctx context.Context) (map[string]any, error) {
	return map[string]any{"executor": "loopback"}, nil
}

func (p *loopbackPlugin) CancelTask(ctx context.Context, event *radflow.TaskCancellationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled == nil {
		p.cancelled = make(map[string]bool)
	}
	p.cancelled[event.ExecutionID] = true
	return nil
}

func (p *loopbackPlugin) isCancelled(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[executionID]
}
