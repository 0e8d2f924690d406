package orchestrator

import (
	"context"

	"github.com/deepnoodle-ai/radflow"
)

// Message adapters for wiring the orchestrator to broker topics.

func (o *Orchestrator) HandleRequestMessage(ctx context.Context, msg *radflow.Message) error {
	var event radflow.WorkflowRequestEvent
	if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
		return err
	}
	return o.ProcessRequest(ctx, &event)
}

func (o *Orchestrator) HandleUpdateMessage(ctx context.Context, msg *radflow.Message) error {
	var event radflow.TaskUpdateEvent
	if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
		return err
	}
	return o.ProcessTaskUpdate(ctx, &event)
}
