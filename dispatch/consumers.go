package dispatch

import (
	"context"

	"github.com/deepnoodle-ai/radflow"
)

// Message adapters for wiring the dispatcher to broker topics. Each decodes
// the JSON body and delegates; decode failures are validation errors, so
// malformed messages are rejected rather than redelivered.

func (d *Dispatcher) HandleDispatchMessage(ctx context.Context, msg *radflow.Message) error {
	var event radflow.TaskDispatchEvent
	if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
		return err
	}
	return d.Dispatch(ctx, &event)
}

func (d *Dispatcher) HandleCallbackMessage(ctx context.Context, msg *radflow.Message) error {
	var event radflow.TaskCallbackEvent
	if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
		return err
	}
	return d.HandleCallback(ctx, &event)
}

func (d *Dispatcher) HandleCancellationMessage(ctx context.Context, msg *radflow.Message) error {
	var event radflow.TaskCancellationEvent
	if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
		return err
	}
	return d.HandleCancellation(ctx, &event)
}
