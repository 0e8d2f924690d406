// Package broker provides an in-process message broker used by the test
// suite and the single-binary local runner. Delivery is synchronous and
// at-least-once: a handler error that is not a validation failure causes
// immediate redelivery, up to a bounded number of attempts.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/slogger"
)

const DefaultMaxDeliveries = 3

// MemoryBroker implements radflow.Publisher and radflow.Subscriber over
// plain function calls. Publish runs every subscribed handler in the
// calling goroutine, so tests observe all downstream effects of a publish
// by the time it returns.
type MemoryBroker struct {
	mu            sync.RWMutex
	subscribers   map[string][]radflow.Handler
	logger        slogger.Logger
	maxDeliveries int
}

// Options configures a MemoryBroker.
type Options struct {
	Logger        slogger.Logger
	MaxDeliveries int
}

// NewMemoryBroker creates a broker with no subscriptions.
func NewMemoryBroker(opts Options) *MemoryBroker {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &MemoryBroker{
		subscribers:   make(map[string][]radflow.Handler),
		logger:        logger,
		maxDeliveries: maxDeliveries,
	}
}

// Subscribe registers a handler for a topic. Multiple handlers on the same
// topic each receive every message.
func (b *MemoryBroker) Subscribe(topic string, handler radflow.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish delivers a message to every handler subscribed to the topic. A
// validation error from a handler rejects the message permanently; any
// other error triggers redelivery until the attempt budget runs out.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg *radflow.Message) error {
	if msg == nil {
		return fmt.Errorf("nil message on topic %q: %w", topic, radflow.ErrValidationFailed)
	}
	b.mu.RLock()
	handlers := append([]radflow.Handler(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no subscribers for topic", "topic", topic, "message_id", msg.ID)
		return nil
	}
	for _, handler := range handlers {
		b.deliver(ctx, topic, msg, handler)
	}
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, topic string, msg *radflow.Message, handler radflow.Handler) {
	for attempt := 1; attempt <= b.maxDeliveries; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return
		}
		if radflow.IsValidation(err) {
			b.logger.Warn("message rejected",
				"topic", topic,
				"message_id", msg.ID,
				"correlation_id", msg.CorrelationID,
				"error", err)
			return
		}
		b.logger.Warn("message handling failed, redelivering",
			"topic", topic,
			"message_id", msg.ID,
			"correlation_id", msg.CorrelationID,
			"attempt", attempt,
			"error", err)
	}
	b.logger.Error("message dropped after delivery attempts exhausted",
		"topic", topic,
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"attempts", b.maxDeliveries)
}
