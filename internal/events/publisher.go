// Package events builds product domain events and sends them to an event
// channel with correlation attributes attached.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/product-catalog-service/internal/correlation"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

var (
	// ErrMissingTraceID is returned when the context has no trace id. Nothing
	// is published in that case.
	ErrMissingTraceID = errors.New("events: trace id not available")
	// ErrMalformed wraps payload serialization failures.
	ErrMalformed = errors.New("events: malformed payload")
	// ErrPublish wraps failures reported by the channel.
	ErrPublish = errors.New("events: publish failed")
)

// Message is what a Channel delivers: an opaque body plus string attributes.
type Message struct {
	Topic      string
	Body       []byte
	Attributes map[string]string
}

// Channel publishes a message and returns the id the backend assigned to it.
type Channel interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// Publisher sends product events to a single topic.
type Publisher struct {
	ch    Channel
	topic string
}

// NewPublisher returns a Publisher sending to topic over ch.
func NewPublisher(ch Channel, topic string) *Publisher {
	return &Publisher{ch: ch, topic: topic}
}

// SendProductEvent publishes eventType for p on behalf of actorEmail.
func (p *Publisher) SendProductEvent(ctx context.Context, prod model.Product, eventType model.EventType, actorEmail string) (string, error) {
	return p.send(ctx, eventType, model.ProductEvent{
		ID:    prod.ID,
		Code:  prod.Code,
		Email: actorEmail,
		Price: prod.Price,
	})
}

// SendProductFailureEvent publishes a PRODUCT_FAILED event for f.
func (p *Publisher) SendProductFailureEvent(ctx context.Context, f model.Failure) (string, error) {
	return p.send(ctx, model.ProductFailed, f)
}

func (p *Publisher) send(ctx context.Context, eventType model.EventType, payload any) (string, error) {
	ids := correlation.FromContext(ctx)
	if ids.TraceID == "" {
		return "", ErrMissingTraceID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{
		Topic: p.topic,
		Body:  body,
		Attributes: map[string]string{
			model.AttrEventType: string(eventType),
			model.AttrRequestID: ids.RequestID,
			model.AttrTraceID:   ids.TraceID,
		},
	}
	id, err := p.ch.Publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPublish, eventType, err)
	}
	obs.With(ctx).Info("event_published", "event_type", eventType, "message_id", id, "topic", p.topic)
	return id, nil
}
