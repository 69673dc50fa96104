// Package rabbitmq publishes product events to a RabbitMQ exchange with
// publisher confirms.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Channel is an events.Channel that publishes to a durable fanout exchange
// named after the topic.
type Channel struct {
	conn *amqp.Connection

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

var _ events.Channel = (*Channel)(nil)

// Dial connects to url, retrying while the broker comes up.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, d time.Duration) {
			obs.Logger.Warn("rabbitmq_connect_retry", "error", err, "retry_in", d.String())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &Channel{conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

// Publish sends msg and waits for the broker to confirm it. The returned id
// is the AMQP message id.
func (c *Channel) Publish(ctx context.Context, msg events.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.declared[msg.Topic] {
		if err := c.ch.ExchangeDeclare(msg.Topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return "", fmt.Errorf("declare exchange %s: %w", msg.Topic, err)
		}
		c.declared[msg.Topic] = true
	}
	pub := toPublishing(msg, uuid.NewString(), time.Now().UTC())
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, msg.Topic, msg.Attributes[model.AttrEventType], false, false, pub)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return "", fmt.Errorf("broker nacked message %s", pub.MessageId)
	}
	return pub.MessageId, nil
}

// Close closes the channel and the connection.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func toPublishing(msg events.Message, id string, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:     id,
		CorrelationId: msg.Attributes[model.AttrRequestID],
		Type:          msg.Attributes[model.AttrEventType],
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now,
		Headers:       headers,
		Body:          msg.Body,
	}
}
