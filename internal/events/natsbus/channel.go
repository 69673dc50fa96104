// Package natsbus publishes product events to NATS JetStream.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Channel is an events.Channel backed by a JetStream stream per topic.
type Channel struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu      sync.Mutex
	streams map[string]bool
}

var _ events.Channel = (*Channel)(nil)

// Dial connects to url and opens a JetStream context.
func Dial(url string) (*Channel, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("product-catalog-service"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Channel{conn: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish stores msg on the topic's stream. The returned id is
// "<stream>-<sequence>" from the server acknowledgement.
func (c *Channel) Publish(ctx context.Context, msg events.Message) (string, error) {
	if err := c.ensureStream(ctx, msg.Topic); err != nil {
		return "", err
	}
	ack, err := c.js.PublishMsg(toMsg(msg), nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return fmt.Sprintf("%s-%d", ack.Stream, ack.Sequence), nil
}

func (c *Channel) ensureStream(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[topic] {
		return nil
	}
	name := streamName(topic)
	_, err := c.js.StreamInfo(name, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		obs.Logger.Info("nats_stream_create", "stream", name, "subject", topic)
		_, err = c.js.AddStream(&nats.StreamConfig{Name: name, Subjects: []string{topic}}, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	c.streams[topic] = true
	return nil
}

// Close drains and closes the connection.
func (c *Channel) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

func toMsg(msg events.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Body
	for k, v := range msg.Attributes {
		m.Header.Set(k, v)
	}
	m.Header.Set(nats.MsgIdHdr, uuid.NewString())
	m.Header.Set("Content-Type", "application/json")
	return m
}

var streamReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", "-", "_", " ", "_")

// streamName derives a valid stream name from a subject.
func streamName(topic string) string {
	return strings.ToUpper(streamReplacer.Replace(topic))
}
