package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/events"
)

func TestToPublishing(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pub := toPublishing(events.Message{
		Topic:      "product-events",
		Body:       []byte(`{}`),
		Attributes: map[string]string{"eventType": "PRODUCT_DELETED", "requestId": "r-1", "traceId": "t-1"},
	}, "m-1", now)

	require.Equal(t, "m-1", pub.MessageId)
	require.Equal(t, "r-1", pub.CorrelationId)
	require.Equal(t, "PRODUCT_DELETED", pub.Type)
	require.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	require.Equal(t, now, pub.Timestamp)
	require.Equal(t, amqp.Table{"eventType": "PRODUCT_DELETED", "requestId": "r-1", "traceId": "t-1"}, pub.Headers)
	require.NoError(t, pub.Headers.Validate())
}
