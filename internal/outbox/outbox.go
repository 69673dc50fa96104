// Package outbox decouples event publication from request handling. Events
// are appended to a Store and a Relay delivers them to the real broker in
// the background.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-catalog-service/internal/events"
)

var (
	// ErrClosed is returned by Append once intake has been closed for shutdown.
	ErrClosed = errors.New("outbox: intake closed")
	// ErrExhausted marks a delivery failure after which the entry must not
	// be retried. Stores park such entries as dead.
	ErrExhausted = errors.New("outbox: delivery attempts exhausted")
)

// Entry is one pending event.
type Entry struct {
	ID        string
	Seq       uint64
	Message   events.Message
	Attempts  int
	CreatedAt time.Time
}

// Store persists entries until they are delivered.
//
// ProcessBatch hands up to n entries to fn. An entry for which fn returns
// nil is removed. If fn returns an error wrapping ErrExhausted the entry is
// parked as dead; any other error bumps its attempt counter and leaves it
// pending. A store may stop the batch at the first failure, leaving the
// untried entries pending and unchanged. Entries handed to one caller are
// not handed to a concurrent one. Pending and Dead count live and parked
// entries respectively.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ProcessBatch(ctx context.Context, n int, fn func(context.Context, Entry) error) (int, error)
	Pending(ctx context.Context) (int, error)
	Dead(ctx context.Context) (int, error)
}

// Channel is an events.Channel that writes to the outbox instead of a
// broker. The message id it returns is the outbox entry id.
type Channel struct {
	st   Store
	wake func()
}

var _ events.Channel = (*Channel)(nil)

// NewChannel returns a Channel appending to st. wake, if set, is called
// after every append so the relay can pick the entry up without waiting
// for its next poll.
func NewChannel(st Store, wake func()) *Channel {
	return &Channel{st: st, wake: wake}
}

func (c *Channel) Publish(ctx context.Context, msg events.Message) (string, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.st.Append(ctx, e); err != nil {
		return "", err
	}
	if c.wake != nil {
		c.wake()
	}
	return e.ID, nil
}
