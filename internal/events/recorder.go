package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Recorder is an in-process Channel that keeps every published message.
// Setting Err makes subsequent publishes fail.
type Recorder struct {
	mu   sync.Mutex
	msgs []Recorded
	Err  error
}

// Recorded is a message together with the id Recorder assigned to it.
type Recorded struct {
	ID string
	Message
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	id := uuid.NewString()
	r.msgs = append(r.msgs, Recorded{ID: id, Message: msg})
	return id, nil
}

// SetErr sets Err under the lock.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

// Messages returns a copy of the published messages in order.
func (r *Recorder) Messages() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.msgs...)
}

// Reset drops all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
