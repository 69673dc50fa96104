package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store. Entries are lost on restart; it is
// the default when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	backlog  []Entry
	dead     []Entry
	inflight int
	seq      sequencer
	closed   atomic.Bool

	appended  atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Append queues e at the tail of the backlog.
func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	e.Seq = s.seq.next()
	s.mu.Lock()
	s.backlog = append(s.backlog, e)
	s.mu.Unlock()
	s.appended.Add(1)
	return nil
}

// ProcessBatch takes up to n entries off the head of the backlog. Failed
// entries go back to the tail.
func (s *MemoryStore) ProcessBatch(ctx context.Context, n int, fn func(context.Context, Entry) error) (int, error) {
	s.mu.Lock()
	if n > len(s.backlog) {
		n = len(s.backlog)
	}
	batch := make([]Entry, n)
	copy(batch, s.backlog[:n])
	s.backlog = s.backlog[n:]
	s.inflight += n
	s.mu.Unlock()

	var retry, dead []Entry
	for _, e := range batch {
		if ctx.Err() == nil {
			err := fn(ctx, e)
			if err == nil {
				s.delivered.Add(1)
				continue
			}
			s.failures.Add(1)
			e.Attempts++
			if errors.Is(err, ErrExhausted) {
				dead = append(dead, e)
				continue
			}
		}
		retry = append(retry, e)
	}

	s.mu.Lock()
	s.backlog = append(s.backlog, retry...)
	s.dead = append(s.dead, dead...)
	s.inflight -= n
	s.mu.Unlock()
	return n - len(retry) - len(dead), ctx.Err()
}

// Pending returns backlog plus entries currently being delivered.
func (s *MemoryStore) Pending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog) + s.inflight, nil
}

// Dead returns the number of entries parked after exhausting their attempts.
func (s *MemoryStore) Dead(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dead), nil
}

// DeadEntries returns a copy of the parked entries.
func (s *MemoryStore) DeadEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.dead...)
}

// Metrics returns counters for observability.
func (s *MemoryStore) Metrics() (appended, delivered, failures uint64, pending int) {
	pending, _ = s.Pending(context.Background())
	return s.appended.Load(), s.delivered.Load(), s.failures.Load(), pending
}

// CloseIntake rejects future appends.
func (s *MemoryStore) CloseIntake() { s.closed.Store(true) }

// IsClosed reports whether intake has been closed.
func (s *MemoryStore) IsClosed() bool { return s.closed.Load() }
