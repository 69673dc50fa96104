package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/product-catalog-service/internal/outbox"
)

// OutboxStore implements outbox.Store on the outbox table. A batch is
// leased by setting locked_until in one short statement; delivery runs
// outside any transaction and the outcome is written back per entry. A
// lease that expires, for example because its worker died, makes the rows
// eligible again, so delivery is at least once.
type OutboxStore struct {
	db     *DB
	lease  time.Duration
	closed atomic.Bool
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore returns a store whose batches are leased for lease.
func NewOutboxStore(db *DB, lease time.Duration) *OutboxStore {
	if lease <= 0 {
		lease = time.Minute
	}
	return &OutboxStore{db: db, lease: lease}
}

func (s *OutboxStore) Append(ctx context.Context, e outbox.Entry) error {
	if s.closed.Load() {
		return outbox.ErrClosed
	}
	attrs := e.Message.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	_, err := s.db.Pool.Exec(ctx,
		"INSERT INTO outbox (id, topic, body, attributes, created_at) VALUES ($1, $2, $3, $4, $5)",
		e.ID, e.Message.Topic, e.Message.Body, attrs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox entry %s: %w", e.ID, err)
	}
	return nil
}

// ProcessBatch leases up to n of the oldest live entries and hands them to
// fn in order. It stops at the first failure and returns the untried rest
// of the lease.
func (s *OutboxStore) ProcessBatch(ctx context.Context, n int, fn func(context.Context, outbox.Entry) error) (int, error) {
	entries, err := s.leaseBatch(ctx, n)
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	var done []string
	for i, e := range entries {
		ferr := fn(ctx, e)
		if ferr == nil {
			done = append(done, e.ID)
			continue
		}
		if err := s.recordFailure(ctx, e.ID, ferr); err != nil {
			return 0, err
		}
		rest := make([]string, 0, len(entries)-i-1)
		for _, r := range entries[i+1:] {
			rest = append(rest, r.ID)
		}
		if err := s.unlease(ctx, rest); err != nil {
			return 0, err
		}
		break
	}
	if len(done) > 0 {
		if _, err := s.db.Pool.Exec(ctx, "DELETE FROM outbox WHERE id = ANY($1)", done); err != nil {
			return 0, fmt.Errorf("delete delivered entries: %w", err)
		}
	}
	return len(done), nil
}

func (s *OutboxStore) leaseBatch(ctx context.Context, n int) ([]outbox.Entry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		UPDATE outbox SET locked_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox
			WHERE NOT dead AND (locked_until IS NULL OR locked_until < now())
			ORDER BY seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, seq, topic, body, attributes, attempts, created_at`,
		n, s.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Entry, error) {
		var (
			e   outbox.Entry
			seq int64
		)
		err := row.Scan(&e.ID, &seq, &e.Message.Topic, &e.Message.Body, &e.Message.Attributes, &e.Attempts, &e.CreatedAt)
		e.Seq = uint64(seq)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *OutboxStore) recordFailure(ctx context.Context, id string, cause error) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = $2, dead = $3, locked_until = NULL
		WHERE id = $1`,
		id, cause.Error(), errors.Is(cause, outbox.ErrExhausted))
	if err != nil {
		return fmt.Errorf("record outbox failure %s: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) unlease(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Pool.Exec(ctx, "UPDATE outbox SET locked_until = NULL WHERE id = ANY($1)", ids); err != nil {
		return fmt.Errorf("release outbox lease: %w", err)
	}
	return nil
}

// Pending counts live entries, leased or not.
func (s *OutboxStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Pool.QueryRow(ctx, "SELECT count(*) FROM outbox WHERE NOT dead").Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func (s *OutboxStore) Dead(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Pool.QueryRow(ctx, "SELECT count(*) FROM outbox WHERE dead").Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead outbox entries: %w", err)
	}
	return n, nil
}

// CloseIntake rejects future appends.
func (s *OutboxStore) CloseIntake() { s.closed.Store(true) }
