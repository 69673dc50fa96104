package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

const pollInterval = 50 * time.Millisecond

// Relay moves entries from a Store to the downstream channel with a pool
// of workers that grows with the backlog.
type Relay struct {
	cfg    config.Config
	st     Store
	down   events.Channel
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64

	mu            sync.Mutex
	workerCancels []context.CancelFunc
}

// NewRelay constructs a Relay draining st into down.
func NewRelay(cfg config.Config, st Store, down events.Channel) *Relay {
	if cfg.OutboxBatchSize <= 0 {
		cfg.OutboxBatchSize = 1
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 500 * time.Millisecond
	}
	return &Relay{cfg: cfg, st: st, down: down, notify: make(chan struct{}, 1)}
}

// Start begins delivery and autoscaling in the background.
func (r *Relay) Start(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)
	r.addWorkers(r.cfg.InitialWorkerCount)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.scaler()
	}()
}

// Stop cancels background routines and waits for workers to return.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	for _, c := range r.workerCancels {
		c()
	}
	r.workerCancels = nil
	r.mu.Unlock()
	r.wg.Wait()
}

// Wake nudges one idle worker.
func (r *Relay) Wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// scaler adjusts worker count based on backlog and configuration.
func (r *Relay) scaler() {
	t := time.NewTicker(r.cfg.ScaleInterval)
	defer t.Stop()
	idleTicks := 0
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			backlog, err := r.st.Pending(r.ctx)
			if err != nil {
				obs.Logger.Warn("outbox_pending_failed", "error", err)
				continue
			}
			if r.cfg.OutboxHighWatermark > 0 && backlog > r.cfg.OutboxHighWatermark {
				obs.Logger.Warn("outbox_backlog_high", "backlog_size", backlog, "high_watermark", r.cfg.OutboxHighWatermark)
			}
			wc := r.WorkerCount()
			if backlog > wc*r.cfg.ScaleUpBacklogPerWorker && wc < r.cfg.WorkerMax {
				r.addWorkers(1)
				idleTicks = 0
				continue
			}
			if backlog == 0 {
				idleTicks++
				if idleTicks >= r.cfg.ScaleDownIdleTicks && wc > r.cfg.WorkerMin {
					r.removeWorkers(1)
					idleTicks = 0
				}
			} else {
				idleTicks = 0
			}
		}
	}
}

func (r *Relay) addWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(r.ctx)
		r.workerCancels = append(r.workerCancels, cancel)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(wctx)
		}()
	}
	obs.Logger.Info("outbox_workers_scaled", "worker_count", len(r.workerCancels))
}

func (r *Relay) removeWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.workerCancels) {
		n = len(r.workerCancels)
	}
	for i := 0; i < n; i++ {
		c := r.workerCancels[len(r.workerCancels)-1]
		r.workerCancels = r.workerCancels[:len(r.workerCancels)-1]
		c()
	}
	obs.Logger.Info("outbox_workers_scaled", "worker_count", len(r.workerCancels))
}

// worker keeps taking batches while there is work, then sleeps until woken
// or the poll interval elapses.
func (r *Relay) worker(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		n, err := r.st.ProcessBatch(ctx, r.cfg.OutboxBatchSize, r.deliver)
		if err != nil && ctx.Err() == nil {
			obs.Logger.Error("outbox_batch_failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		case <-t.C:
		}
	}
}

// deliver publishes one entry, retrying with exponential backoff until
// PublishMaxElapsed has passed.
func (r *Relay) deliver(ctx context.Context, e Entry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	id, err := backoff.Retry(ctx, func() (string, error) {
		id, err := r.down.Publish(ctx, e.Message)
		if err != nil && ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return id, err
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(r.cfg.PublishMaxElapsed))
	if err != nil {
		r.failed.Add(1)
		if r.cfg.OutboxMaxAttempts > 0 && e.Attempts+1 >= r.cfg.OutboxMaxAttempts {
			obs.Logger.Error("outbox_entry_dead",
				"entry_id", e.ID,
				"event_type", e.Message.Attributes[model.AttrEventType],
				"request_id", e.Message.Attributes[model.AttrRequestID],
				"trace_id", e.Message.Attributes[model.AttrTraceID],
				"attempts", e.Attempts+1,
				"error", err)
			return fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		obs.Logger.Error("outbox_delivery_failed",
			"entry_id", e.ID,
			"event_type", e.Message.Attributes[model.AttrEventType],
			"request_id", e.Message.Attributes[model.AttrRequestID],
			"trace_id", e.Message.Attributes[model.AttrTraceID],
			"attempts", e.Attempts+1,
			"error", err)
		return err
	}
	r.delivered.Add(1)
	obs.Logger.Info("outbox_delivered",
		"entry_id", e.ID,
		"message_id", id,
		"event_type", e.Message.Attributes[model.AttrEventType],
		"request_id", e.Message.Attributes[model.AttrRequestID],
		"trace_id", e.Message.Attributes[model.AttrTraceID])
	return nil
}

// WorkerCount returns the current number of workers.
func (r *Relay) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workerCancels)
}

// CloseIntake stops the store from accepting new entries when it supports
// that.
func (r *Relay) CloseIntake() {
	if c, ok := r.st.(interface{ CloseIntake() }); ok {
		c.CloseIntake()
	}
}

// Stats is a snapshot of relay progress.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dead      int
	Pending   int
	Workers   int
}

// Metrics returns delivery counters, the live backlog and the parked entries.
func (r *Relay) Metrics(ctx context.Context) Stats {
	st := Stats{Delivered: r.delivered.Load(), Failed: r.failed.Load(), Workers: r.WorkerCount()}
	st.Pending, _ = r.st.Pending(ctx)
	st.Dead, _ = r.st.Dead(ctx)
	return st
}

// DrainUntil blocks until nothing is pending or ctx is done.
func (r *Relay) DrainUntil(ctx context.Context) bool {
	for {
		if n, err := r.st.Pending(ctx); err == nil && n == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
