// Package usage buffers billable events and ships them to the billing
// service in batches. Delivery is at-least-once: events are persisted
// unsynced before each send and marked synced only after the remote
// accepts the batch. Order is not strictly preserved across retries.
package usage

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/billing"
	"github.com/technosupport/ts-edge/internal/data"
)

const (
	DefaultBatchSize     = 50
	DefaultBatchInterval = 60 * time.Second
	DefaultReloadLimit   = 1000
	MaxBackoff           = 300 * time.Second
	workerStep           = time.Second
)

// Metrics is the slice of the collector the tracker reports into.
type Metrics interface {
	UsageEnqueued(eventType string)
	UsageSynced(count int)
	UsageSyncFailure()
	UsageQueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) UsageEnqueued(string) {}
func (nopMetrics) UsageSynced(int)      {}
func (nopMetrics) UsageSyncFailure()    {}
func (nopMetrics) UsageQueueDepth(int)  {}

type Config struct {
	DeviceID      string
	BatchSize     int
	BatchInterval time.Duration
	ReloadLimit   int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.ReloadLimit <= 0 {
		c.ReloadLimit = DefaultReloadLimit
	}
}

// Tracker owns the in-process FIFO and the single sync worker. It is the
// only writer of usage rows.
type Tracker struct {
	cfg     Config
	store   data.UsageModel
	billing billing.Service
	metrics Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	queue    []*data.UsageEvent
	failures int
	lastSync time.Time

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	step  time.Duration
	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

func NewTracker(cfg Config, store data.UsageModel, svc billing.Service, m Metrics, logger zerolog.Logger) *Tracker {
	cfg.applyDefaults()
	if m == nil {
		m = nopMetrics{}
	}
	t := &Tracker{
		cfg:     cfg,
		store:   store,
		billing: svc,
		metrics: m,
		log:     logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		step:    workerStep,
		now:     time.Now,
	}
	t.lastSync = t.now()
	t.sleep = t.waitFor
	return t
}

// Track enqueues one event. It never surfaces remote failures; retry and
// backoff are internal to the worker.
func (t *Tracker) Track(tenantID, cameraID, eventType string, quantity float64, unit string, metadata json.RawMessage) {
	e := &data.UsageEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		DeviceID:  t.cfg.DeviceID,
		CameraID:  cameraID,
		Type:      eventType,
		Quantity:  quantity,
		Unit:      unit,
		Metadata:  metadata,
		EventTime: t.now(),
	}
	t.mu.Lock()
	t.queue = append(t.queue, e)
	depth := len(t.queue)
	t.mu.Unlock()
	t.metrics.UsageEnqueued(eventType)
	t.metrics.UsageQueueDepth(depth)
}

func (t *Tracker) TrackAPICall(tenantID string) {
	t.Track(tenantID, "", data.UsageAPICall, 1, "calls", nil)
}

func (t *Tracker) TrackStorage(tenantID, cameraID string, gbDays float64) {
	t.Track(tenantID, cameraID, data.UsageStorageGBDays, gbDays, "gb_days", nil)
}

func (t *Tracker) TrackWebhookCall(tenantID, cameraID string) {
	t.Track(tenantID, cameraID, data.UsageWebhookCall, 1, "calls", nil)
}

// TrackZoneEvent is called from the frame path, once per emitted zone
// event.
func (t *Tracker) TrackZoneEvent(tenantID, cameraID string) {
	t.Track(tenantID, cameraID, data.UsageZoneEvent, 1, "events", nil)
}

// Start reloads unsynced events left over from a previous run, then runs
// the sync worker until Stop or ctx cancellation. Calling Start twice is
// a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	if events, err := t.store.FindUnsynced(ctx, t.cfg.ReloadLimit); err != nil {
		t.log.Warn().Err(err).Msg("unsynced usage reload failed")
	} else if len(events) > 0 {
		t.mu.Lock()
		t.queue = append(t.queue, events...)
		depth := len(t.queue)
		t.mu.Unlock()
		t.metrics.UsageQueueDepth(depth)
		t.log.Info().Int("count", len(events)).Msg("reloaded unsynced usage events")
	}

	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	for {
		if !t.sleep(ctx, t.step) {
			return
		}
		t.mu.Lock()
		n := len(t.queue)
		elapsed := t.now().Sub(t.lastSync)
		t.mu.Unlock()

		if !shouldSync(n, t.cfg.BatchSize, elapsed, t.cfg.BatchInterval) {
			continue
		}
		if err := t.syncOnce(ctx); err != nil {
			t.mu.Lock()
			failures := t.failures
			t.mu.Unlock()
			if !t.sleep(ctx, backoffDelay(failures)) {
				return
			}
		}
	}
}

// Stop signals the worker, joins it, then makes a final flush attempt.
// Safe to call more than once, and before Start: there is no worker to
// join then, but queued events are still flushed.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			<-t.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Flush(ctx); err != nil {
			t.log.Warn().Err(err).Int("queued", t.QueueLen()).Msg("final usage flush incomplete")
		}
	})
}

// Flush drains the queue batch by batch until it is empty or an attempt
// fails. Failed batches stay queued (and persisted unsynced).
func (t *Tracker) Flush(ctx context.Context) error {
	for t.QueueLen() > 0 {
		if err := t.syncOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// QueueLen reports the number of events awaiting sync.
func (t *Tracker) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// syncOnce dequeues one batch, persists it unsynced, posts it, and marks
// it synced on acceptance. Any failure re-enqueues the batch at the tail.
func (t *Tracker) syncOnce(ctx context.Context) error {
	t.mu.Lock()
	n := len(t.queue)
	if n == 0 {
		t.mu.Unlock()
		return nil
	}
	if n > t.cfg.BatchSize {
		n = t.cfg.BatchSize
	}
	batch := t.queue[:n]
	t.queue = append([]*data.UsageEvent(nil), t.queue[n:]...)
	t.mu.Unlock()

	err := t.sendBatch(ctx, batch)
	if err != nil {
		t.mu.Lock()
		t.queue = append(t.queue, batch...)
		t.failures++
		failures := t.failures
		t.mu.Unlock()

		t.metrics.UsageSyncFailure()
		t.log.Warn().Err(err).
			Int("batch", len(batch)).
			Int("consecutive_failures", failures).
			Msg("usage sync failed, batch re-queued")
		return err
	}

	t.mu.Lock()
	t.failures = 0
	t.lastSync = t.now()
	depth := len(t.queue)
	t.mu.Unlock()

	t.metrics.UsageSynced(len(batch))
	t.metrics.UsageQueueDepth(depth)
	return nil
}

func (t *Tracker) sendBatch(ctx context.Context, batch []*data.UsageEvent) error {
	// Persist first so a crash mid-send can only re-deliver, never lose.
	// Re-persisting a retried batch is a no-op on conflict.
	if err := t.store.SaveBatch(ctx, batch); err != nil {
		return err
	}

	records := make([]billing.UsageRecord, len(batch))
	for i, e := range batch {
		records[i] = billing.UsageRecord{
			EventID:   e.ID.String(),
			TenantID:  e.TenantID,
			DeviceID:  e.DeviceID,
			CameraID:  e.CameraID,
			EventType: e.Type,
			Quantity:  e.Quantity,
			Unit:      e.Unit,
			Metadata:  e.Metadata,
			EventTime: e.EventTime,
		}
	}

	res, err := t.billing.SubmitUsageBatch(ctx, records)
	if err != nil {
		return err
	}
	if res.RejectedCount > 0 {
		// The remote accepted the batch as a whole; rejected events are
		// recorded for diagnostics but not re-sent.
		t.log.Warn().
			Int("rejected", res.RejectedCount).
			Strs("errors", res.Errors).
			Msg("billing rejected usage events")
	}

	ids := make([]uuid.UUID, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return t.store.MarkSynced(ctx, ids)
}

// waitFor sleeps for d, returning false if stopped or cancelled first.
func (t *Tracker) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func shouldSync(queued, batchSize int, elapsed, interval time.Duration) bool {
	return queued >= batchSize || (elapsed >= interval && queued > 0)
}

// backoffDelay is min(2^failures, 300) seconds.
func backoffDelay(failures int) time.Duration {
	if failures >= 9 {
		return MaxBackoff
	}
	d := time.Duration(math.Pow(2, float64(failures))) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
