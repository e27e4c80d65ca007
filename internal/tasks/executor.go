// Package tasks runs long-lived background jobs on a single worker with
// a FIFO queue and queryable progress records.
package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task states. Transitions are monotonic:
// pending → running → (completed | failed).
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// DefaultRecordTTL is how long terminal records are retained.
const DefaultRecordTTL = 3600 * time.Second

// Progress is handed to task functions to report fractional completion.
type Progress func(fraction float64, message string)

// Fn is the unit of work. A returned error marks the task failed; a
// panic is recovered and treated the same way.
type Fn func(progress Progress) error

// Record is the queryable state of one task.
type Record struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TargetID  string    `json:"target_id,omitempty"`
	State     string    `json:"state"`
	Progress  float64   `json:"progress"` // 0..100
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) terminal() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

type queued struct {
	id string
	fn Fn
}

// Executor owns its queue, its records map and exactly one worker. The
// shared state is guarded by one mutex plus a condition variable the
// worker blocks on.
type Executor struct {
	log zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queued
	records map[string]*Record
	running bool
	stopped bool
	done    chan struct{}

	now func() time.Time
}

func NewExecutor(logger zerolog.Logger) *Executor {
	e := &Executor{
		log:     logger,
		records: make(map[string]*Record),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the worker. Submissions before Start queue up. The
// executor cannot be restarted: Start after Stop is a no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.work()
}

// Stop signals the worker and joins it. Queued tasks that never ran stay
// pending in the records map. Safe to call more than once.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

// Submit enqueues a task and returns its fresh id.
func (e *Executor) Submit(taskType, targetID string, fn Fn) string {
	id := uuid.NewString()
	now := e.now()

	e.mu.Lock()
	e.records[id] = &Record{
		ID:        id,
		Type:      taskType,
		TargetID:  targetID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.queue = append(e.queue, queued{id: id, fn: fn})
	e.cond.Signal()
	e.mu.Unlock()

	e.log.Debug().Str("task_id", id).Str("type", taskType).Msg("task queued")
	return id
}

// Status returns a copy of the record. An unknown id yields a synthetic
// failed record so callers always have something renderable.
func (e *Executor) Status(id string) Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.records[id]; ok {
		return *r
	}
	now := e.now()
	return Record{
		ID:        id,
		State:     StateFailed,
		Message:   "Task not found",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// List returns copies of all records, newest first.
func (e *Executor) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, *r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CleanupOldTasks drops terminal records older than maxAge and returns
// how many were removed.
func (e *Executor) CleanupOldTasks(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRecordTTL
	}
	cutoff := e.now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, r := range e.records {
		if r.terminal() && r.UpdatedAt.Before(cutoff) {
			delete(e.records, id)
			removed++
		}
	}
	return removed
}

func (e *Executor) work() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for e.running && len(e.queue) == 0 {
			e.cond.Wait()
		}
		if !e.running {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]

		r := e.records[next.id]
		r.State = StateRunning
		r.UpdatedAt = e.now()
		e.mu.Unlock()

		err := e.runTask(next)

		e.mu.Lock()
		r = e.records[next.id]
		if r != nil {
			r.UpdatedAt = e.now()
			if err != nil {
				r.State = StateFailed
				r.Message = err.Error()
			} else {
				r.State = StateCompleted
				r.Progress = 100
			}
		}
		e.mu.Unlock()

		if err != nil {
			e.log.Warn().Err(err).Str("task_id", next.id).Msg("task failed")
		}
	}
}

// runTask executes one task function with panic containment.
func (e *Executor) runTask(q queued) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()

	progress := func(fraction float64, message string) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		e.mu.Lock()
		if r := e.records[q.id]; r != nil && r.State == StateRunning {
			r.Progress = fraction * 100
			r.Message = message
			r.UpdatedAt = e.now()
		}
		e.mu.Unlock()
	}

	return q.fn(progress)
}
