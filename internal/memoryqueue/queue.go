// Package memoryqueue is the bounded async ingestion queue for episodes,
// entity extraction, and summarization (spec §5 backpressure): overflow
// drops the lowest-value task, raw episodes always preserved, summaries
// deferred first.
//
// The fire-and-forget dispatch shape is grounded on the teacher's notify
// service (bounded work handed to background workers, failures logged,
// callers never blocked).
package memoryqueue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// TaskKind orders tasks by value: higher drops first on overflow.
type TaskKind int

const (
	// TaskEpisode is the raw exchange record; never dropped in favour of
	// lower-value work.
	TaskEpisode TaskKind = iota
	// TaskEntityExtraction derives knowledge-graph updates.
	TaskEntityExtraction
	// TaskSummary is deferrable compression work; first to go.
	TaskSummary
)

// Task is one unit of ingestion work.
type Task struct {
	Kind      TaskKind
	TenantID  string
	SessionID string
	TurnID    string
	Payload   interface{}
}

// Handler processes one task.
type Handler func(ctx context.Context, task Task) error

// Queue is a bounded buffer drained by a worker pool.
type Queue struct {
	mu      sync.Mutex
	buf     []Task
	cap     int
	notify  chan struct{}
	handler Handler
	dropped int
}

// New creates a queue with the given capacity.
func New(capacity int, handler Handler) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		cap:     capacity,
		notify:  make(chan struct{}, 1),
		handler: handler,
	}
}

// Enqueue adds a task without blocking. When full, the lowest-value queued
// task (highest Kind) is dropped to make room — unless the incoming task
// is itself the lowest-value one, in which case it is the drop.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) >= q.cap {
		victim := -1
		victimKind := task.Kind
		for i, t := range q.buf {
			if t.Kind >= victimKind {
				victim = i
				victimKind = t.Kind
			}
		}
		if victim < 0 {
			q.dropped++
			log.Warn().Int("kind", int(task.Kind)).Msg("memory ingestion queue full, dropping incoming task")
			return false
		}
		log.Warn().Int("kind", int(q.buf[victim].Kind)).Msg("memory ingestion queue full, dropping queued task")
		q.buf = append(q.buf[:victim], q.buf[victim+1:]...)
		q.dropped++
	}

	q.buf = append(q.buf, task)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Dropped reports how many tasks overflow has discarded.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Start runs workers draining the queue until ctx is cancelled.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		go q.worker(ctx)
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		task, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		if err := q.handler(ctx, task); err != nil {
			log.Warn().Err(err).Str("turn_id", task.TurnID).Msg("memory ingestion task failed")
		}
	}
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Task{}, false
	}
	task := q.buf[0]
	q.buf = q.buf[1:]
	return task, true
}
