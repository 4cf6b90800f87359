// Package job contains the batch coordinator: it accepts number lists,
// dedupes them against past results, dispatches chunks through per-user
// queues and keeps job progress consistent with the stored records.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/jesus-bazan-entel/apimovil/internal/logging"
)

// Task is one unit of per-user work, executed by that user's worker goroutine
type Task func(ctx context.Context)

// Registry runs one worker goroutine per user, executing that user's tasks
// strictly in submission order. Queues are unbounded; an idle worker retires
// after the configured period and is respawned on the next submission.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*userQueue
	idle    time.Duration
	logger  *logging.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type userQueue struct {
	mu      sync.Mutex
	tasks   []Task
	wake    chan struct{}
	running bool // worker goroutine alive
	busy    bool // worker currently executing a task
}

// NewRegistry creates a registry whose workers retire after idle
func NewRegistry(idle time.Duration, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		queues:  make(map[string]*userQueue),
		idle:    idle,
		logger:  logger.WithField("component", "job_registry"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue appends a task to the user's queue, spawning a worker if none is
// running for that user.
func (r *Registry) Enqueue(user string, task Task) {
	r.mu.Lock()
	q, ok := r.queues[user]
	if !ok {
		q = &userQueue{wake: make(chan struct{}, 1)}
		r.queues[user] = q
	}
	r.mu.Unlock()

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	spawn := !q.running
	if spawn {
		q.running = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if spawn {
		r.wg.Add(1)
		go r.work(user, q)
	}
}

// Pending returns how many tasks are queued for the user, including none
// when the worker has drained and retired.
func (r *Registry) Pending(user string) int {
	r.mu.Lock()
	q, ok := r.queues[user]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Busy reports whether the user's worker is executing a task or has tasks
// queued.
func (r *Registry) Busy(user string) bool {
	r.mu.Lock()
	q, ok := r.queues[user]
	r.mu.Unlock()
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy || len(q.tasks) > 0
}

// Shutdown cancels the worker context and waits for workers to drain their
// current task.
func (r *Registry) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) work(user string, q *userQueue) {
	defer r.wg.Done()
	log := r.logger.WithField("user", user)
	log.Debug("user worker started")

	idleTimer := time.NewTimer(r.idle)
	defer idleTimer.Stop()

	for {
		q.mu.Lock()
		var task Task
		if len(q.tasks) > 0 {
			task = q.tasks[0]
			q.tasks = q.tasks[1:]
		}
		q.mu.Unlock()

		if task != nil {
			q.mu.Lock()
			q.busy = true
			q.mu.Unlock()
			task(r.baseCtx)
			q.mu.Lock()
			q.busy = false
			q.mu.Unlock()
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(r.idle)
			continue
		}

		select {
		case <-q.wake:
		case <-idleTimer.C:
			// retire only if still empty, a late enqueue respawns
			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.running = false
				q.mu.Unlock()
				log.Debug("user worker retired")
				return
			}
			q.mu.Unlock()
			idleTimer.Reset(r.idle)
		case <-r.baseCtx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		}
	}
}
