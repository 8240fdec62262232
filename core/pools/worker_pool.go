package pools

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultWorkers is the default number of connection workers
const DefaultWorkers = 64

var ErrPoolClosed = errors.New("worker pool closed")

// Task represents a unit of work
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines fed by one bounded queue.
// Submit blocks while the queue is full; nothing is dropped or run inline.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup

	mu     sync.RWMutex // guards closed against in-flight Submit calls
	closed bool

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksPanicked  atomic.Uint64
		busy           atomic.Int64
	}
}

// NewWorkerPool starts numWorkers goroutines behind a queue of queueSize
// pending tasks. queueSize 0 means every Submit waits for an idle worker.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize < 0 {
		queueSize = 0
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, queueSize),
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.worker(i)
	}

	return pool
}

// Submit queues task, waiting for space if the queue is full
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(id, task)
	}
}

// run executes one task; a panicking task must not take the worker down
func (p *WorkerPool) run(id int, task Task) {
	p.stats.busy.Add(1)
	defer func() {
		p.stats.busy.Add(-1)
		p.stats.tasksCompleted.Add(1)
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
			log.Printf("worker %d: task panic: %v", id, r)
		}
	}()

	task()
}

// Close stops accepting tasks, lets the workers drain the queue and waits for them
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		QueueCapacity:  cap(p.tasks),
		Queued:         len(p.tasks),
		Busy:           int(p.stats.busy.Load()),
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - completed,
		TasksPanicked:  p.stats.tasksPanicked.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	QueueCapacity  int    `json:"queue_capacity"`
	Queued         int    `json:"queued"`
	Busy           int    `json:"busy"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   uint64 `json:"tasks_pending"`
	TasksPanicked  uint64 `json:"tasks_panicked"`
}
