// Package workerpool runs per-partition maintenance work on a bounded set
// of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Task is one unit of work, usually bound to a single partition
type Task struct {
	ID string
	Fn func(context.Context) error
}

type job struct {
	task Task
	ctx  context.Context
	done chan<- error
}

// Pool executes submitted tasks on a fixed number of workers
type Pool struct {
	name      string
	workers   int
	queueSize int
	queue     chan job
	logger    *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool sizing
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New starts a pool. Zero sizes fall back to four workers and a queue
// twice that long.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:      cfg.Name,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		queue:     make(chan job, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case j := <-p.queue:
			j.done <- p.execute(id, j)
		}
	}
}

func (p *Pool) execute(workerID int, j job) error {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(j)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", j.task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task_id", j.task.ID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.task.ID, r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task.Fn(j.ctx)
}

// Submit queues task, blocking until there is room. The returned channel
// receives the task's result once.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	done := make(chan error, 1)
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return nil, ctx.Err()
	case p.queue <- job{task: task, ctx: ctx, done: done}:
		atomic.AddUint64(&p.submitted, 1)
		return done, nil
	}
}

// Run executes tasks and waits for all of them. Every failure is returned,
// combined. Once a task fails the context handed to the rest is cancelled.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
		cancel()
	}
	for _, t := range tasks {
		done, err := p.Submit(ctx, t)
		if err != nil {
			record(fmt.Errorf("task %s not started: %w", t.ID, err))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := <-done; err != nil {
				record(err)
			}
		}()
	}
	wg.Wait()
	return errs
}

// Stop ends the workers after their current task
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Utilization returns the share of busy workers as a percentage
func (s Stats) Utilization() float64 {
	if s.Workers == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Workers) * 100.0
}
