package extract

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one unit of extraction work.
type Job struct {
	Kind string // "snapshot" or "bookmark"
	Run  func(ctx context.Context)

	// NotBefore delays execution, used by live bookmarks that must
	// wait for the after-window to be recorded.
	NotBefore time.Time
}

// PoolMetrics is the slice of the metrics collector the pool reports to.
type PoolMetrics interface {
	ExtractQueueDepth(n int)
}

type nopPoolMetrics struct{}

func (nopPoolMetrics) ExtractQueueDepth(int) {}

// Pool runs extraction jobs on a fixed set of workers behind a bounded
// FIFO queue. A full queue rejects immediately; callers surface that
// as backpressure, not as silent queuing.
type Pool struct {
	queue   chan Job
	metrics PoolMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(workers, queueSize int, metrics PoolMetrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	if metrics == nil {
		metrics = nopPoolMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan Job, queueSize),
		metrics: metrics,
		cancel:  cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx, i)
	}
	return p
}

// Enqueue adds a job or fails fast with ErrQueueFull. The send happens
// under the same lock Shutdown closes the queue under, so a late
// Enqueue can never hit a closed channel.
func (p *Pool) Enqueue(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueFull
	}

	select {
	case p.queue <- job:
		p.metrics.ExtractQueueDepth(len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth reports jobs waiting in the queue.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Shutdown stops accepting work, cancels running jobs and waits for
// the workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.queue {
		p.metrics.ExtractQueueDepth(len(p.queue))

		if wait := time.Until(job.NotBefore); wait > 0 {
			select {
			case <-ctx.Done():
				// Still run the job so its record fails cleanly
				// instead of staying PROCESSING forever.
			case <-time.After(wait):
			}
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[extract] worker %d: job panic: %v", id, r)
				}
			}()
			job.Run(ctx)
		}()
	}
}
