package worker

import (
	"context"
	"log/slog"
	"sync"

	"jobrelay/internal/domain"
)

// RunFunc processes one dequeued job end to end: negotiate into the job's
// group, walk the steps publishing updates, ack the queue entry.
type RunFunc func(ctx context.Context, job domain.Job)

// Pool implements a fixed-size worker pool pattern. It bounds how many jobs
// are being walked through their steps concurrently.
type Pool struct {
	// workerCount determines how many jobs can run concurrently.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg  sync.WaitGroup
	run RunFunc
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, run RunFunc) *Pool {
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a point.
		tasksCh: make(chan domain.Job, concurrency),
		run:     run,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their
// current task and exit. It blocks until all workers have exited.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// worker is the core loop that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerId", id)

	for job := range p.tasksCh {
		slog.Debug("Processing job", "workerId", id, "correlationId", job.CorrelationID)
		p.run(ctx, job)
	}

	slog.Info("Worker stopped", "workerId", id)
}
