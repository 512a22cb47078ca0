// Package jobflow tracks a submitted job from announcement to a terminal
// state, driven by the JobUpdate events relayed through the job's group.
package jobflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"jobrelay/internal/domain"
	"jobrelay/internal/protocol"
)

// EventSender is the slice of the connection session the coordinator needs:
// announcing submission and broadcasting the advisory cancel.
type EventSender interface {
	SendEvent(ctx context.Context, event string, payload any, dataType string, ackRequested bool) (protocol.Ack, error)
	SendToGroup(ctx context.Context, group string, payload any, ackRequested bool) (protocol.Ack, error)
}

// SubmittedEvent is the event name announced to the group when a job is
// handed to the work queue.
const SubmittedEvent = "job_submitted"

// Coordinator drives one job through its lifecycle. It has exactly one
// writer of the completion signal (itself) and any number of waiters.
type Coordinator struct {
	job    domain.Job
	queue  domain.JobQueue
	sender EventSender

	mu       sync.Mutex
	steps    map[string]domain.Status
	terminal domain.Status // empty until a terminal update arrives

	once sync.Once
	done chan struct{}
}

// NewCoordinator returns a coordinator for job. Submitting publishes to
// queue; updates are expected via OnUpdate from the session's group-message
// handler.
func NewCoordinator(job domain.Job, queue domain.JobQueue, sender EventSender) *Coordinator {
	return &Coordinator{
		job:    job,
		queue:  queue,
		sender: sender,
		steps:  make(map[string]domain.Status),
		done:   make(chan struct{}),
	}
}

// Submit publishes the job description to the work queue, then announces it
// to the job's group. The announcement is fire-and-forget; Submit does not
// wait for any worker to accept.
func (c *Coordinator) Submit(ctx context.Context) error {
	if err := c.queue.Publish(ctx, c.job); err != nil {
		return fmt.Errorf("publish job %q: %w", c.job.CorrelationID, err)
	}
	if _, err := c.sender.SendEvent(ctx, SubmittedEvent, c.job, protocol.DataTypeJSON, false); err != nil {
		// The job is queued; a lost announcement only costs observers the
		// submission notice.
		slog.Warn("Failed to announce job submission", "correlationId", c.job.CorrelationID, "error", err)
	}
	slog.Info("Job submitted", "name", c.job.Name, "correlationId", c.job.CorrelationID, "steps", len(c.job.Steps))
	return nil
}

// OnUpdate advances the job's state from a relayed JobUpdate. Updates for
// other jobs and updates after a terminal state are ignored; the completion
// signal fires exactly once no matter how many terminal updates arrive.
func (c *Coordinator) OnUpdate(u domain.JobUpdate) {
	if u.CorrelationID != c.job.CorrelationID {
		return
	}

	c.mu.Lock()
	if c.terminal != "" {
		c.mu.Unlock()
		return
	}
	c.steps[u.Step] = u.Status

	switch {
	case u.Status == domain.StatusCancelled:
		c.terminal = domain.StatusCancelled
	case u.Status == domain.StatusFailed:
		c.terminal = domain.StatusFailed
	case u.Step == domain.DoneStep && u.Status == domain.StatusCompleted:
		c.terminal = domain.StatusCompleted
	}
	terminal := c.terminal
	c.mu.Unlock()

	if terminal != "" {
		slog.Info("Job reached terminal state", "correlationId", c.job.CorrelationID, "status", terminal)
		c.signal()
	}
}

// Cancel broadcasts an advisory Cancelled update to the job's group and
// signals local completion. Workers are expected, but not guaranteed, to
// observe it and stop: delivery is fire-and-forget.
func (c *Coordinator) Cancel(ctx context.Context, reason string) {
	update := domain.JobUpdate{
		Name:          c.job.Name,
		CorrelationID: c.job.CorrelationID,
		Step:          "Cancelled",
		Status:        domain.StatusCancelled,
	}
	if _, err := c.sender.SendToGroup(ctx, c.job.CorrelationID, update, false); err != nil {
		slog.Warn("Failed to broadcast cancellation", "correlationId", c.job.CorrelationID, "error", err)
	}
	slog.Info("Cancellation requested", "correlationId", c.job.CorrelationID, "reason", reason)

	c.mu.Lock()
	if c.terminal == "" {
		c.terminal = domain.StatusCancelled
	}
	c.mu.Unlock()
	c.signal()
}

// Wait blocks until the job reaches a terminal state or ctx is done. The
// caller owns the timeout policy.
func (c *Coordinator) Wait(ctx context.Context) (domain.Status, error) {
	select {
	case <-c.done:
		return c.Terminal(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done exposes the one-shot completion signal.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Terminal returns the terminal status, or empty if the job is still live.
func (c *Coordinator) Terminal() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// StepStatus returns the last observed status for a step.
func (c *Coordinator) StepStatus(step string) (domain.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.steps[step]
	return s, ok
}

func (c *Coordinator) signal() {
	c.once.Do(func() { close(c.done) })
}
