package jobflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/domain"
	"jobrelay/internal/jobflow"
	"jobrelay/internal/protocol"
)

// fakeQueue records published jobs.
type fakeQueue struct {
	mu         sync.Mutex
	published  []domain.Job
	publishErr error
}

func (q *fakeQueue) Publish(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, job)
	return nil
}

func (q *fakeQueue) Subscribe(context.Context) (<-chan domain.Job, error) { return nil, nil }
func (q *fakeQueue) Acknowledge(context.Context, string) error            { return nil }

// fakeSender records events and group sends.
type fakeSender struct {
	mu     sync.Mutex
	events []string
	sends  []domain.JobUpdate
}

func (s *fakeSender) SendEvent(_ context.Context, event string, _ any, _ string, _ bool) (protocol.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return protocol.Ack{}, nil
}

func (s *fakeSender) SendToGroup(_ context.Context, _ string, payload any, _ bool) (protocol.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := payload.(domain.JobUpdate); ok {
		s.sends = append(s.sends, u)
	}
	return protocol.Ack{}, nil
}

func (s *fakeSender) lastSend() (domain.JobUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sends) == 0 {
		return domain.JobUpdate{}, false
	}
	return s.sends[len(s.sends)-1], true
}

var testJob = domain.Job{
	Name:          "Job 1",
	CorrelationID: "job-1",
	Steps:         []string{"Read", "Train", "Done"},
}

func signaled(c *jobflow.Coordinator) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func TestSubmitPublishesAndAnnounces(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := &fakeSender{}
	c := jobflow.NewCoordinator(testJob, q, s)

	require.NoError(t, c.Submit(context.Background()))

	require.Equal(t, []domain.Job{testJob}, q.published)
	require.Equal(t, []string{jobflow.SubmittedEvent}, s.events)
	require.False(t, signaled(c))
	require.Empty(t, c.Terminal())
}

func TestLifecycleToCompletion(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})
	require.NoError(t, c.Submit(context.Background()))

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Train", Status: domain.StatusInProgress})
	require.False(t, signaled(c))
	status, ok := c.StepStatus("Train")
	require.True(t, ok)
	require.Equal(t, domain.StatusInProgress, status)

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Done", Status: domain.StatusCompleted})
	require.True(t, signaled(c))
	require.Equal(t, domain.StatusCompleted, c.Terminal())
}

func TestTerminalSignalFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Done", Status: domain.StatusCompleted})
	require.Equal(t, domain.StatusCompleted, c.Terminal())

	// Duplicate and contradictory late updates are ignored.
	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Done", Status: domain.StatusCompleted})
	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Train", Status: domain.StatusCancelled})
	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Read", Status: domain.StatusFailed})
	require.Equal(t, domain.StatusCompleted, c.Terminal())

	status, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, status)
}

func TestUpdatesForOtherJobsIgnored(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-2", Step: "Done", Status: domain.StatusCompleted})
	require.False(t, signaled(c))
	require.Empty(t, c.Terminal())
}

func TestCancelBroadcastsAndSignals(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, s)

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Train", Status: domain.StatusInProgress})
	c.Cancel(context.Background(), "user requested")

	require.True(t, signaled(c))
	require.Equal(t, domain.StatusCancelled, c.Terminal())

	sent, ok := s.lastSend()
	require.True(t, ok)
	require.Equal(t, domain.StatusCancelled, sent.Status)
	require.Equal(t, "job-1", sent.CorrelationID)
}

func TestCancelledUpdateIsTerminal(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Cancelled", Status: domain.StatusCancelled})
	require.True(t, signaled(c))
	require.Equal(t, domain.StatusCancelled, c.Terminal())
}

func TestFailedUpdateIsTerminal(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})

	c.OnUpdate(domain.JobUpdate{CorrelationID: "job-1", Step: "Train", Status: domain.StatusFailed})
	require.Equal(t, domain.StatusFailed, c.Terminal())
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	c := jobflow.NewCoordinator(testJob, &fakeQueue{}, &fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
