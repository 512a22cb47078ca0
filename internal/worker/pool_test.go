package worker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"jobrelay/internal/domain"
	"jobrelay/internal/worker"
)

func TestPoolRunsAllSubmittedJobs(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	pool := worker.NewPool(4, func(_ context.Context, job domain.Job) {
		mu.Lock()
		seen[job.CorrelationID]++
		mu.Unlock()
	})

	pool.Start(context.Background())
	for i := range 20 {
		pool.Submit(domain.Job{CorrelationID: string(rune('a' + i))})
	}
	pool.Stop()

	require.Len(t, seen, 20)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %q ran %d times", id, n)
	}
}

func TestPoolStopDrains(t *testing.T) {
	t.Parallel()

	done := make(chan struct{}, 8)
	pool := worker.NewPool(2, func(context.Context, domain.Job) {
		done <- struct{}{}
	})
	pool.Start(context.Background())
	for range 8 {
		pool.Submit(domain.Job{CorrelationID: "x"})
	}
	pool.Stop() // blocks until workers drained the queue
	require.Len(t, done, 8)
}
