// The worker consumes jobs from the work queue and executes their steps,
// publishing an InProgress and a Completed update for each step into the
// job's group on the hub. It honors an observed Cancelled update by stopping
// early, and acks the queue entry when it is done with the job.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"jobrelay/internal/client"
	"jobrelay/internal/domain"
	"jobrelay/internal/platform/queue"
	"jobrelay/internal/protocol"
	"jobrelay/internal/worker"
)

type cli struct {
	ServerURL string `required:"" help:"Hub server base URL." env:"HUB_SERVER_URL"`
	APIKey    string `required:"" help:"API key for the negotiate endpoint." env:"HUB_API_KEY"`

	RedisAddr  string `help:"Redis address for the work queue." default:"localhost:6379" env:"REDIS_ADDR"`
	Stream     string `help:"Work queue stream name." default:"jobrelay:jobs" env:"QUEUE_STREAM"`
	QueueGroup string `help:"Work queue consumer group." default:"jobrelay:workers" env:"QUEUE_GROUP"`

	Concurrency int           `help:"Jobs processed concurrently." default:"4" env:"WORKER_CONCURRENCY"`
	StepDelay   time.Duration `help:"Simulated duration of one step." default:"500ms" env:"WORKER_STEP_DELAY"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("Starting jobrelay worker...")

	var cfg cli
	kong.Parse(&cfg, kong.Description("jobrelay worker: execute queued jobs and publish step updates."))

	redisQ, err := queue.NewRedisQueue(cfg.RedisAddr, cfg.Stream, cfg.QueueGroup)
	if err != nil {
		slog.Error("Failed to connect to work queue", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reclaim jobs abandoned by dead workers.
	go redisQ.StartRecoveryRoutine(ctx, 30*time.Second, 2*time.Minute)

	runner := &stepRunner{cfg: cfg, queue: redisQ}
	pool := worker.NewPool(cfg.Concurrency, runner.Run)
	pool.Start(ctx)

	jobs, err := redisQ.Subscribe(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to work queue", "error", err)
		os.Exit(1)
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		slog.Info("Shutting down worker")
		cancel()
	}()

	for job := range jobs {
		pool.Submit(job)
	}
	pool.Stop()
}

// stepRunner walks one job's steps, reporting progress into the job's group.
type stepRunner struct {
	cfg   cli
	queue domain.JobQueue
}

// Run processes a single dequeued job end to end.
func (r *stepRunner) Run(ctx context.Context, job domain.Job) {
	userID := "worker-" + uuid.New().String()[:8]
	slog.Info("Picked up job", "correlationId", job.CorrelationID, "userId", userID, "steps", len(job.Steps))

	var cancelled atomic.Bool
	session := client.NewSession(client.Negotiator(r.cfg.ServerURL, r.cfg.APIKey, userID, job.CorrelationID))
	session.OnGroupMessage(func(m protocol.GroupMessage) {
		update, err := protocol.ParseJobUpdate(m.Data)
		if err != nil {
			return
		}
		if update.CorrelationID == job.CorrelationID && update.Status == domain.StatusCancelled {
			slog.Info("Cancellation observed, stopping job", "correlationId", job.CorrelationID)
			cancelled.Store(true)
		}
	})

	if err := session.Start(ctx); err != nil {
		slog.Error("Failed to open session for job", "correlationId", job.CorrelationID, "error", err)
		// Leave the queue entry unacked so the recovery routine sees it.
		return
	}
	defer session.Dispose()

	for _, step := range job.Steps {
		if cancelled.Load() || ctx.Err() != nil {
			break
		}

		r.report(ctx, session, job, step, domain.StatusInProgress)
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.StepDelay):
		}
		r.report(ctx, session, job, step, domain.StatusCompleted)
	}

	if err := r.queue.Acknowledge(ctx, job.RawID); err != nil {
		slog.Error("Failed to ack job", "correlationId", job.CorrelationID, "error", err)
	}
	slog.Info("Finished job", "correlationId", job.CorrelationID, "cancelled", cancelled.Load())
}

func (r *stepRunner) report(ctx context.Context, session *client.Session, job domain.Job, step string, status domain.Status) {
	update := domain.JobUpdate{
		Name:          job.Name,
		CorrelationID: job.CorrelationID,
		Step:          step,
		Status:        status,
	}
	// Fire-and-forget: a lost update is acceptable, the protocol is
	// best-effort broadcast.
	if _, err := session.SendToGroup(ctx, job.CorrelationID, update, false); err != nil {
		slog.Warn("Failed to publish step update", "correlationId", job.CorrelationID, "step", step, "error", err)
	}
}
