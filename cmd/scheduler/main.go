// The scheduler is the job producer console app. It negotiates into a
// job-specific group on the hub, enqueues the job on the work queue,
// announces the submission, and then watches the group for step updates
// until the job completes. Ctrl-C asks for confirmation before broadcasting
// an advisory cancellation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"jobrelay/internal/client"
	"jobrelay/internal/domain"
	"jobrelay/internal/jobflow"
	"jobrelay/internal/platform/queue"
	"jobrelay/internal/protocol"
)

type cli struct {
	ServerURL string `required:"" help:"Hub server base URL." env:"HUB_SERVER_URL"`
	APIKey    string `required:"" help:"API key for the negotiate endpoint." env:"HUB_API_KEY"`

	RedisAddr  string `help:"Redis address for the work queue." default:"localhost:6379" env:"REDIS_ADDR"`
	Stream     string `help:"Work queue stream name." default:"jobrelay:jobs" env:"QUEUE_STREAM"`
	QueueGroup string `help:"Work queue consumer group." default:"jobrelay:workers" env:"QUEUE_GROUP"`

	JobName string   `help:"Job name." default:"Job 1" env:"JOB_NAME"`
	Steps   []string `help:"Ordered job steps." env:"JOB_STEPS"`
}

// defaultSteps is the canonical pipeline announced when --steps is not set.
var defaultSteps = []string{
	"Read all the data",
	"Build in-memory model",
	"Train the model",
	"Evaluate the model",
	"Gather results",
	"Send Response",
	"Done",
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg cli
	kong.Parse(&cfg, kong.Description("jobrelay scheduler: submit a job and watch it to completion."))
	if len(cfg.Steps) == 0 {
		cfg.Steps = defaultSteps
	}

	jobID := fmt.Sprintf("job-%s-%s", userName(), time.Now().UTC().Format("2006-01-02-15-04-05"))
	userID := "scheduler-" + jobID

	job := domain.Job{
		Name:          cfg.JobName,
		CorrelationID: jobID,
		Steps:         cfg.Steps,
	}

	redisQ, err := queue.NewRedisQueue(cfg.RedisAddr, cfg.Stream, cfg.QueueGroup)
	if err != nil {
		slog.Error("Failed to connect to work queue", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	session := client.NewSession(client.Negotiator(cfg.ServerURL, cfg.APIKey, userID, jobID))
	coord := jobflow.NewCoordinator(job, redisQ, session)

	session.OnConnected(func(c protocol.SystemConnected) {
		slog.Info("Connected to hub", "connectionId", c.ConnectionID)
	})
	session.OnGroupMessage(func(m protocol.GroupMessage) {
		if m.FromUserID == userID {
			return // Skip messages from self
		}
		update, err := protocol.ParseJobUpdate(m.Data)
		if err != nil {
			slog.Warn("Unknown message", "group", m.Group, "error", err)
			return
		}
		fmt.Printf("Message received in group %s: %s - %s - %s\n", m.Group, update.Name, update.Step, update.Status)
		coord.OnUpdate(update)
	})

	if err := session.Start(ctx); err != nil {
		slog.Error("Failed to start session", "error", err)
		os.Exit(1)
	}
	defer session.Dispose()
	fmt.Printf("Session started for job %s\n", jobID)

	if err := coord.Submit(ctx); err != nil {
		slog.Error("Failed to submit job", "error", err)
		os.Exit(1)
	}
	fmt.Println("Job submitted, waiting for updates. Press Ctrl-C to cancel.")

	// An interrupt must not abort immediately: ask first, and only on
	// confirmation broadcast the cancellation.
	go confirmCancelLoop(ctx, coord)

	status, err := coord.Wait(ctx)
	if err != nil {
		slog.Error("Wait failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Job finished with status %s.\n", status)
}

// confirmCancelLoop prompts on every SIGINT; declining resumes waiting.
func confirmCancelLoop(ctx context.Context, coord *jobflow.Coordinator) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	stdin := bufio.NewReader(os.Stdin)

	for range interrupts {
		fmt.Println("Are you sure you want to cancel? (y/n)")
		answer, err := stdin.ReadString('\n')
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(answer), "y") {
			coord.Cancel(ctx, "user requested")
			fmt.Println("Cancellation requested for the job.")
			return
		}
		fmt.Println("Continuing execution.")
	}
}

func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "scheduler"
}
