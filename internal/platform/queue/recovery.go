package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the PEL for stale jobs and reclaims them.
// A job sits in the PEL from XREADGROUP until a worker acks it; if the
// worker died, the entry goes stale and would otherwise leak forever.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval time.Duration, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Unique consumer ID for the recovery agent
	consumerName := "recovery-agent"

	slog.Info("Starting queue recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// XAUTOCLAIM: Finds messages pending for > maxAge
			// and claims them to this consumer.
			start := "-"

			for {
				messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
					Stream:   r.stream,
					Group:    r.group,
					MinIdle:  maxAge,
					Start:    start,
					Count:    10,
					Consumer: consumerName,
				}).Result()

				if err != nil {
					slog.Error("Recovery routine failed", "error", err)
					break
				}

				if len(messages) == 0 {
					break // No more stale messages
				}

				slog.Info("Recovered stale jobs", "count", len(messages))

				// A stale entry means its worker died after dequeue. The
				// job's group saw no terminal update, so acking here keeps
				// the PEL bounded while the scheduler's own wait timeout
				// surfaces the loss. Re-publishing would double-run steps
				// whose updates already went out (delivery is best-effort,
				// not exactly-once).
				for _, msg := range messages {
					slog.Warn("Stale job claimed by recovery agent", "msgID", msg.ID)
					r.client.XAck(ctx, r.stream, r.group, msg.ID)
				}

				start = nextStart
				if start == "0-0" {
					break
				}
			}
		}
	}
}
