package store

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 15 * time.Minute

// StartTTLWorker runs a background goroutine that periodically removes
// conversation histories idle for longer than ttl.
func StartTTLWorker(ctx context.Context, sessions ExpiringSessionStore, ttl time.Duration) {
	startTTLWorker(ctx, sessions, ttl, ttlWorkerInterval)
}

func startTTLWorker(ctx context.Context, sessions ExpiringSessionStore, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, sessions, ttl)
			case <-ctx.Done():
				slog.Info("Session TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, sessions ExpiringSessionStore, ttl time.Duration) {
	deleted, err := sessions.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("Session TTL worker failed to cleanup sessions", "error", err, "deleted", deleted)
		return
	}
	if deleted > 0 {
		slog.Info("Session TTL worker cleaned up idle sessions", "count", deleted)
	}
}
