package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// ConversationPurger deletes conversations that outlived their TTL.
type ConversationPurger interface {
	DeleteExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartRetentionWorker runs a background goroutine that periodically deletes
// conversations idle for longer than ttl. It stops when ctx is done. A
// non-positive interval uses one hour.
func StartRetentionWorker(ctx context.Context, repo ConversationPurger, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = retentionInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		// Sweep once at startup so a long-stopped server catches up.
		purgeExpiredConversations(ctx, repo, ttl)
		for {
			select {
			case <-ticker.C:
				purgeExpiredConversations(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func purgeExpiredConversations(ctx context.Context, repo ConversationPurger, ttl time.Duration) int64 {
	deleted, err := repo.DeleteExpiredConversations(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during sweep", "error", err)
			return 0
		}
		slog.Error("Retention worker failed to delete expired conversations", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Retention worker deleted expired conversations", "count", deleted, "ttl", ttl)
	}
	return deleted
}
