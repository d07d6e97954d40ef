package server

import (
	"context"
	"log/slog"
	"time"
)

// CleanupWorker periodically purges expired operational rows: authorization
// grants, refresh tokens, federation attempts, and sessions. The sweep is
// best-effort; a failed run is logged and retried on the next tick, and it
// never touches request-serving paths.
type CleanupWorker struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewCleanupWorker constructs the worker.
func NewCleanupWorker(store Store, interval time.Duration, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{store: store, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *CleanupWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass. Running two sweeps concurrently is safe: every
// delete re-checks the expiry predicate.
func (w *CleanupWorker) Sweep(ctx context.Context) {
	stats, err := w.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		w.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if stats.Total() > 0 {
		w.logger.Info("cleanup sweep",
			"grants", stats.Grants,
			"refresh_tokens", stats.RefreshTokens,
			"federation_attempts", stats.FederationAttempts,
			"sessions", stats.Sessions)
	}
}
