package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ineyio/keyrouter"
)

const pruneInterval = time.Hour

// runPruner deletes records older than retention every interval until ctx is
// done. The first pass runs immediately.
func runPruner(ctx context.Context, p keyrouter.Pruner, retention, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := p.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("prune failed", "error", err)
		case n > 0:
			logger.Info("pruned usage records", "records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
