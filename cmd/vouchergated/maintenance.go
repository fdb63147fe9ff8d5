package main

import (
	"context"
	"log/slog"
	"time"

	"vouchergate/gateway/auth"
	"vouchergate/observability"
)

const (
	noncePruneInterval = time.Minute
	eventPruneInterval = time.Hour
)

type eventPruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type maintenance struct {
	guard     *auth.NonceGuard
	events    eventPruner
	retention time.Duration
	logger    *slog.Logger
}

// runMaintenance prunes the nonce ledger and expired audit events until ctx
// is cancelled.
func runMaintenance(ctx context.Context, m maintenance) {
	nonceTicker := time.NewTicker(noncePruneInterval)
	defer nonceTicker.Stop()
	eventTicker := time.NewTicker(eventPruneInterval)
	defer eventTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-nonceTicker.C:
			m.pruneNonces(ctx, now)
		case now := <-eventTicker.C:
			m.pruneEvents(ctx, now)
		}
	}
}

func (m maintenance) pruneNonces(ctx context.Context, now time.Time) {
	if m.guard == nil {
		return
	}
	if err := m.guard.Prune(ctx, now); err != nil {
		m.logger.Warn("nonce prune failed", "error", err)
	}
}

func (m maintenance) pruneEvents(ctx context.Context, now time.Time) {
	if m.events == nil || m.retention <= 0 {
		return
	}
	removed, err := m.events.PruneEvents(ctx, now.Add(-m.retention))
	if err != nil {
		m.logger.Warn("audit prune failed", "error", err)
		return
	}
	observability.Auth().RecordPrune("auth_events", removed)
	if removed > 0 {
		m.logger.Info("pruned audit events", "rows", removed)
	}
}
