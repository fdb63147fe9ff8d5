package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordEvent appends an auth decision to the audit trail.
func (s *Store) RecordEvent(ctx context.Context, event AuthEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock()
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("record auth event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest audit events for a router, or for every
// router when routerID is empty.
func (s *Store) RecentEvents(ctx context.Context, routerID string, limit int) ([]AuthEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("occurred_at DESC").Limit(limit)
	if routerID != "" {
		query = query.Where("router_id = ?", routerID)
	}
	var events []AuthEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load auth events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes audit events that occurred before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", cutoff.UTC()).Delete(&AuthEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune auth events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
