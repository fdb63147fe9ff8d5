package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"vouchergate/gateway/auth"
)

// EnsureNonce inserts the (router, nonce) pair unless it already exists. The
// primary key makes the insert the check-and-set.
func (s *Store) EnsureNonce(ctx context.Context, record auth.NonceRecord) (bool, error) {
	if strings.TrimSpace(record.RouterID) == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = s.clock()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Nonce{RouterID: record.RouterID, Nonce: record.Nonce, ObservedNanos: observed.UnixNano()})
	if res.Error != nil {
		return false, fmt.Errorf("record nonce: %w", res.Error)
	}
	return res.RowsAffected == 0, nil
}

// RecentNonces returns nonces observed at or after cutoff.
func (s *Store) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	var rows []Nonce
	if err := s.db.WithContext(ctx).Where("observed_nanos >= ?", cutoff.UnixNano()).Order("observed_nanos").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	records := make([]auth.NonceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, auth.NonceRecord{
			RouterID:   row.RouterID,
			Nonce:      row.Nonce,
			ObservedAt: time.Unix(0, row.ObservedNanos).UTC(),
		})
	}
	return records, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (s *Store) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if err := s.db.WithContext(ctx).Where("observed_nanos < ?", cutoff.UnixNano()).Delete(&Nonce{}).Error; err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}
