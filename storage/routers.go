package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"vouchergate/gateway/auth"
)

// LookupRouter returns the secret of an enabled router. Unknown and disabled
// routers are both reported as auth.ErrUnknownRouter.
func (s *Store) LookupRouter(ctx context.Context, id string) (auth.Router, error) {
	var r Router
	err := s.db.WithContext(ctx).Where("id = ? AND enabled = ?", id, true).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.Router{}, fmt.Errorf("%w: %s", auth.ErrUnknownRouter, id)
		}
		return auth.Router{}, fmt.Errorf("load router: %w", err)
	}
	return auth.Router{ID: r.ID, Owner: r.Owner, Secret: r.Secret}, nil
}

// CreateRouter registers a router. Router ids are used as composite key
// prefixes in the nonce ledgers and so may not contain '|'.
func (s *Store) CreateRouter(ctx context.Context, r Router) error {
	r.ID = strings.TrimSpace(r.ID)
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: router id required", ErrInvalid)
	case strings.ContainsAny(r.ID, "|*"):
		return fmt.Errorf("%w: router id %q contains a reserved character", ErrInvalid, r.ID)
	case len(r.ID) > 64:
		return fmt.Errorf("%w: router id too long", ErrInvalid)
	case r.Secret == "":
		return fmt.Errorf("%w: router secret required", ErrInvalid)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Router{}).Where("id = ?", r.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("check router: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: router %s exists", ErrConflict, r.ID)
		}
		if err := tx.Create(&r).Error; err != nil {
			return fmt.Errorf("create router: %w", err)
		}
		return nil
	})
}

// SetRouterEnabled toggles whether a router may authenticate clients.
func (s *Store) SetRouterEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&Router{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("update router: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: router %s", ErrNotFound, id)
	}
	return nil
}

// ListRouters returns routers ordered by id, optionally filtered by owner.
func (s *Store) ListRouters(ctx context.Context, owner string) ([]Router, error) {
	query := s.db.WithContext(ctx).Order("id")
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	var routers []Router
	if err := query.Find(&routers).Error; err != nil {
		return nil, fmt.Errorf("list routers: %w", err)
	}
	return routers, nil
}
