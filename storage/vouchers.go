package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vouchergate/gateway/auth"
	"vouchergate/voucher"
)

const (
	// MaxBatchSize caps the vouchers produced by one GenerateVouchers call.
	MaxBatchSize = 500

	codeAttempts = 8
)

// Redeem consumes a voucher for a client MAC on a router, or resumes the
// open session when the same MAC presents an already bound voucher. The
// read, the conditional update and the session insert share a transaction.
func (s *Store) Redeem(ctx context.Context, req auth.Redemption) (auth.Redeemed, error) {
	code := voucher.NormalizeCode(req.Code)
	mac := voucher.NormalizeMAC(req.MAC)
	at := req.At.UTC()
	if req.At.IsZero() {
		at = s.clock()
	}

	var out auth.Redeemed
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v Voucher
		if err := tx.Where("code = ?", code).First(&v).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: not found", auth.ErrInvalidVoucher)
			}
			return fmt.Errorf("load voucher: %w", err)
		}
		if err := checkVoucher(v, req.Router, at); err != nil {
			return err
		}

		if v.Status == StatusUnused {
			if v.Seconds <= 0 {
				return fmt.Errorf("%w: bad seconds", auth.ErrInvalidVoucher)
			}
			res := tx.Model(&Voucher{}).
				Where("code = ? AND status = ?", code, StatusUnused).
				Updates(map[string]interface{}{
					"status":         StatusUsed,
					"used_at":        at,
					"used_by_mac":    mac,
					"used_by_router": req.Router.ID,
				})
			if res.Error != nil {
				return fmt.Errorf("consume voucher: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				end := at.Add(time.Duration(v.Seconds) * time.Second)
				session := Session{
					ID:       uuid.New(),
					RouterID: req.Router.ID,
					MAC:      mac,
					Voucher:  code,
					StartAt:  at,
					EndAt:    end,
				}
				if err := tx.Create(&session).Error; err != nil {
					return fmt.Errorf("open session: %w", err)
				}
				out = auth.Redeemed{Remaining: end.Sub(at), UpBytes: v.UpBytes, DownBytes: v.DownBytes, SessionEnd: end}
				return nil
			}
			// A concurrent redemption won; re-read to see who holds it.
			if err := tx.Where("code = ?", code).First(&v).Error; err != nil {
				return fmt.Errorf("reload voucher: %w", err)
			}
		}

		if v.Status != StatusUsed || v.UsedByMAC != mac {
			return auth.ErrVoucherAlreadyConsumed
		}
		var session Session
		err := tx.Where("voucher = ? AND mac = ?", code, mac).Order("end_at DESC").First(&session).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no session", auth.ErrInvalidVoucher)
			}
			return fmt.Errorf("load session: %w", err)
		}
		remaining := session.EndAt.Sub(at)
		if remaining <= 0 {
			return fmt.Errorf("%w: session expired", auth.ErrInvalidVoucher)
		}
		out = auth.Redeemed{Remaining: remaining, UpBytes: v.UpBytes, DownBytes: v.DownBytes, SessionEnd: session.EndAt.UTC()}
		return nil
	})
	if err != nil {
		return auth.Redeemed{}, err
	}
	return out, nil
}

func checkVoucher(v Voucher, router auth.Router, at time.Time) error {
	switch {
	case v.ExpiresAt != nil && v.ExpiresAt.Before(at):
		return fmt.Errorf("%w: expired", auth.ErrInvalidVoucher)
	case v.Status == StatusRevoked:
		return fmt.Errorf("%w: revoked", auth.ErrInvalidVoucher)
	case v.Owner != router.Owner:
		return fmt.Errorf("%w: tenant mismatch", auth.ErrInvalidVoucher)
	case v.RouterScope != AnyRouter && v.RouterScope != router.ID:
		return fmt.Errorf("%w: out of router scope", auth.ErrInvalidVoucher)
	}
	return nil
}

// CreateProfile stores a voucher template.
func (s *Store) CreateProfile(ctx context.Context, p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || p.Seconds <= 0 || p.UpBytes < 0 || p.DownBytes < 0 || p.ExpiryDays < 0 {
		return fmt.Errorf("%w: profile requires a name, positive seconds and non-negative limits", ErrInvalid)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Profile{}).Where("name = ?", p.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("check profile: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: profile %s exists", ErrConflict, p.Name)
		}
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		return nil
	})
}

// BatchRequest describes a voucher batch.
type BatchRequest struct {
	Owner       string
	RouterScope string
	Profile     string
	Quantity    int
	CodeLength  int
}

// GenerateVouchers creates Quantity unused vouchers from a profile. Codes
// that collide with existing vouchers are regenerated.
func (s *Store) GenerateVouchers(ctx context.Context, req BatchRequest) ([]Voucher, error) {
	if req.Quantity < 1 || req.Quantity > MaxBatchSize {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalid, MaxBatchSize)
	}
	scope := strings.TrimSpace(req.RouterScope)
	if scope == "" {
		scope = AnyRouter
	}
	length := req.CodeLength
	if length == 0 {
		length = voucher.DefaultLength
	}
	now := s.clock()

	var created []Voucher
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile Profile
		if err := tx.Where("name = ?", req.Profile).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: profile %s", ErrNotFound, req.Profile)
			}
			return fmt.Errorf("load profile: %w", err)
		}
		if scope != AnyRouter {
			var router Router
			if err := tx.Where("id = ?", scope).First(&router).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: router %s", ErrNotFound, scope)
				}
				return fmt.Errorf("load router: %w", err)
			}
			if router.Owner != req.Owner {
				return fmt.Errorf("%w: router %s belongs to another owner", ErrInvalid, scope)
			}
		}
		var expires *time.Time
		if profile.ExpiryDays > 0 {
			at := now.AddDate(0, 0, profile.ExpiryDays)
			expires = &at
		}

		seen := make(map[string]struct{}, req.Quantity)
		batch := make([]Voucher, 0, req.Quantity)
		for len(batch) < req.Quantity {
			code, err := freshCode(tx, length, seen)
			if err != nil {
				return err
			}
			batch = append(batch, Voucher{
				Code:        code,
				Owner:       req.Owner,
				RouterScope: scope,
				Profile:     profile.Name,
				Seconds:     profile.Seconds,
				UpBytes:     profile.UpBytes,
				DownBytes:   profile.DownBytes,
				ExpiresAt:   expires,
				Status:      StatusUnused,
				CreatedAt:   now,
			})
		}
		if err := tx.CreateInBatches(&batch, 100).Error; err != nil {
			return fmt.Errorf("create vouchers: %w", err)
		}
		created = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func freshCode(tx *gorm.DB, length int, seen map[string]struct{}) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := voucher.Generate(length)
		if err != nil {
			return "", err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		var count int64
		if err := tx.Model(&Voucher{}).Where("code = ?", code).Count(&count).Error; err != nil {
			return "", fmt.Errorf("check voucher code: %w", err)
		}
		if count == 0 {
			seen[code] = struct{}{}
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: no free voucher code after %d attempts", ErrConflict, codeAttempts)
}

// GetVoucher loads a voucher by code.
func (s *Store) GetVoucher(ctx context.Context, code string) (Voucher, error) {
	var v Voucher
	err := s.db.WithContext(ctx).Where("code = ?", voucher.NormalizeCode(code)).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Voucher{}, fmt.Errorf("%w: voucher %s", ErrNotFound, code)
		}
		return Voucher{}, fmt.Errorf("load voucher: %w", err)
	}
	return v, nil
}

// RevokeVoucher marks an unused voucher as revoked. Used vouchers keep their
// binding so the open session is not cut short.
func (s *Store) RevokeVoucher(ctx context.Context, code string) error {
	code = voucher.NormalizeCode(code)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v Voucher
		if err := tx.Where("code = ?", code).First(&v).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: voucher %s", ErrNotFound, code)
			}
			return fmt.Errorf("load voucher: %w", err)
		}
		if v.Status != StatusUnused {
			return fmt.Errorf("%w: voucher %s is %s", ErrConflict, code, v.Status)
		}
		res := tx.Model(&Voucher{}).Where("code = ? AND status = ?", code, StatusUnused).Update("status", StatusRevoked)
		if res.Error != nil {
			return fmt.Errorf("revoke voucher: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: voucher %s changed concurrently", ErrConflict, code)
		}
		return nil
	})
}
