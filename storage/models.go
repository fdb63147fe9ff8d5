package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoucherStatus tracks the voucher lifecycle.
type VoucherStatus string

// Voucher states.
const (
	StatusUnused  VoucherStatus = "unused"
	StatusUsed    VoucherStatus = "used"
	StatusRevoked VoucherStatus = "revoked"
)

// AnyRouter scopes a voucher to every router of its owner.
const AnyRouter = "*"

// Router is a hotspot device allowed to call the auth endpoint.
type Router struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	Owner     string `gorm:"size:64;index"`
	Secret    string `gorm:"size:256;not null"`
	Enabled   bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile is a template for voucher batches.
type Profile struct {
	Name       string `gorm:"primaryKey;size:64"`
	Seconds    int64  `gorm:"not null"`
	UpBytes    int64
	DownBytes  int64
	ExpiryDays int
	CreatedAt  time.Time
}

// Voucher is a one-time access code. RouterScope is either AnyRouter or a
// single router id.
type Voucher struct {
	Code         string `gorm:"primaryKey;size:32"`
	Owner        string `gorm:"size:64;index"`
	RouterScope  string `gorm:"size:64;not null"`
	Profile      string `gorm:"size:64"`
	Seconds      int64  `gorm:"not null"`
	UpBytes      int64
	DownBytes    int64
	ExpiresAt    *time.Time
	Status       VoucherStatus `gorm:"size:16;index;not null"`
	UsedAt       *time.Time
	UsedByMAC    string `gorm:"column:used_by_mac;size:17"`
	UsedByRouter string `gorm:"size:64"`
	CreatedAt    time.Time
}

// Session is the access window opened by a redemption.
type Session struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RouterID  string    `gorm:"size:64;index"`
	MAC       string    `gorm:"column:mac;size:17;index:idx_session_voucher_mac"`
	Voucher   string    `gorm:"size:32;index:idx_session_voucher_mac"`
	StartAt   time.Time
	EndAt     time.Time
	CreatedAt time.Time
}

// Nonce is a consumed (router, nonce) pair. ObservedNanos is unix nanoseconds
// so range deletes compare integers on every dialect.
type Nonce struct {
	RouterID      string `gorm:"primaryKey;size:64"`
	Nonce         string `gorm:"primaryKey;size:128"`
	ObservedNanos int64  `gorm:"index;not null"`
}

// AuthEvent is the audit record of a single auth decision.
type AuthEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RouterID   string    `gorm:"size:64;index"`
	MAC        string    `gorm:"column:mac;size:17"`
	Voucher    string    `gorm:"size:32;index"`
	Allowed    bool
	Reason     string    `gorm:"size:32;index"`
	Detail     string    `gorm:"size:256"`
	RemoteAddr string    `gorm:"size:64"`
	OccurredAt time.Time `gorm:"index"`
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Router{}, &Profile{}, &Voucher{}, &Session{}, &Nonce{}, &AuthEvent{})
}
