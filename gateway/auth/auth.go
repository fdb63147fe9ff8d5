package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"vouchergate/voucher"
)

const (
	// DefaultClockSkew is the tolerated difference between a router's clock and ours.
	DefaultClockSkew = 5 * time.Minute
	// MaxClockSkew caps operator supplied skew values.
	MaxClockSkew = 15 * time.Minute
	// DefaultNonceTTL is how long a (router, nonce) pair is remembered.
	DefaultNonceTTL = 10 * time.Minute
	// DefaultNonceCapacity bounds the per-router in-memory nonce cache.
	DefaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	maxNonceLength       = 128
)

var (
	ErrMalformed              = errors.New("malformed auth request")
	ErrUnknownRouter          = errors.New("unknown router")
	ErrBadSignature           = errors.New("signature mismatch")
	ErrStaleTimestamp         = errors.New("timestamp outside allowed skew")
	ErrReplayedNonce          = errors.New("nonce already used")
	ErrNonceWindowFull        = errors.New("nonce window full")
	ErrInvalidVoucher         = errors.New("voucher invalid")
	ErrVoucherAlreadyConsumed = errors.New("voucher already consumed")
)

// AuthRequest is the body a router posts to authenticate a client device.
type AuthRequest struct {
	RouterID string `json:"router_id"`
	MAC      string `json:"mac"`
	Voucher  string `json:"voucher"`
	TS       int64  `json:"ts"`
	Nonce    string `json:"nonce"`
	Sig      string `json:"sig"`
}

// Router is the validator's view of a registered router.
type Router struct {
	ID     string
	Owner  string
	Secret string
}

// Directory resolves routers to their shared secrets. Implementations return
// an error wrapping ErrUnknownRouter for missing or disabled routers.
type Directory interface {
	LookupRouter(ctx context.Context, routerID string) (Router, error)
}

// Redemption asks the voucher store to consume or re-validate a code.
type Redemption struct {
	Router Router
	MAC    string
	Code   string
	At     time.Time
}

// Redeemed describes the session granted by a successful redemption.
type Redeemed struct {
	Remaining  time.Duration
	UpBytes    int64
	DownBytes  int64
	SessionEnd time.Time
}

// Redeemer applies the atomic voucher check-and-set. Rejections wrap
// ErrInvalidVoucher or ErrVoucherAlreadyConsumed.
type Redeemer interface {
	Redeem(ctx context.Context, r Redemption) (Redeemed, error)
}

// Grant is returned to the router when a client is admitted.
type Grant struct {
	RouterID   string
	MAC        string
	Voucher    string
	Remaining  time.Duration
	UpBytes    int64
	DownBytes  int64
	SessionEnd time.Time
	Token      string
}

// Config wires a Validator.
type Config struct {
	Directory   Directory
	Guard       ReplayGuard
	Redeemer    Redeemer
	ClockSkew   time.Duration
	IssueGrants bool
	Now         func() time.Time
}

// Validator checks signed router authentication requests.
type Validator struct {
	directory   Directory
	guard       ReplayGuard
	redeemer    Redeemer
	skew        time.Duration
	issueGrants bool
	nowFn       func() time.Time
}

// NewValidator builds a Validator. Directory, Guard and Redeemer are required.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Directory == nil {
		return nil, errors.New("router directory required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("replay guard required")
	}
	if cfg.Redeemer == nil {
		return nil, errors.New("voucher redeemer required")
	}
	return &Validator{
		directory:   cfg.Directory,
		guard:       cfg.Guard,
		redeemer:    cfg.Redeemer,
		skew:        ClampSkew(cfg.ClockSkew),
		issueGrants: cfg.IssueGrants,
		nowFn:       orNow(cfg.Now),
	}, nil
}

// ClockSkew reports the effective skew window.
func (v *Validator) ClockSkew() time.Duration {
	return v.skew
}

// Validate runs every check against req and, when all pass, consumes the
// voucher. The returned error identifies the failing check; callers must not
// echo it to the router.
func (v *Validator) Validate(ctx context.Context, req AuthRequest) (*Grant, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	router, err := v.directory.LookupRouter(ctx, req.RouterID)
	if err != nil {
		return nil, err
	}
	now := v.nowFn().UTC()
	if drift := now.Sub(time.Unix(req.TS, 0)).Abs(); drift > v.skew {
		return nil, fmt.Errorf("%w: drift %s exceeds %s", ErrStaleTimestamp, drift.Truncate(time.Second), v.skew)
	}
	if !Verify(router.Secret, req) {
		return nil, ErrBadSignature
	}
	fresh, err := v.guard.Claim(ctx, req.RouterID, req.Nonce, now)
	if err != nil {
		return nil, fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return nil, ErrReplayedNonce
	}
	redeemed, err := v.redeemer.Redeem(ctx, Redemption{
		Router: router,
		MAC:    voucher.NormalizeMAC(req.MAC),
		Code:   voucher.NormalizeCode(req.Voucher),
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	grant := &Grant{
		RouterID:   router.ID,
		MAC:        voucher.NormalizeMAC(req.MAC),
		Voucher:    voucher.NormalizeCode(req.Voucher),
		Remaining:  redeemed.Remaining,
		UpBytes:    redeemed.UpBytes,
		DownBytes:  redeemed.DownBytes,
		SessionEnd: redeemed.SessionEnd,
	}
	if v.issueGrants {
		token, err := IssueGrant(router.Secret, *grant, now)
		if err != nil {
			return nil, fmt.Errorf("issue grant: %w", err)
		}
		grant.Token = token
	}
	return grant, nil
}

// Check performs the syntactic validation that precedes any lookup.
func (r AuthRequest) Check() error {
	switch {
	case strings.TrimSpace(r.RouterID) == "":
		return fmt.Errorf("%w: router_id required", ErrMalformed)
	case strings.TrimSpace(r.Nonce) == "":
		return fmt.Errorf("%w: nonce required", ErrMalformed)
	case len(r.Nonce) > maxNonceLength:
		return fmt.Errorf("%w: nonce exceeds %d bytes", ErrMalformed, maxNonceLength)
	case r.Sig == "":
		return fmt.Errorf("%w: sig required", ErrMalformed)
	case !utf8.ValidString(r.RouterID) || !utf8.ValidString(r.Nonce):
		return fmt.Errorf("%w: router_id and nonce must be valid UTF-8", ErrMalformed)
	}
	if err := voucher.ValidateMAC(r.MAC); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := voucher.ValidateCode(r.Voucher); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := hex.DecodeString(r.Sig); err != nil {
		return fmt.Errorf("%w: sig is not hex", ErrMalformed)
	}
	return nil
}

// SigningString joins the request fields exactly as received.
func SigningString(r AuthRequest) string {
	return strings.Join([]string{r.RouterID, r.MAC, r.Voucher, strconv.FormatInt(r.TS, 10), r.Nonce}, "|")
}

// ComputeSignature returns the raw HMAC-SHA256 of the signing string.
func ComputeSignature(secret string, r AuthRequest) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SigningString(r)))
	return mac.Sum(nil)
}

// Sign returns the lowercase hex signature a router would send.
func Sign(secret string, r AuthRequest) string {
	return hex.EncodeToString(ComputeSignature(secret, r))
}

// Verify compares r.Sig with the expected signature in constant time.
func Verify(secret string, r AuthRequest) bool {
	provided, err := hex.DecodeString(r.Sig)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, ComputeSignature(secret, r))
}

// Reason maps a validation error to a stable label for logs, metrics and
// the audit trail. Unclassified errors report "internal".
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownRouter):
		return "unknown_router"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrReplayedNonce):
		return "replayed_nonce"
	case errors.Is(err, ErrNonceWindowFull):
		return "nonce_window_full"
	case errors.Is(err, ErrInvalidVoucher):
		return "invalid_voucher"
	case errors.Is(err, ErrVoucherAlreadyConsumed):
		return "voucher_consumed"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is a client-caused rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	r := Reason(err)
	return r != "ok" && r != "internal"
}

// ClampSkew applies the default and upper bound to a configured skew.
func ClampSkew(skew time.Duration) time.Duration {
	if skew <= 0 {
		return DefaultClockSkew
	}
	if skew > MaxClockSkew {
		return MaxClockSkew
	}
	return skew
}

func orNow(fn func() time.Time) func() time.Time {
	if fn == nil {
		return time.Now
	}
	return fn
}
