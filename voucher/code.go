// Package voucher generates voucher codes and validates the identifiers
// routers submit alongside them.
package voucher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Alphabet omits characters that are easily confused on printed tickets
// (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// DefaultLength is the length of generated codes.
	DefaultLength = 8
	// MinLength and MaxLength bound codes accepted from routers.
	MinLength = 4
	MaxLength = 32
)

var (
	// ErrInvalidCode is returned for codes outside the accepted syntax.
	ErrInvalidCode = errors.New("invalid voucher code")
	// ErrInvalidMAC is returned for hardware addresses that are not colon separated hex octets.
	ErrInvalidMAC = errors.New("invalid mac address")

	codePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	macPattern  = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
)

// Generate returns a random code of the requested length drawn from Alphabet.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("code length must be between %d and %d", MinLength, MaxLength)
	}
	max := big.NewInt(int64(len(Alphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidateCode checks the syntax of a code submitted by a router.
func ValidateCode(code string) error {
	if len(code) < MinLength || len(code) > MaxLength {
		return fmt.Errorf("%w: length %d", ErrInvalidCode, len(code))
	}
	if !codePattern.MatchString(code) {
		return fmt.Errorf("%w: non-alphanumeric characters", ErrInvalidCode)
	}
	return nil
}

// ValidateMAC checks that mac is six colon separated hex octets.
func ValidateMAC(mac string) error {
	if !macPattern.MatchString(mac) {
		return ErrInvalidMAC
	}
	return nil
}

// NormalizeCode returns the canonical stored form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeMAC returns the canonical stored form of a hardware address.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
