package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"router_id": {},
	"outcome":   {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction. Tests use this to ensure sensitive keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskMAC keeps the vendor prefix and the last octet of a colon separated
// MAC so support can correlate devices without logging the full address.
func MaskMAC(mac string) string {
	octets := strings.Split(strings.ToLower(strings.TrimSpace(mac)), ":")
	if len(octets) != 6 {
		return MaskValue(mac)
	}
	return strings.Join([]string{octets[0], octets[1], octets[2], "xx", "xx", octets[5]}, ":")
}

// MaskCode keeps the first two characters of a voucher code.
func MaskCode(code string) string {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) <= 2 {
		return MaskValue(trimmed)
	}
	return trimmed[:2] + strings.Repeat("*", len(trimmed)-2)
}
