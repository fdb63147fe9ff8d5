package voucher

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateUsesAlphabet(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := Generate(0)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != DefaultLength {
			t.Fatalf("expected length %d, got %q", DefaultLength, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
		if err := ValidateCode(code); err != nil {
			t.Fatalf("generated code %q failed validation: %v", code, err)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 190 {
		t.Fatalf("expected generated codes to be mostly unique, got %d distinct", len(seen))
	}
}

func TestGenerateRejectsOutOfRangeLength(t *testing.T) {
	if _, err := Generate(2); err == nil {
		t.Fatalf("expected error for short length")
	}
	if _, err := Generate(MaxLength + 1); err == nil {
		t.Fatalf("expected error for long length")
	}
}

func TestValidateCode(t *testing.T) {
	cases := map[string]bool{
		"AB12CD34": true,
		"ab12":     true,
		"AB1":      false,
		"AB12-CD":  false,
		"":         false,
		strings.Repeat("A", MaxLength+1): false,
	}
	for code, ok := range cases {
		err := ValidateCode(code)
		if ok && err != nil {
			t.Fatalf("expected %q to be valid: %v", code, err)
		}
		if !ok && !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("expected %q to be rejected, got %v", code, err)
		}
	}
}

func TestValidateMAC(t *testing.T) {
	for _, mac := range []string{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:00:11:22"} {
		if err := ValidateMAC(mac); err != nil {
			t.Fatalf("expected %q to be valid: %v", mac, err)
		}
	}
	for _, mac := range []string{"aa-bb-cc-dd-ee-ff", "aa:bb:cc:dd:ee", "zz:bb:cc:dd:ee:ff", ""} {
		if err := ValidateMAC(mac); !errors.Is(err, ErrInvalidMAC) {
			t.Fatalf("expected %q to be rejected, got %v", mac, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := NormalizeCode(" ab12cd34 "); got != "AB12CD34" {
		t.Fatalf("unexpected code normalisation %q", got)
	}
	if got := NormalizeMAC("AA:BB:CC:DD:EE:FF"); got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("unexpected mac normalisation %q", got)
	}
}
