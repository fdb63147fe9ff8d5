package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("vouchergate", "test", Options{Output: &buf})
	logger.Info("auth decision", "reason", "ok")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{"message": "auth decision", "severity": "INFO", "service": "vouchergate", "env": "test", "reason": "ok"} {
		if entry[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, entry[key])
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key")
	}
}

func TestSetupWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vouchergate.log")
	var buf bytes.Buffer
	logger := Setup("vouchergate", "", Options{Output: &buf, File: path, MaxSizeMB: 1})
	logger.Warn("rotated")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"rotated"`)) {
		t.Fatalf("expected log file to contain entry, got %q", data)
	}
	if !bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("expected stdout and file to receive the same line")
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("vouchergate", "", Options{Output: &buf, Level: ParseLevel("warn")})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info line to be filtered, got %q", buf.String())
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected unknown level to default to info")
	}
}

func TestMaskHelpers(t *testing.T) {
	if got := MaskMAC("AA:BB:CC:DD:EE:FF"); got != "aa:bb:cc:xx:xx:ff" {
		t.Fatalf("unexpected masked mac %q", got)
	}
	if got := MaskMAC("garbage"); got != RedactedValue {
		t.Fatalf("expected malformed mac to be fully redacted, got %q", got)
	}
	if got := MaskCode("AB12CD34"); got != "AB******" {
		t.Fatalf("unexpected masked code %q", got)
	}
	if got := MaskField("sig", "deadbeef"); got.Value.String() != RedactedValue {
		t.Fatalf("expected sig to be redacted")
	}
	if got := MaskField("router_id", "R1"); got.Value.String() != "R1" {
		t.Fatalf("expected router_id to be allowlisted")
	}
}
