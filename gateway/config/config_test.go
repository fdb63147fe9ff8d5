package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vouchergate/gateway/auth"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.ClockSkew != 300*time.Second {
		t.Fatalf("expected 300s clock skew, got %s", cfg.Auth.ClockSkew)
	}
	if cfg.Auth.NonceTTL != 600*time.Second {
		t.Fatalf("expected 600s nonce ttl, got %s", cfg.Auth.NonceTTL)
	}
	if cfg.Auth.NonceBackend != NonceBackendDatabase {
		t.Fatalf("expected database nonce backend, got %q", cfg.Auth.NonceBackend)
	}
	if !cfg.Auth.GrantsEnabled() || !cfg.Audit.IsEnabled() {
		t.Fatalf("expected grants and audit to default on")
	}
	if cfg.RateLimit.PerSecond() != 2 {
		t.Fatalf("expected 120 requests per minute to resolve to 2/s, got %v", cfg.RateLimit.PerSecond())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "vouchergate.yaml", `
listen: ":9090"
database:
  dsn: "postgres://gate@localhost/gate"
auth:
  clockSkew: 2m
  nonceTTL: 10m
  nonceBackend: LevelDB
  noncePath: /var/lib/vouchergate/nonces
  issueGrants: false
audit:
  enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9090" || cfg.Database.DSN != "postgres://gate@localhost/gate" {
		t.Fatalf("unexpected listen/dsn: %+v", cfg)
	}
	if cfg.Auth.ClockSkew != 2*time.Minute || cfg.Auth.NonceBackend != NonceBackendLevelDB {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Auth.GrantsEnabled() || cfg.Audit.IsEnabled() {
		t.Fatalf("expected explicit false to disable grants and audit")
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "vouchergate.toml", `
listen = "0.0.0.0:8443"

[auth]
clockSkew = "1m"
nonceBackend = "bolt"
noncePath = "nonces.db"

[rateLimit]
ratePerSecond = 5.0
burst = 10

[security]
tlsCertFile = "cert.pem"
tlsKeyFile = "key.pem"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.ClockSkew != time.Minute {
		t.Fatalf("expected 1m skew, got %s", cfg.Auth.ClockSkew)
	}
	if cfg.Auth.NonceTTL != auth.DefaultNonceTTL {
		t.Fatalf("expected default ttl, got %s", cfg.Auth.NonceTTL)
	}
	if cfg.RateLimit.PerSecond() != 5 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Security.TLSCertFile != "cert.pem" {
		t.Fatalf("expected tls cert to load")
	}
}

func TestNonceTTLRaisedToTwiceSkew(t *testing.T) {
	path := writeConfig(t, "vouchergate.yaml", "auth:\n  clockSkew: 10m\n  nonceTTL: 5m\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.NonceTTL != 20*time.Minute {
		t.Fatalf("expected nonce ttl to be raised to 20m, got %s", cfg.Auth.NonceTTL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"skew too large":   "auth:\n  clockSkew: 1h\n",
		"unknown backend":  "auth:\n  nonceBackend: redis\n",
		"missing path":     "auth:\n  nonceBackend: bolt\n",
		"half tls":         "security:\n  tlsCertFile: cert.pem\n",
		"negative burst":   "rateLimit:\n  burst: -1\n",
		"unknown field":    "listn: \":80\"\n",
		"bad duration":     "auth:\n  clockSkew: soon\n",
		"empty dsn string": "database:\n  dsn: \" \"\n",
	}
	for name, content := range cases {
		path := writeConfig(t, "vouchergate.yaml", content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected load to fail", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOUCHERGATE_LISTEN", ":7000")
	t.Setenv("VOUCHERGATE_DATABASE_DSN", "file:test.db")
	t.Setenv("VOUCHERGATE_CLOCK_SKEW", "120")
	t.Setenv("VOUCHERGATE_NONCE_TTL", "15m")
	t.Setenv("VOUCHERGATE_NONCE_BACKEND", "memory")
	t.Setenv("VOUCHERGATE_ALLOW_INSECURE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.Database.DSN != "file:test.db" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Auth.ClockSkew != 2*time.Minute || cfg.Auth.NonceTTL != 15*time.Minute {
		t.Fatalf("unexpected durations: skew=%s ttl=%s", cfg.Auth.ClockSkew, cfg.Auth.NonceTTL)
	}
	if cfg.Auth.NonceBackend != NonceBackendMemory || !cfg.Security.AllowInsecure {
		t.Fatalf("unexpected backend/insecure: %+v", cfg)
	}
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("VOUCHERGATE_NONCE_CAPACITY", "lots")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected invalid capacity to fail")
	}
}

func TestDeploySampleLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "deploy", "vouchergated.yaml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Database.DSN != "/var/lib/vouchergate/vouchers.db" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if cfg.Audit.Retention != 90*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Audit.Retention)
	}
	if cfg.Security.TLSCertFile == "" || cfg.Security.TLSKeyFile == "" {
		t.Fatalf("sample must configure TLS")
	}
}
