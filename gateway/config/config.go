package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"vouchergate/gateway/auth"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "VOUCHERGATE_"

// Nonce ledger backends.
const (
	NonceBackendDatabase = "database"
	NonceBackendLevelDB  = "leveldb"
	NonceBackendBolt     = "bolt"
	NonceBackendMemory   = "memory"
)

type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

type AuthConfig struct {
	ClockSkew     time.Duration `yaml:"clockSkew" toml:"clockSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL" toml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity" toml:"nonceCapacity"`
	NonceBackend  string        `yaml:"nonceBackend" toml:"nonceBackend"`
	NoncePath     string        `yaml:"noncePath" toml:"noncePath"`
	IssueGrants   *bool         `yaml:"issueGrants" toml:"issueGrants"`
}

// GrantsEnabled reports whether accepted requests carry a grant token.
func (a AuthConfig) GrantsEnabled() bool {
	return a.IssueGrants == nil || *a.IssueGrants
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	RatePerSecond     float64 `yaml:"ratePerSecond" toml:"ratePerSecond"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// PerSecond resolves the effective refill rate.
func (r RateLimitConfig) PerSecond() float64 {
	if r.RatePerSecond > 0 {
		return r.RatePerSecond
	}
	if r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute / 60.0
	}
	return 0
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type AuditConfig struct {
	Enabled   *bool         `yaml:"enabled" toml:"enabled"`
	Retention time.Duration `yaml:"retention" toml:"retention"`
}

// IsEnabled reports whether auth decisions are written to the audit table.
func (a AuditConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type SecurityConfig struct {
	AllowInsecure   bool   `yaml:"allowInsecure" toml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`
	// TrustProxy takes the client address from X-Real-IP/X-Forwarded-For.
	TrustProxy      bool   `yaml:"trustProxy" toml:"trustProxy"`
}

type Config struct {
	Environment   string              `yaml:"environment" toml:"environment"`
	ListenAddress string              `yaml:"listen" toml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" toml:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Audit         AuditConfig         `yaml:"audit" toml:"audit"`
	Security      SecurityConfig      `yaml:"security" toml:"security"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: "127.0.0.1:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   120 * time.Second,
		Database:      DatabaseConfig{DSN: "vouchers.db"},
		Auth: AuthConfig{
			ClockSkew:     auth.DefaultClockSkew,
			NonceTTL:      auth.DefaultNonceTTL,
			NonceCapacity: auth.DefaultNonceCapacity,
			NonceBackend:  NonceBackendDatabase,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		Observability: ObservabilityConfig{
			ServiceName:   "vouchergate",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "vouchergate",
		},
		Logging: LoggingConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Audit:   AuditConfig{Retention: 90 * 24 * time.Hour},
	}
}

// Load reads path (YAML, or TOML when the extension is .toml), applies
// VOUCHERGATE_* overrides and validates the result. An empty path yields the
// defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (cfg *Config) applyEnv(lookup lookupFunc) error {
	get := func(name string) (string, bool) {
		value, ok := lookup(EnvPrefix + name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	text := map[string]*string{
		"ENV":           &cfg.Environment,
		"LISTEN":        &cfg.ListenAddress,
		"DATABASE_DSN":  &cfg.Database.DSN,
		"NONCE_BACKEND": &cfg.Auth.NonceBackend,
		"NONCE_PATH":    &cfg.Auth.NoncePath,
		"LOG_LEVEL":     &cfg.Logging.Level,
		"LOG_FILE":      &cfg.Logging.File,
		"TLS_CERT_FILE": &cfg.Security.TLSCertFile,
		"TLS_KEY_FILE":  &cfg.Security.TLSKeyFile,
	}
	for name, target := range text {
		if value, ok := get(name); ok {
			*target = value
		}
	}
	durations := map[string]*time.Duration{
		"CLOCK_SKEW":      &cfg.Auth.ClockSkew,
		"NONCE_TTL":       &cfg.Auth.NonceTTL,
		"AUDIT_RETENTION": &cfg.Audit.Retention,
	}
	for name, target := range durations {
		if value, ok := get(name); ok {
			parsed, err := parseDuration(value)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*target = parsed
		}
	}
	if value, ok := get("NONCE_CAPACITY"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sNONCE_CAPACITY: %w", EnvPrefix, err)
		}
		cfg.Auth.NonceCapacity = parsed
	}
	if value, ok := get("ALLOW_INSECURE"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%sALLOW_INSECURE: %w", EnvPrefix, err)
		}
		cfg.Security.AllowInsecure = parsed
	}
	return nil
}

// parseDuration accepts Go durations or a bare number of seconds.
func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func (cfg *Config) applyDefaults() {
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = auth.DefaultClockSkew
	}
	if cfg.Auth.NonceTTL <= 0 {
		cfg.Auth.NonceTTL = auth.DefaultNonceTTL
	}
	// A nonce must outlive every timestamp that could still pass the skew check.
	if floor := 2 * cfg.Auth.ClockSkew; cfg.Auth.NonceTTL < floor {
		cfg.Auth.NonceTTL = floor
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = auth.DefaultNonceCapacity
	}
	cfg.Auth.NonceBackend = strings.ToLower(strings.TrimSpace(cfg.Auth.NonceBackend))
	if cfg.Auth.NonceBackend == "" {
		cfg.Auth.NonceBackend = NonceBackendDatabase
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "vouchergate"
	}
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn required")
	}
	if cfg.Auth.ClockSkew > auth.MaxClockSkew {
		return fmt.Errorf("auth.clockSkew %s exceeds maximum %s", cfg.Auth.ClockSkew, auth.MaxClockSkew)
	}
	switch cfg.Auth.NonceBackend {
	case NonceBackendDatabase, NonceBackendMemory:
	case NonceBackendLevelDB, NonceBackendBolt:
		if strings.TrimSpace(cfg.Auth.NoncePath) == "" {
			return fmt.Errorf("auth.noncePath required for %s nonce backend", cfg.Auth.NonceBackend)
		}
	default:
		return fmt.Errorf("auth.nonceBackend %q not supported", cfg.Auth.NonceBackend)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.RatePerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values must be non-negative")
	}
	if cfg.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention must be non-negative")
	}
	cert := strings.TrimSpace(cfg.Security.TLSCertFile)
	key := strings.TrimSpace(cfg.Security.TLSKeyFile)
	if (cert == "") != (key == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	return nil
}

// IsDevEnv reports whether env names a development deployment.
func IsDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
