package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vouchergate/gateway/auth"
	"vouchergate/gateway/config"
	"vouchergate/storage"
)

func TestIsLoopbackAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:443":      true,
		"0.0.0.0:8080":   false,
		":8080":          false,
		"10.0.0.5:8080":  false,
		"not-an-address": false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddress(addr), addr)
	}
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, "", resolvePath("/etc/vouchergate", "  "))
	require.Equal(t, "/abs/cert.pem", resolvePath("/etc/vouchergate", "/abs/cert.pem"))
	require.Equal(t, filepath.Join("/etc/vouchergate", "tls/cert.pem"), resolvePath("/etc/vouchergate", "tls/cert.pem"))
	require.Equal(t, "cert.pem", resolvePath("", "cert.pem"))
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig("", config.SecurityConfig{})
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = buildTLSConfig("", config.SecurityConfig{TLSCertFile: "cert.pem"})
	require.Error(t, err)

	_, err = buildTLSConfig("", config.SecurityConfig{TLSClientCAFile: "ca.pem"})
	require.Error(t, err)

	dir := t.TempDir()
	_, err = buildTLSConfig(dir, config.SecurityConfig{TLSCertFile: "missing.pem", TLSKeyFile: "missing.key"})
	require.ErrorContains(t, err, "load TLS key pair")
}

func TestOpenNonceLedger(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "vouchers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, closeLedger, err := openNonceLedger(config.AuthConfig{NonceBackend: config.NonceBackendDatabase}, store)
	require.NoError(t, err)
	require.Same(t, store, ledger)
	closeLedger()

	ledger, closeLedger, err = openNonceLedger(config.AuthConfig{NonceBackend: config.NonceBackendMemory}, store)
	require.NoError(t, err)
	require.Nil(t, ledger)
	closeLedger()

	ledger, closeLedger, err = openNonceLedger(config.AuthConfig{
		NonceBackend: config.NonceBackendBolt,
		NoncePath:    filepath.Join(t.TempDir(), "nonces.bolt"),
	}, store)
	require.NoError(t, err)
	require.IsType(t, &auth.BoltNoncePersistence{}, ledger)
	closeLedger()

	ledger, closeLedger, err = openNonceLedger(config.AuthConfig{
		NonceBackend: config.NonceBackendLevelDB,
		NoncePath:    filepath.Join(t.TempDir(), "nonces.ldb"),
	}, store)
	require.NoError(t, err)
	require.IsType(t, &auth.LevelDBNoncePersistence{}, ledger)
	closeLedger()

	_, _, err = openNonceLedger(config.AuthConfig{NonceBackend: "redis"}, store)
	require.Error(t, err)
}

type fakePruner struct {
	cutoff  time.Time
	removed int64
	err     error
}

func (f *fakePruner) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.removed, f.err
}

func TestMaintenancePruneEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	pruner := &fakePruner{removed: 3}
	m := maintenance{events: pruner, retention: 24 * time.Hour, logger: logger}
	m.pruneEvents(context.Background(), now)
	require.Equal(t, now.Add(-24*time.Hour), pruner.cutoff)

	idle := &fakePruner{}
	maintenance{events: idle, logger: logger}.pruneEvents(context.Background(), now)
	require.True(t, idle.cutoff.IsZero(), "zero retention keeps events forever")

	failing := &fakePruner{err: errors.New("locked")}
	maintenance{events: failing, retention: time.Hour, logger: logger}.pruneEvents(context.Background(), now)
	require.Equal(t, now.Add(-time.Hour), failing.cutoff)
}

func TestMaintenancePruneNonces(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(filepath.Join(t.TempDir(), "vouchers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	guard := auth.NewNonceGuard(time.Minute, 16, store)
	old := time.Now().Add(-time.Hour)
	fresh, err := guard.Claim(context.Background(), "R1", "n-old", old)
	require.NoError(t, err)
	require.True(t, fresh)

	maintenance{guard: guard, logger: logger}.pruneNonces(context.Background(), time.Now())
	records, err := store.RecentNonces(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	require.Empty(t, records)
}
