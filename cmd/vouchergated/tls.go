package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"vouchergate/gateway/config"
)

// buildTLSConfig returns nil when no certificate material is configured.
// A client CA enables mutual TLS so only provisioned routers can connect.
func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolvePath(baseDir, sec.TLSCertFile)
	keyPath := resolvePath(baseDir, sec.TLSKeyFile)
	caPath := resolvePath(baseDir, sec.TLSClientCAFile)
	if certPath == "" && keyPath == "" {
		if caPath != "" {
			return nil, errors.New("security.tlsClientCAFile requires a server certificate")
		}
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, errors.New("security.tlsCertFile and security.tlsKeyFile must both be provided")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath == "" {
		return tlsCfg, nil
	}
	data, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("parse client CA file %s", caPath)
	}
	tlsCfg.ClientCAs = pool
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	return tlsCfg, nil
}

// resolvePath interprets relative paths against the config file directory.
func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
