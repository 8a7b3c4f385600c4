package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr             string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password         string `env:"REDIS_PASSWORD"`
	DB               int    `env:"REDIS_DB"`
	RequireTLS       bool   `env:"REDIS_REQUIRE_TLS"`
	TLS              bool   `env:"REDIS_TLS"`
	TLSInsecure      bool   `env:"REDIS_TLS_INSECURE"`
	AllowInsecureTLS bool   `env:"REDIS_ALLOW_INSECURE_TLS"`
	TLSServerName    string `env:"REDIS_TLS_SERVER_NAME"`
	TLSCACertFile    string `env:"REDIS_TLS_CA_CERT_FILE"`
	TLSCertFile      string `env:"REDIS_TLS_CERT_FILE"`
	TLSKeyFile       string `env:"REDIS_TLS_KEY_FILE"`
}

func NewRedis(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}
	if c.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  c.Password,
		DB:        c.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// TLSConfig returns nil when TLS is disabled.
func (c RedisConfig) TLSConfig() (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSInsecure {
		if !c.AllowInsecureTLS {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(c.TLSServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(c.TLSCACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(c.TLSCertFile)
	keyFile := strings.TrimSpace(c.TLSKeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
