package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, cfg *Config) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "omnia.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoadGeneratedConfig(t *testing.T) {
	path := writeConfig(t, GenerateConfig())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8343", cfg.HttpBinding)
	assert.Equal(t, "proxy.omnia-iot.com", cfg.Proxy.Host)
	assert.Equal(t, 2*time.Minute, cfg.Challenge.NonceTTL)
	assert.Equal(t, uint64(1_000_000), cfg.AccessKeys.PriceE8s)
	assert.Equal(t, uint64(100), cfg.AccessKeys.RequestsLimit)
	assert.True(t, cfg.AccessKeys.SpendOnVerify)
	assert.NotZero(t, cfg.RateLimiters.Default.Limit)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestLoadConfigMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omnia.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing instance secret", func(c *Config) { c.InstanceSecret = "" }, ErrInstanceSecretMissing},
		{"missing http binding", func(c *Config) { c.HttpBinding = "" }, ErrHttpBindingMissing},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, ErrDataDirMissing},
		{"cert without key", func(c *Config) { c.TLS.Cert = "cert.pem" }, ErrTLSMissing},
		{"key without cert", func(c *Config) { c.TLS.Key = "key.pem" }, ErrTLSMissing},
		{"missing proxy host", func(c *Config) { c.Proxy.Host = "" }, ErrProxyHostMissing},
		{"missing proxy ipv4", func(c *Config) { c.Proxy.Ipv4 = "" }, ErrProxyIpv4Missing},
		{"missing nonce ttl", func(c *Config) { c.Challenge.NonceTTL = 0 }, ErrNonceTTLMissing},
		{"missing price", func(c *Config) { c.AccessKeys.PriceE8s = 0 }, ErrAccessKeyPriceMissing},
		{"missing requests limit", func(c *Config) { c.AccessKeys.RequestsLimit = 0 }, ErrAccessKeyRequestsLimitMissing},
		{"missing ledger endpoint", func(c *Config) { c.Ledger.Endpoint = "" }, ErrLedgerEndpointMissing},
		{"missing query endpoint", func(c *Config) { c.SemanticStore.QueryEndpoint = "" }, ErrSemanticQueryEndpointMissing},
		{"missing update endpoint", func(c *Config) { c.SemanticStore.UpdateEndpoint = "" }, ErrSemanticUpdateEndpointMissing},
		{"missing default rate limiter", func(c *Config) { c.RateLimiters.Default.Limit = 0 }, ErrRateLimiterDefaultMissing},
		{"missing profile cache ttl", func(c *Config) { c.Cache.Profiles = 0 }, ErrCacheProfilesMissing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GenerateConfig()
			tc.mutate(cfg)
			_, err := LoadConfig(writeConfig(t, cfg))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestTLSBothSetIsValid(t *testing.T) {
	cfg := GenerateConfig()
	cfg.TLS.Cert = "cert.pem"
	cfg.TLS.Key = "key.pem"

	loaded, err := LoadConfig(writeConfig(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, "cert.pem", loaded.TLS.Cert)
}
