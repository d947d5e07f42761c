package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "socket", cfg.InferenceTransport)
	assert.Greater(t, cfg.ReplayRetention, cfg.RequestTTL)
	require.NoError(t, cfg.Validate())
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9443
	assert.Equal(t, "127.0.0.1:9443", cfg.ListenAddr())
}

func TestIsProductionAndMTLS(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.ShouldUseMTLS())

	cfg.Environment = "production"
	cfg.InferenceTransport = "https"
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.ShouldUseMTLS())
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := Default()
	cfg.InferenceTransport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsShallowReplayRetention(t *testing.T) {
	cfg := Default()
	cfg.ReplayRetention = cfg.RequestTTL
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresMTLSCertsInProduction(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.InferenceTransport = "https"
	assert.Error(t, cfg.Validate())

	cfg.MTLSClientCertPath = "/tmp/client.crt"
	cfg.MTLSClientKeyPath = "/tmp/client.key"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("MLOCK_SECRETS", "true")
	t.Setenv("REQUEST_BUDGET_SECONDS", "12.5")
	t.Setenv("INFERENCE_ENDPOINTS", "http://a:1, http://b:2")

	cfg := Default()
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.True(t, cfg.MlockSecrets)
	assert.Equal(t, 12500*time.Millisecond, cfg.RequestBudget)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.InferenceEndpoints)
}

func TestNamespacedOverlayPrefersEnvironmentSpecific(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PRODUCTION_PORT", "443")
	t.Setenv("DEVELOPMENT_PORT", "8080")

	cfg := Default()
	cfg.Environment = "production"
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, 443, cfg.Port)
}

func TestLoadFromFileMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestLoadFromFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/development.yaml"
	content := "port: 7000\nrate_limit_per_minute: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
}
