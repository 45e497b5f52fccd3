package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("PRICESYNC_TEST_SECRET", "s3cret")

	yamlContent := `
database:
  path: "test.db"
webhook:
  secret: "${PRICESYNC_TEST_SECRET}"
  programmatic_sources: ["pricesync"]
remote:
  base_url: "https://erp.example.com"
  timeout: 3s
processor:
  workers: 2
  max_retries: 3
  initial_backoff: 250ms
api:
  enabled: true
  auth:
    enabled: true
    api_keys:
      - key: "k1"
        name: "ops"
        permissions: ["read:queue", "write:queue"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, []string{"pricesync"}, cfg.Webhook.ProgrammaticSources)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 2, cfg.Processor.Workers)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.InitialBackoff)
	assert.True(t, cfg.API.HTTP.Enabled)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, 6*time.Second, cfg.Processor.LockTTL)
	assert.True(t, cfg.Processor.Active())
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{
			Database: DatabaseConfig{Path: "path"},
			Webhook:  WebhookConfig{Secret: "s"},
			Remote:   RemoteConfig{BaseURL: "http://remote"},
		}
		c.applyDefaults()
		return c
	}
	disabled := false

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "missing secret", mutate: func(c *Config) { c.Webhook.Secret = "" }, wantErr: true},
		{name: "missing remote", mutate: func(c *Config) { c.Remote.BaseURL = "" }, wantErr: true},
		{
			name: "remote optional without processor",
			mutate: func(c *Config) {
				c.Remote.BaseURL = ""
				c.Processor.Enabled = &disabled
			},
		},
		{name: "bad ratio", mutate: func(c *Config) { c.Remote.Breaker.FailureRatio = 2 }, wantErr: true},
		{
			name: "duplicate api key",
			mutate: func(c *Config) {
				c.API.Auth.APIKeys = []APIClientKey{{Key: "a", Name: "x"}, {Key: "a", Name: "y"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	assert.Equal(t, "pricesync", cfg.App.Name)
	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, 8081, cfg.API.GRPC.Port)
	assert.Equal(t, 4, cfg.Processor.Workers)
	assert.Equal(t, 5, cfg.Processor.MaxRetries)
	assert.Equal(t, 2.0, cfg.Processor.BackoffFactor)
	assert.Equal(t, "custitem_skip_sync", cfg.Webhook.SkipFlagField)
	assert.Equal(t, int64(1<<20), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, 0.6, cfg.Remote.Breaker.FailureRatio)
}
