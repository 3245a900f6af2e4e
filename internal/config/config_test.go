package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Pool.MaxConnsPerOrigin)
	assert.Equal(t, 30*time.Second, cfg.Keepalive.IdleWindow)
	assert.True(t, cfg.Retries.RespectRetryAfter)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pool.MaxConnsPerOrigin, cfg.Pool.MaxConnsPerOrigin)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tern.yaml")
	content := `
pool:
  maxconnsperorigin: 32
  maxidleperorigin: 8
retries:
  total: 7
keepalive:
  idlewindow: 45s
  closewhenunverified: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Pool.MaxConnsPerOrigin)
	assert.Equal(t, 8, cfg.Pool.MaxIdlePerOrigin)
	assert.Equal(t, 7, cfg.Retries.Total)
	assert.Equal(t, 45*time.Second, cfg.Keepalive.IdleWindow)
	assert.True(t, cfg.Keepalive.CloseWhenUnverified)
	// untouched keys keep defaults
	assert.Equal(t, 30, cfg.Retries.Redirect)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TERN_POOL_MAXCONNSPERORIGIN", "3")
	t.Setenv("TERN_POOL_MAXIDLEPERORIGIN", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxConnsPerOrigin)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero_pool_size", func(c *Config) { c.Pool.MaxConnsPerOrigin = 0 }, "pool.maxconnsperorigin"},
		{"idle_exceeds_size", func(c *Config) { c.Pool.MaxIdlePerOrigin = 99 }, "pool.maxidleperorigin"},
		{"zero_numpools", func(c *Config) { c.Pool.NumPools = 0 }, "pool.numpools"},
		{"negative_retries", func(c *Config) { c.Retries.Total = -1 }, "retries.total"},
		{"subsecond_keepalive", func(c *Config) { c.Keepalive.IdleWindow = 200 * time.Millisecond }, "keepalive.idlewindow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
