package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "coal", cfg.DatacenterName)
	assert.Equal(t, "guest:guest:localhost:5672", cfg.BootParams.Rabbitmq)
	assert.Equal(t, "nats", cfg.Ur.Transport)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cnapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datacenter_name: us-east-1
cnapi_url: http://10.99.99.18
store:
  driver: bolt
  path: /var/db/cnapi.db
ur:
  timeout: 5m
events:
  concurrency: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.DatacenterName)
	assert.Equal(t, "http://10.99.99.18", cfg.CNAPIURL)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Ur.Timeout)
	assert.Equal(t, 8, cfg.Events.Concurrency)
	// untouched keys keep defaults
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cnapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datacentre: typo\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"CNAPI_DATACENTER_NAME":    "eu-1",
		"CNAPI_NATS_URL":           "nats://bus:4222",
		"CNAPI_EVENTS_CONCURRENCY": "3",
		"CNAPI_TRACING":            "true",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "eu-1", cfg.DatacenterName)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, 3, cfg.Events.Concurrency)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no datacenter", func(c *Config) { c.DatacenterName = "" }},
		{"relative cnapi url", func(c *Config) { c.CNAPIURL = "/servers" }},
		{"bad driver", func(c *Config) { c.Store.Driver = "moray" }},
		{"ssh without key", func(c *Config) { c.Ur.Transport = "ssh" }},
		{"zero concurrency", func(c *Config) { c.Events.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
