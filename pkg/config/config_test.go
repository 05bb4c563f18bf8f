package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Query:    QueryConfig{Timeout: 30, ConnectorTimeout: 10},
			Audit:    AuditConfig{Backend: "sqlite"},
			Evidence: EvidenceConfig{Backend: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "memory audit, redis evidence", mutate: func(c *Config) {
			c.Audit.Backend = "memory"
			c.Evidence.Backend = "redis"
		}},
		{name: "unknown audit backend", mutate: func(c *Config) { c.Audit.Backend = "postgres" }, wantErr: true},
		{name: "unknown evidence backend", mutate: func(c *Config) { c.Evidence.Backend = "s3" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Query.Timeout = 0 }, wantErr: true},
		{name: "negative connector timeout", mutate: func(c *Config) { c.Query.ConnectorTimeout = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
audit:
  backend: memory
query:
  connectorTimeout: 3
github:
  owner: acme
  repo: app
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, 3*time.Second, cfg.Query.ConnectorTimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Query.TimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.Evidence.TTL())
	assert.Equal(t, time.Minute, cfg.Server.ExportTimeoutDuration())
	assert.Equal(t, "acme", cfg.GitHub.Owner)
	assert.Equal(t, 1, cfg.GitHub.RequiredApprovals)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
