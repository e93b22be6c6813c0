package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range []string{"DB_DRIVER", "DB_URI", "NEO4J_URI", "SERVER_HOST", "SERVER_PORT", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "badger", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Write.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Write.InitialDelay)
	assert.Equal(t, "year", cfg.Analysis.DefaultGranularity)
	assert.InDelta(t, 0.5, cfg.Analysis.MinAutocorrelation, 1e-9)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("DB_DRIVER", "neo4j")
	t.Setenv("DB_URI", "")
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("NEO4J_USER", "neo4j")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "neo4j", cfg.Database.Driver)
	assert.Equal(t, "bolt://graph:7687", cfg.Database.URI)
	assert.Equal(t, "neo4j", cfg.Database.Username)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Driver: "memory"},
			Write:    WriteConfig{MaxAttempts: 3},
			Analysis: AnalysisConfig{MinAutocorrelation: 0.5},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid port"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "ladybug" }, wantErr: "unsupported database driver"},
		{name: "neo4j without uri", mutate: func(c *Config) { c.Database.Driver = "neo4j" }, wantErr: "database.uri"},
		{name: "no write attempts", mutate: func(c *Config) { c.Write.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "autocorrelation range", mutate: func(c *Config) { c.Analysis.MinAutocorrelation = 1.5 }, wantErr: "min_autocorrelation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
