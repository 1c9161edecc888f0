package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10485760, cfg.BufferSize)
	assert.Equal(t, "_info.txt", cfg.SidecarSuffix)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CAPEX_BUFFER_SIZE", "4096")
	t.Setenv("CAPEX_DUMP_DIR", "/analysis/1/CAPE")
	t.Setenv("CAPEX_UNPACK_TIMEOUT", "5s")
	t.Setenv("CAPEX_LOG_PRETTY", "true")
	t.Setenv("CAPEX_MAX_DEPTH", "not a number")

	cfg := Default()
	cfg.LoadFromEnv()

	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, "/analysis/1/CAPE", cfg.DumpDir)
	assert.Equal(t, 5*time.Second, cfg.UnpackTimeout)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, 8, cfg.MaxDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"buffer", func(c *Config) { c.BufferSize = 0 }, "buffer size"},
		{"suffix", func(c *Config) { c.SidecarSuffix = "" }, "sidecar suffix"},
		{"timeout", func(c *Config) { c.UnpackTimeout = -time.Second }, "unpack timeout"},
		{"depth", func(c *Config) { c.MaxDepth = 0 }, "max depth"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
