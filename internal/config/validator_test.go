package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                3000,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
		},
		Lark: LarkConfig{
			Enabled:   true,
			AppID:     "cli_app1",
			AppSecret: "secret",
		},
	}
}

func TestValidateStaticAppliesLarkDefaults(t *testing.T) {
	cfg := validConfig()

	require.NoError(t, ValidateStatic(cfg))

	assert.Equal(t, "/lark/webhook", cfg.Lark.WebhookPath)
	assert.Equal(t, "https://open.larksuite.com", cfg.Lark.BaseURL)
	assert.Equal(t, "Clawdbot", cfg.Lark.BotName)
	assert.Equal(t, "pairing", cfg.Lark.DMPolicy)
}

func TestValidateStaticSkipsLarkChecksWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Lark = LarkConfig{Enabled: false}

	assert.NoError(t, ValidateStatic(cfg))
}

func TestValidateStatic(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "missing read timeout",
			mutate:  func(c *Config) { c.Server.ReadTimeoutSeconds = 0 },
			wantErr: "server.read_timeout_seconds",
		},
		{
			name:    "enabled channel without credentials",
			mutate:  func(c *Config) { c.Lark.AppSecret = "" },
			wantErr: "lark.app_id",
		},
		{
			name:    "webhook path without leading slash",
			mutate:  func(c *Config) { c.Lark.WebhookPath = "lark/webhook" },
			wantErr: "lark.webhook_path",
		},
		{
			name:    "unknown dm policy",
			mutate:  func(c *Config) { c.Lark.DMPolicy = "pariing" },
			wantErr: "lark.dm_policy",
		},
		{
			name:    "bus mode without brokers",
			mutate:  func(c *Config) { c.Dispatch.Mode = "bus" },
			wantErr: "dispatch.bus.brokers",
		},
		{
			name: "bus mode with empty broker entry",
			mutate: func(c *Config) {
				c.Dispatch.Mode = "bus"
				c.Dispatch.Bus.Brokers = []string{"localhost:9092", ""}
			},
			wantErr: "dispatch.bus.brokers[1]",
		},
		{
			name:    "unknown dispatch mode",
			mutate:  func(c *Config) { c.Dispatch.Mode = "webhook" },
			wantErr: "dispatch.mode",
		},
		{
			name:    "unknown filter fallback",
			mutate:  func(c *Config) { c.Filter.OnError = "drop" },
			wantErr: "filter.on_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateStatic(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
