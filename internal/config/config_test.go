package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[llm]
endpoint = "http://llm.local/v1"
api_key = "sk-test"
model = "qwen"
temperature = 0.3

[chat]
max_history = 20
bot_user_id = "bot-1"

[[channels]]
channel_id = "g1"
system_prompt = "override for 【channelId】"
model = "deepseek"

[affection]
cooldown = "2s"

[[affection.levels]]
level = 100
prompt = "C"

[[affection.levels]]
level = 0
prompt = "A"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "siliconchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, testConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://llm.local/v1", cfg.LLM.Endpoint)
	assert.Equal(t, "qwen", cfg.LLM.Model)
	assert.Equal(t, 2048, cfg.LLM.MaxTokens, "default max_tokens")
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 20, cfg.Chat.MaxHistory)
	assert.Equal(t, int64(10000), cfg.Quota.DefaultMaxTokens)
	assert.Equal(t, 2*time.Second, cfg.Affection.Cooldown)
	assert.InDelta(t, 200.0, cfg.Affection.MaxFavorable, 1e-9)
	assert.Equal(t, "memory", cfg.Storage.Driver)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "g1", cfg.Channels[0].ChannelID)
	assert.Equal(t, "deepseek", cfg.Channels[0].Model)

	require.NoError(t, Validate(cfg))
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv("SILICONCHAT_LLM__API_KEY", "sk-env")
	t.Setenv("SILICONCHAT_CHAT__MAX_HISTORY", "12")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 12, cfg.Chat.MaxHistory)
}

func TestLoadConfig_DefaultAffectionLevels(t *testing.T) {
	path := writeConfig(t, `
[llm]
api_key = "k"
model = "m"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Affection.Levels, 3)
	assert.Equal(t, []float64{0, 50, 100}, []float64{
		cfg.Affection.Levels[0].Level,
		cfg.Affection.Levels[1].Level,
		cfg.Affection.Levels[2].Level,
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(writeConfig(t, testConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.LLM.APIKey = "" }, "api_key"},
		{"small history", func(c *Config) { c.Chat.MaxHistory = 3 }, "max_history"},
		{"keep too large", func(c *Config) { c.Chat.KeepRecent = 40 }, "keep_recent"},
		{"duplicate channel", func(c *Config) {
			c.Channels = append(c.Channels, ChannelConfig{ChannelID: "g1"})
		}, "duplicate"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown storage driver"},
		{"async sqlite", func(c *Config) {
			c.Storage.Driver = "sqlite"
			c.Storage.AsyncPersist = true
		}, "async_persist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, InitConfig(path))

	_, err := LoadConfig(path)
	require.NoError(t, err)

	err = InitConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
