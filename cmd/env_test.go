package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconchat/internal/config"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "sk****yz", maskSecret("sk-abcdefxyz"))
}

func TestCheckEnvironment(t *testing.T) {
	t.Setenv("SILICONCHAT_LLM__API_KEY", "sk-1234567890")

	cfg := config.Default()
	cfg.Storage.Driver = "postgres"
	cfg.Storage.AsyncPersist = true
	t.Setenv("DATABASE_URL", "")

	result := CheckEnvironment(cfg)
	assert.Contains(t, result.Missing, "llm.api_key (SILICONCHAT_LLM__API_KEY)")
	assert.Contains(t, result.Missing, "llm.model (SILICONCHAT_LLM__MODEL)")
	assert.Contains(t, result.Missing, "storage.database_url (DATABASE_URL)")
	assert.Equal(t, "sk****90", result.Present["SILICONCHAT_LLM__API_KEY"])
	assert.Len(t, result.Warnings, 2)

	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.Model = "qwen"
	cfg.Storage.DatabaseURL = "postgres://localhost/siliconchat"
	cfg.Server.JWTSecret = "secret"
	cfg.Chat.BotUserID = "bot"
	result = CheckEnvironment(cfg)
	assert.Empty(t, result.Missing)
	assert.Empty(t, result.Warnings)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nSILICONCHAT_TEST_A=plain\nexport SILICONCHAT_TEST_B=\"quoted value\"\nSILICONCHAT_TEST_C='single'\nnot-a-pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SILICONCHAT_TEST_A", "old")
	t.Setenv("SILICONCHAT_TEST_B", "")
	t.Setenv("SILICONCHAT_TEST_C", "")
	require.NoError(t, LoadEnvFile(path))

	assert.Equal(t, "plain", os.Getenv("SILICONCHAT_TEST_A"))
	assert.Equal(t, "quoted value", os.Getenv("SILICONCHAT_TEST_B"))
	assert.Equal(t, "single", os.Getenv("SILICONCHAT_TEST_C"))

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
