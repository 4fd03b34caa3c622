package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/siliconchat/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // SILICONCHAT_ variables that are set (masked values)
	Warnings []string          // Non-fatal warnings
	Driver   string
}

// CheckEnvironment reports required settings missing from cfg and the
// environment overrides in effect.
func CheckEnvironment(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
		Driver:   cfg.Storage.Driver,
	}

	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		result.Missing = append(result.Missing, "llm.api_key (SILICONCHAT_LLM__API_KEY)")
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		result.Missing = append(result.Missing, "llm.model (SILICONCHAT_LLM__MODEL)")
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DatabaseURL == "" && os.Getenv("DATABASE_URL") == "" {
		result.Missing = append(result.Missing, "storage.database_url (DATABASE_URL)")
	}

	if cfg.Server.JWTSecret == "" {
		result.Warnings = append(result.Warnings, "server.jwt_secret is empty; /api/v1 will accept unauthenticated requests")
	}
	if cfg.Chat.BotUserID == "" {
		result.Warnings = append(result.Warnings, "chat.bot_user_id is empty; pokes will be ignored")
	}
	if cfg.Storage.AsyncPersist && cfg.Storage.Driver != "postgres" {
		result.Warnings = append(result.Warnings, "storage.async_persist only applies to postgres")
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || (!strings.HasPrefix(k, "SILICONCHAT_") && k != "DATABASE_URL") {
			continue
		}
		result.Present[k] = maskSecret(v)
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Printf("Storage: %s\n", result.Driver)
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println("✓ Environment overrides:")
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		value = strings.TrimSpace(value)

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
