package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	Port        string
	DatabaseDSN string
	Env         string

	// Secret signs secure link tokens and doubles as the owner password
	// applied when sealing PDFs. Never shown to end users.
	Secret string

	// BaseURL prefixes the secure links embedded in signer emails.
	BaseURL string

	// StorageDir is the root of the filesystem blob store.
	StorageDir string

	// HandwritingFontPath is an optional TTF used for script-style
	// signature rendering; empty falls back to an italic core font.
	HandwritingFontPath string

	// RedisAddr, when set, backs the OTP store with redis instead of the
	// in-process map.
	RedisAddr string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load loads configuration from environment with sensible defaults.
// Precedence: explicit env var > .env file (if loaded by caller) > default.
func Load() Config {
	cfg := Config{}
	cfg.Port = getEnv("PORT", "8080")
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "file:esign.db?cache=shared")
	cfg.Env = getEnv("APP_ENV", "development")
	cfg.Secret = getEnv("ESIGN_SECRET", "devesignsecret")
	cfg.BaseURL = getEnv("BASE_URL", "http://localhost:8080")
	cfg.StorageDir = getEnv("STORAGE_DIR", "./data")
	cfg.HandwritingFontPath = getEnv("HANDWRITING_FONT", "")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPPort = parseInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnv("SMTP_USER", "")
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnv("SMTP_FROM", "noreply@localhost")
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid integer for %s: %s", key, v)
			return def
		}
		return n
	}
	return def
}
