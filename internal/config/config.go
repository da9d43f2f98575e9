// Package config handles application configuration from environment variables
// and the declarative pipeline file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// GeneralKeyConfirmation must be the value of GENERAL_API_KEY_WARNING for a
// general API key to be accepted. A general key pays for every user's entries.
const GeneralKeyConfirmation = "i-understand-general-key-costs"

// Config holds the process configuration.
type Config struct {
	DatabasePath     string
	LogLevel         string
	LogFormat        string
	PipelinePath     string
	LockDir          string
	TelegramBotToken string
	AllowedUsers     []int64
	HTTPAddr         string
	RedisURL         string
	// CollectionKeys maps provider name to the key used for collection feeds.
	CollectionKeys map[string]string
	GeneralAPIKey  string
}

// LoadDotEnv loads variables from the given .env files into the environment.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	logFormat := envOrDefault("LOG_FORMAT", "auto")
	switch logFormat {
	case "auto", "text", "json":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want auto, text or json", logFormat)
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	collectionKeys := make(map[string]string)
	for provider, env := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	} {
		if v := os.Getenv(env); v != "" {
			collectionKeys[provider] = v
		}
	}

	generalKey := os.Getenv("GENERAL_API_KEY")
	if generalKey != "" && os.Getenv("GENERAL_API_KEY_WARNING") != GeneralKeyConfirmation {
		return nil, fmt.Errorf("GENERAL_API_KEY requires GENERAL_API_KEY_WARNING=%s", GeneralKeyConfirmation)
	}

	return &Config{
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/librarian.db"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        logFormat,
		PipelinePath:     os.Getenv("PIPELINE_CONFIG"),
		LockDir:          envOrDefault("LOCK_DIR", "./data/locks"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AllowedUsers:     allowedUsers,
		HTTPAddr:         os.Getenv("HTTP_ADDR"),
		RedisURL:         os.Getenv("REDIS_URL"),
		CollectionKeys:   collectionKeys,
		GeneralAPIKey:    generalKey,
	}, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
