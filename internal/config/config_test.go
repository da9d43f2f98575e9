package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var configEnv = []string{
	"DATABASE_PATH", "LOG_LEVEL", "LOG_FORMAT", "PIPELINE_CONFIG", "LOCK_DIR",
	"TELEGRAM_BOT_TOKEN", "ALLOWED_USERS", "HTTP_ADDR", "REDIS_URL",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
	"GENERAL_API_KEY", "GENERAL_API_KEY_WARNING",
}

func TestLoad(t *testing.T) {
	defaults := Config{
		DatabasePath:   "./data/librarian.db",
		LogLevel:       "info",
		LogFormat:      "auto",
		LockDir:        "./data/locks",
		CollectionKeys: map[string]string{},
	}

	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: func() *Config { c := defaults; return &c },
		},
		{
			name: "all values set",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"DATABASE_PATH":      "/tmp/lib.db",
				"LOG_LEVEL":          "debug",
				"LOG_FORMAT":         "json",
				"PIPELINE_CONFIG":    "/etc/librarian/pipeline.toml",
				"LOCK_DIR":           "/run/librarian",
				"ALLOWED_USERS":      "111,222,333",
				"HTTP_ADDR":          ":8080",
				"REDIS_URL":          "redis://localhost:6379/0",
				"OPENAI_API_KEY":     "sk-collections",
				"GEMINI_API_KEY":     "g-collections",
			},
			want: func() *Config {
				return &Config{
					TelegramBotToken: "tok",
					DatabasePath:     "/tmp/lib.db",
					LogLevel:         "debug",
					LogFormat:        "json",
					PipelinePath:     "/etc/librarian/pipeline.toml",
					LockDir:          "/run/librarian",
					AllowedUsers:     []int64{111, 222, 333},
					HTTPAddr:         ":8080",
					RedisURL:         "redis://localhost:6379/0",
					CollectionKeys:   map[string]string{"openai": "sk-collections", "gemini": "g-collections"},
				}
			},
		},
		{
			name: "allowed users with spaces",
			env:  map[string]string{"ALLOWED_USERS": " 10 , 20 , "},
			want: func() *Config {
				c := defaults
				c.AllowedUsers = []int64{10, 20}
				return &c
			},
		},
		{
			name:    "invalid user id",
			env:     map[string]string{"ALLOWED_USERS": "123,abc"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			env:     map[string]string{"LOG_FORMAT": "xml"},
			wantErr: true,
		},
		{
			name:    "general key without confirmation",
			env:     map[string]string{"GENERAL_API_KEY": "sk-general"},
			wantErr: true,
		},
		{
			name: "general key with confirmation",
			env: map[string]string{
				"GENERAL_API_KEY":         "sk-general",
				"GENERAL_API_KEY_WARNING": GeneralKeyConfirmation,
			},
			want: func() *Config {
				c := defaults
				c.GeneralAPIKey = "sk-general"
				return &c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range configEnv {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LOCK_DIR=/from/dotenv\nLOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("LOCK_DIR", "")
	t.Setenv("LOG_LEVEL", "error")
	// godotenv only fills variables that are unset, not empty ones.
	if err := os.Unsetenv("LOCK_DIR"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}

	if got := os.Getenv("LOCK_DIR"); got != "/from/dotenv" {
		t.Errorf("LOCK_DIR = %q, want value from .env", got)
	}
	if got := os.Getenv("LOG_LEVEL"); got != "error" {
		t.Errorf("LOG_LEVEL = %q, existing value must win", got)
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{
			name:         "empty list allows everyone",
			allowedUsers: nil,
			userID:       42,
			want:         true,
		},
		{
			name:         "user in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       20,
			want:         true,
		},
		{
			name:         "user not in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       99,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			got := cfg.IsUserAllowed(tt.userID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
