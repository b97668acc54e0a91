// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	TelegramToken  string
	TelegramChatID string
	GitHubToken    string

	CheckInterval time.Duration
	MaxRepos      int
	Workers       int
	OwnerPageSize int
	OwnerRepoCap  int
	CheckEnrolled bool

	RateLimitThreshold int
	CacheTTL           time.Duration

	Store      string
	StatePath  string
	DBPath     string
	ListenAddr string
	LogLevel   slog.Level
}

// HasGitHubToken reports whether requests are authenticated. Without a
// token GitHub allows 60 requests per hour.
func (c *Config) HasGitHubToken() bool {
	return c.GitHubToken != ""
}

// Load reads configuration from REPOTRACKER_* environment variables and
// returns a validated Config. REPOTRACKER_TELEGRAM_TOKEN and
// REPOTRACKER_TELEGRAM_CHAT_ID are required; everything else has a default.
// An invalid value fails with an error naming the variable.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken:  strings.TrimSpace(os.Getenv("REPOTRACKER_TELEGRAM_TOKEN")),
		TelegramChatID: strings.TrimSpace(os.Getenv("REPOTRACKER_TELEGRAM_CHAT_ID")),
		GitHubToken:    strings.TrimSpace(os.Getenv("REPOTRACKER_GITHUB_TOKEN")),
		Store:          lookupString("REPOTRACKER_STORE", StoreJSON),
		StatePath:      lookupString("REPOTRACKER_STATE_PATH", "data/repos.json"),
		DBPath:         lookupString("REPOTRACKER_DB_PATH", "data/repotracker.db"),
		ListenAddr:     lookupString("REPOTRACKER_LISTEN_ADDR", "127.0.0.1:8080"),
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("REPOTRACKER_TELEGRAM_TOKEN is required")
	}
	if cfg.TelegramChatID == "" {
		return nil, fmt.Errorf("REPOTRACKER_TELEGRAM_CHAT_ID is required")
	}

	var err error
	if cfg.CheckInterval, err = lookupInterval("REPOTRACKER_CHECK_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxRepos, err = lookupInt("REPOTRACKER_MAX_REPOS", 50, 1); err != nil {
		return nil, err
	}
	if cfg.Workers, err = lookupInt("REPOTRACKER_WORKERS", 4, 1); err != nil {
		return nil, err
	}
	cfg.Workers = min(cfg.Workers, 8)
	if cfg.OwnerPageSize, err = lookupInt("REPOTRACKER_OWNER_PAGE_SIZE", 50, 1); err != nil {
		return nil, err
	}
	if cfg.OwnerRepoCap, err = lookupInt("REPOTRACKER_OWNER_REPO_CAP", 30, 1); err != nil {
		return nil, err
	}
	if cfg.RateLimitThreshold, err = lookupInt("REPOTRACKER_RATE_LIMIT_THRESHOLD", 5, 0); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = lookupDuration("REPOTRACKER_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CheckEnrolled, err = lookupBool("REPOTRACKER_CHECK_ENROLLED", false); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = lookupLevel("REPOTRACKER_LOG_LEVEL", slog.LevelInfo); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case StoreJSON, StoreSQLite:
	default:
		return nil, fmt.Errorf("REPOTRACKER_STORE must be %q or %q, got %q", StoreJSON, StoreSQLite, cfg.Store)
	}

	return cfg, nil
}

func lookupString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func lookupInt(key string, def, minimum int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	if n < minimum {
		return 0, fmt.Errorf("%s must be at least %d, got %d", key, minimum, n)
	}
	return n, nil
}

func lookupDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, d)
	}
	return d, nil
}

// lookupInterval accepts a Go duration or a bare integer number of minutes.
func lookupInterval(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	v = strings.TrimSpace(v)

	var d time.Duration
	if minutes, err := strconv.Atoi(v); err == nil {
		d = time.Duration(minutes) * time.Minute
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, v)
	}
	return d, nil
}

func lookupBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

func lookupLevel(key string, def slog.Level) (slog.Level, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return def, fmt.Errorf("%s has invalid level %q: %w", key, v, err)
	}
	return level, nil
}
