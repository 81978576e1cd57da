package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration resolved from the environment once at
// startup. Call godotenv.Load before Load when a .env file should be
// honored.
type Config struct {
	Port string

	// DatabaseDriver is "postgres" when DATABASE_URL or the PGHOST family
	// is present, otherwise "sqlite" with a local file database.
	DatabaseDriver string
	DatabaseDSN    string

	MediaStoragePath   string
	PublicMediaBaseURL string

	PollInterval time.Duration
	MaxRetries   int
	StuckAfter   time.Duration
	ClaimLimit   int
}

func Load() Config {
	cfg := Config{
		Port:               envOr("PORT", "18911"),
		MediaStoragePath:   envOr("MEDIA_STORAGE_PATH", "data/media"),
		PublicMediaBaseURL: os.Getenv("PUBLIC_MEDIA_BASE_URL"),
		PollInterval:       time.Duration(envInt("SCHEDULER_POLL_INTERVAL_MS", 15000)) * time.Millisecond,
		MaxRetries:         envInt("SCHEDULER_MAX_RETRIES", 3),
		StuckAfter:         time.Duration(envInt("SCHEDULER_STUCK_AFTER_MS", 600000)) * time.Millisecond,
		ClaimLimit:         envInt("SCHEDULER_CLAIM_LIMIT", 25),
	}
	cfg.DatabaseDriver, cfg.DatabaseDSN = databaseFromEnv()
	return cfg
}

func databaseFromEnv() (driver, dsn string) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return "postgres", v
	}
	if host := os.Getenv("PGHOST"); host != "" {
		u := url.URL{
			Scheme: "postgres",
			Host:   host + ":" + envOr("PGPORT", "5432"),
			Path:   "/" + envOr("PGDATABASE", "crosspost"),
		}
		user := envOr("PGUSER", "postgres")
		if pw := os.Getenv("PGPASSWORD"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
		q := url.Values{}
		q.Set("sslmode", envOr("PGSSLMODE", "disable"))
		u.RawQuery = q.Encode()
		return "postgres", u.String()
	}
	return "sqlite", envOr("SQLITE_PATH", "data/crosspost.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "config: ignoring %s=%q (want positive integer)\n", key, v)
		return def
	}
	return n
}
