package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	TokenSecret string
	LockTTL     time.Duration
	CORSOrigin  string
	// Optional collaborators; empty disables each one.
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	Archive        ArchiveConfig
	// Cron expression for periodic snapshots, e.g. "@every 15m".
	SnapshotSchedule string
	LogLevel         string
	LogFormat        string
}

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8790"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		TokenSecret:      getenv("BRIEFCANVAS_TOKEN_SECRET", "briefcanvas-dev-secret"),
		LockTTL:          time.Duration(getenvInt("BRIEFCANVAS_LOCK_TTL_SECONDS", 30)) * time.Second,
		CORSOrigin:       getenv("BRIEFCANVAS_CORS_ORIGIN", "*"),
		RedisURL:         getenv("REDIS_URL", ""),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		SnapshotSchedule: getenv("BRIEFCANVAS_SNAPSHOT_SCHEDULE", ""),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		Archive: ArchiveConfig{
			Endpoint:  getenv("ARCHIVE_ENDPOINT", ""),
			AccessKey: getenv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getenv("ARCHIVE_SECRET_KEY", ""),
			Bucket:    getenv("ARCHIVE_BUCKET", "briefcanvas-snapshots"),
			UseSSL:    getenvBool("ARCHIVE_USE_SSL", false),
		},
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
