package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // WORLDSYNC_DATABASE_URL (required)
	HTTPAddr    string // WORLDSYNC_HTTP_ADDR (default ":8080")
	NATSURL     string // WORLDSYNC_NATS_URL (optional, empty = no events)
	GroupsFile  string // WORLDSYNC_GROUPS_FILE (optional TOML seed for sync groups)

	// Session settings
	LivenessInterval time.Duration // WORLDSYNC_LIVENESS_INTERVAL (default 30s)
	SessionMaxIdle   time.Duration // WORLDSYNC_SESSION_MAX_IDLE (default 5m)
	SessionTTL       time.Duration // WORLDSYNC_SESSION_TTL (default 24h)

	// Snapshot archive settings
	ArchiveInterval   time.Duration // WORLDSYNC_ARCHIVE_INTERVAL (default 0 = disabled)
	ArchiveS3Bucket   string        // WORLDSYNC_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // WORLDSYNC_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // WORLDSYNC_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // WORLDSYNC_ARCHIVE_S3_PREFIX (default "worldsync/snapshots")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("WORLDSYNC_DATABASE_URL"),
		HTTPAddr:          envOrDefault("WORLDSYNC_HTTP_ADDR", ":8080"),
		NATSURL:           os.Getenv("WORLDSYNC_NATS_URL"),
		GroupsFile:        os.Getenv("WORLDSYNC_GROUPS_FILE"),
		ArchiveS3Bucket:   os.Getenv("WORLDSYNC_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("WORLDSYNC_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("WORLDSYNC_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("WORLDSYNC_ARCHIVE_S3_PREFIX", "worldsync/snapshots"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("WORLDSYNC_DATABASE_URL is required")
	}

	var err error
	if c.LivenessInterval, err = durationEnv("WORLDSYNC_LIVENESS_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.SessionMaxIdle, err = durationEnv("WORLDSYNC_SESSION_MAX_IDLE", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.SessionTTL, err = durationEnv("WORLDSYNC_SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = durationEnv("WORLDSYNC_ARCHIVE_INTERVAL", 0); err != nil {
		return nil, err
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
