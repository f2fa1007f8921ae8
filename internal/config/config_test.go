package config

import (
	"testing"
	"time"
)

var allEnvVars = []string{
	"WORLDSYNC_DATABASE_URL", "WORLDSYNC_HTTP_ADDR", "WORLDSYNC_NATS_URL",
	"WORLDSYNC_GROUPS_FILE", "WORLDSYNC_LIVENESS_INTERVAL",
	"WORLDSYNC_SESSION_MAX_IDLE", "WORLDSYNC_SESSION_TTL",
	"WORLDSYNC_ARCHIVE_INTERVAL", "WORLDSYNC_ARCHIVE_S3_BUCKET",
	"WORLDSYNC_ARCHIVE_S3_ENDPOINT", "WORLDSYNC_ARCHIVE_S3_REGION",
	"WORLDSYNC_ARCHIVE_S3_PREFIX",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantHTTPAddr string
		wantLiveness time.Duration
		wantMaxIdle  time.Duration
		wantTTL      time.Duration
	}{
		{
			name:    "MissingDatabaseURL",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:         "Defaults",
			env:          map[string]string{"WORLDSYNC_DATABASE_URL": "postgres://localhost/worldsync"},
			wantHTTPAddr: ":8080",
			wantLiveness: 30 * time.Second,
			wantMaxIdle:  5 * time.Minute,
			wantTTL:      24 * time.Hour,
		},
		{
			name: "CustomDurations",
			env: map[string]string{
				"WORLDSYNC_DATABASE_URL":      "postgres://db:5432/worldsync",
				"WORLDSYNC_HTTP_ADDR":         ":3000",
				"WORLDSYNC_LIVENESS_INTERVAL": "10s",
				"WORLDSYNC_SESSION_MAX_IDLE":  "90s",
				"WORLDSYNC_SESSION_TTL":       "1h",
			},
			wantHTTPAddr: ":3000",
			wantLiveness: 10 * time.Second,
			wantMaxIdle:  90 * time.Second,
			wantTTL:      time.Hour,
		},
		{
			name: "BadDuration",
			env: map[string]string{
				"WORLDSYNC_DATABASE_URL":      "postgres://localhost/worldsync",
				"WORLDSYNC_LIVENESS_INTERVAL": "soon",
			},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.LivenessInterval != tc.wantLiveness {
				t.Errorf("LivenessInterval = %v, want %v", cfg.LivenessInterval, tc.wantLiveness)
			}
			if cfg.SessionMaxIdle != tc.wantMaxIdle {
				t.Errorf("SessionMaxIdle = %v, want %v", cfg.SessionMaxIdle, tc.wantMaxIdle)
			}
			if cfg.SessionTTL != tc.wantTTL {
				t.Errorf("SessionTTL = %v, want %v", cfg.SessionTTL, tc.wantTTL)
			}
		})
	}
}

func TestArchiveDisabledByDefault(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("WORLDSYNC_DATABASE_URL", "postgres://localhost/worldsync")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("archive should be disabled by default, got %v", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Region != "us-east-1" {
		t.Errorf("unexpected default region %q", cfg.ArchiveS3Region)
	}
}
