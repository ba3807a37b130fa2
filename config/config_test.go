package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("QUIET_WINDOW", "")
	t.Setenv("VIEWER_DELTA", "")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m", cfg.PollInterval)
	}
	if cfg.QuietWindow != 5*time.Minute {
		t.Errorf("QuietWindow = %v, want 5m", cfg.QuietWindow)
	}
	if cfg.StaleMaxAge != 30*time.Minute {
		t.Errorf("StaleMaxAge = %v, want 30m", cfg.StaleMaxAge)
	}
	if cfg.StatusTimeout != 10*time.Second {
		t.Errorf("StatusTimeout = %v, want 10s", cfg.StatusTimeout)
	}
	if cfg.ViewerDelta != 10 {
		t.Errorf("ViewerDelta = %d, want 10", cfg.ViewerDelta)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default DSN, got empty")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("QUIET_WINDOW", "2m")
	t.Setenv("STALE_MAX_AGE", "1h")
	t.Setenv("VIEWER_DELTA", "25")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.QuietWindow != 2*time.Minute {
		t.Errorf("QuietWindow = %v, want 2m", cfg.QuietWindow)
	}
	if cfg.StaleMaxAge != time.Hour {
		t.Errorf("StaleMaxAge = %v, want 1h", cfg.StaleMaxAge)
	}
	if cfg.ViewerDelta != 25 {
		t.Errorf("ViewerDelta = %d, want 25", cfg.ViewerDelta)
	}
}

func TestLoadInvalidViewerDelta(t *testing.T) {
	t.Setenv("VIEWER_DELTA", "not-a-number")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid VIEWER_DELTA")
	}
	t.Setenv("VIEWER_DELTA", "-5")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for negative VIEWER_DELTA")
	}
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want default 1m on unparsable value", cfg.PollInterval)
	}
}

func TestValidateBotReady(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "cs")
	cfg, _ := Load()
	if err := cfg.ValidateBotReady(); err != nil {
		t.Errorf("expected valid bot config, got %v", err)
	}
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateBotReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
	t.Setenv("DISCORD_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateBotReady(); err == nil {
		t.Errorf("expected error when missing discord token")
	}
}
