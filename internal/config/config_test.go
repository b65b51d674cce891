package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RPA_RELAY_URL", "http://relay.local/control")
	t.Setenv("RPA_DATA_DIR", "/srv/rpa")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("expected :8000, got %s", cfg.ListenAddr)
	}
	if cfg.DatabasePath != "/srv/rpa/rpafleet.db" {
		t.Errorf("expected db under data dir, got %s", cfg.DatabasePath)
	}
	if cfg.RelayTaskParam != "tak" {
		t.Errorf("expected tak, got %s", cfg.RelayTaskParam)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.QueueDepth != 1024 {
		t.Errorf("expected queue depth 1024, got %d", cfg.QueueDepth)
	}
	if !cfg.ServesHTTP() || cfg.ServesMCP() {
		t.Errorf("expected http-only mode, got %s", cfg.Mode)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("RPA_RELAY_URL", "http://relay.local/control")
	t.Setenv("RPA_LISTEN", ":9000")
	t.Setenv("RPA_STALE_AFTER", "15m")
	t.Setenv("RPA_STALE_AUTO_FORCE", "yes")
	t.Setenv("RPA_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RPA_SSE_QUEUE_DEPTH", "not-a-number")

	cfg, err := Load([]string{"--listen", ":9100", "--mode", "BOTH"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Errorf("expected flag to win, got %s", cfg.ListenAddr)
	}
	if !cfg.ServesHTTP() || !cfg.ServesMCP() {
		t.Errorf("expected both modes, got %s", cfg.Mode)
	}
	if cfg.StaleAfter != 15*time.Minute || !cfg.StaleAutoForce {
		t.Errorf("unexpected stale settings %v %v", cfg.StaleAfter, cfg.StaleAutoForce)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.QueueDepth != 1024 {
		t.Errorf("expected bad int to fall back to default, got %d", cfg.QueueDepth)
	}
}

func TestLoad_ValidationJoinsErrors(t *testing.T) {
	t.Setenv("RPA_RELAY_URL", "")
	t.Setenv("RPA_MODE", "grpc")
	t.Setenv("RPA_HEARTBEAT_INTERVAL", "10ms")

	_, err := Load(nil)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"RPA_RELAY_URL is required", "RPA_MODE", "RPA_HEARTBEAT_INTERVAL"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %s, got %q", want, msg)
		}
	}
}

func TestLoad_RejectsRelativeRelayURL(t *testing.T) {
	t.Setenv("RPA_RELAY_URL", "relay/control")
	if _, err := Load(nil); err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Errorf("expected absolute URL error, got %v", err)
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	t.Setenv("RPA_RELAY_URL", "http://relay.local/control")
	if _, err := Load([]string{"--nope"}); err == nil {
		t.Error("expected unknown flag error")
	}
}
