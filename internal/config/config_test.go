package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte(`
server:
  port: "9090"
redis:
  addr: localhost:6379
  ttl: 5m
engine:
  tickInterval: 500ms
  confusionChance: 0.25
  locales: [vi, en]
matchups:
  chart: classic
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BATTLE_REDIS_ADDR", "redis:6380")
	t.Setenv("BATTLE_ENGINE_LOCALES", "en,fr")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port from yaml, got %q", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("expected env override, got %q", cfg.Redis.Addr)
	}
	if len(cfg.Engine.Locales) != 2 || cfg.Engine.Locales[1] != "fr" {
		t.Fatalf("unexpected locales %v", cfg.Engine.Locales)
	}
	if cfg.Engine.ConfusionChance != 0.25 || cfg.Matchups.Chart != "classic" {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if TTLDuration(cfg.Engine.TickInterval, time.Second) != 500*time.Millisecond {
		t.Fatalf("unexpected tick interval %q", cfg.Engine.TickInterval)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.NATS.SubjectPrefix != "battle.events" || cfg.Matchups.Chart != "standard" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadConfusionChance(t *testing.T) {
	t.Setenv("BATTLE_ENGINE_CONFUSION", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTTLDurationFallback(t *testing.T) {
	if got := TTLDuration("nonsense", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := TTLDuration("", 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("expected fallback for empty, got %v", got)
	}
}
