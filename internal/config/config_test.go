package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.TurnSilenceMS != 1500 {
		t.Fatalf("expected 1500ms turn silence, got %d", cfg.Session.TurnSilenceMS)
	}
	if cfg.Live.FrameSamples != 4096 || cfg.Live.SampleRate != 16000 {
		t.Fatalf("unexpected live defaults: %+v", cfg.Live)
	}
	if cfg.Speech.SampleRate != 24000 || cfg.Speech.Channels != 1 {
		t.Fatalf("unexpected speech defaults: %+v", cfg.Speech)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COACH_BUS_ENABLED", "true")
	t.Setenv("COACH_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("COACH_BUS_USERNAME", "alice")
	t.Setenv("COACH_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("COACH_NODE_ID", "test-node")
	t.Setenv("COACH_STORE_BACKEND", "jetstream")
	t.Setenv("COACH_STORE_BUCKET", "coach-test")
	t.Setenv("COACH_STORE_RETENTION_DAYS", "7")
	t.Setenv("COACH_SESSION_TURN_SILENCE_MS", "900")
	t.Setenv("COACH_SESSION_DISCARD_STALE_ANALYSIS", "true")
	t.Setenv("COACH_LIVE_SILENCE_RMS", "0.05")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Store.Backend != "jetstream" || cfg.Store.Bucket != "coach-test" {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Store.RetentionDays != 7 {
		t.Fatalf("expected retention days override")
	}
	if cfg.Session.TurnSilenceMS != 900 || !cfg.Session.DiscardStaleAnalysis {
		t.Fatalf("expected session overrides, got %+v", cfg.Session)
	}
	if cfg.Live.SilenceRMS != 0.05 {
		t.Fatalf("expected silence rms override, got %v", cfg.Live.SilenceRMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	data := []byte("store:\n  backend: memory\nanalysis:\n  mode: exec\n  command: ./analyze\nsession:\n  turn_silence_ms: 2000\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Analysis.Command != "./analyze" || cfg.Session.TurnSilenceMS != 2000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"jetstream without bus": func(c *Config) { c.Store.Backend = "jetstream" },
		"bus media without bus": func(c *Config) { c.Media.Mode = "bus" },
		"exec analysis no cmd":  func(c *Config) { c.Analysis.Mode = "exec" },
		"unknown player":        func(c *Config) { c.Speech.Player = "speaker" },
		"zero silence":          func(c *Config) { c.Session.TurnSilenceMS = 0 },
		"unknown log level":     func(c *Config) { c.Telemetry.LogLevel = "chatty" },
		"gemini without key": func(c *Config) {
			c.Analysis.Mode = "gemini"
		},
	}
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := LogLevel(TelemetryConfig{LogLevel: in})
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
