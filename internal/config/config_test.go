package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Session.Endpoint != "ws://localhost:3000/ws" {
		t.Fatalf("unexpected default endpoint: %s", cfg.Session.Endpoint)
	}
	if cfg.Animation.DefaultDuration != 800 {
		t.Fatalf("unexpected default duration: %d", cfg.Animation.DefaultDuration)
	}
	if cfg.Session.MaxReconnectAttempts != 5 {
		t.Fatalf("unexpected reconnect budget: %d", cfg.Session.MaxReconnectAttempts)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soullink.yaml")
	data := []byte(`
runtime_name: avatar-test
session:
  endpoint: wss://example.com/ws
  request_timeout_ms: 5000
animation:
  default_duration_ms: 400
  aliases:
    eyeOpenL: [CustomEyeL]
channels:
  - id: ParamEyeLOpen
    min: 0
    max: 1
    default: 1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RuntimeName != "avatar-test" {
		t.Fatalf("runtime_name not applied: %s", cfg.RuntimeName)
	}
	if cfg.Session.Endpoint != "wss://example.com/ws" {
		t.Fatalf("endpoint not applied: %s", cfg.Session.Endpoint)
	}
	if cfg.Session.RequestTimeout != 5000 {
		t.Fatalf("request timeout not applied: %d", cfg.Session.RequestTimeout)
	}
	if cfg.Animation.DefaultDuration != 400 {
		t.Fatalf("default duration not applied: %d", cfg.Animation.DefaultDuration)
	}
	if got := cfg.Animation.Aliases["eyeOpenL"]; len(got) != 1 || got[0] != "CustomEyeL" {
		t.Fatalf("aliases not applied: %v", got)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].ID != "ParamEyeLOpen" {
		t.Fatalf("channel seed not applied: %+v", cfg.Channels)
	}
	// Untouched sections keep their defaults.
	if cfg.Animation.MaxDuration != 3000 {
		t.Fatalf("unrelated default lost: %d", cfg.Animation.MaxDuration)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOULLINK_SESSION_ENDPOINT", "ws://10.0.0.1:3000/ws")
	t.Setenv("SOULLINK_SESSION_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("SOULLINK_ANIMATION_PUBLISH_FRAMES", "true")
	t.Setenv("SOULLINK_BUS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("SOULLINK_SPEECH_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Session.Endpoint != "ws://10.0.0.1:3000/ws" {
		t.Fatalf("endpoint override not applied: %s", cfg.Session.Endpoint)
	}
	if cfg.Session.MaxReconnectAttempts != 9 {
		t.Fatalf("attempts override not applied: %d", cfg.Session.MaxReconnectAttempts)
	}
	if !cfg.Animation.PublishFrames {
		t.Fatalf("publish frames override not applied")
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://b:4222" {
		t.Fatalf("server list override not applied: %v", cfg.Bus.Servers)
	}
	if cfg.Speech.Enabled {
		t.Fatalf("speech override not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http endpoint", func(c *Config) { c.Session.Endpoint = "http://example.com" }},
		{"zero timeout", func(c *Config) { c.Session.RequestTimeout = 0 }},
		{"inverted durations", func(c *Config) { c.Animation.MaxDuration = 10; c.Animation.MinDuration = 100 }},
		{"bad retention", func(c *Config) { c.History.RetentionMode = "forever" }},
		{"zero tick", func(c *Config) { c.Animation.TickInterval = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
