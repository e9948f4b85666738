package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3000")
	}
	if cfg.RealtimeURL != DefaultRealtimeURL {
		t.Fatalf("RealtimeURL = %q, want default", cfg.RealtimeURL)
	}
	if cfg.TelephonyPingInterval != 30*time.Second {
		t.Fatalf("TelephonyPingInterval = %v, want %v", cfg.TelephonyPingInterval, 30*time.Second)
	}
	if cfg.RealtimeTemperature != 0.8 {
		t.Fatalf("RealtimeTemperature = %v, want 0.8", cfg.RealtimeTemperature)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty default", cfg.RedisURL)
	}
	if cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = true, want false without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_TTL", "90s")
	t.Setenv("REALTIME_TEMPERATURE", "1.0")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Fatalf("SessionTTL = %v, want %v", cfg.SessionTTL, 90*time.Second)
	}
	if cfg.RealtimeTemperature != 1.0 {
		t.Fatalf("RealtimeTemperature = %v, want 1.0", cfg.RealtimeTemperature)
	}
	if !cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TELEPHONY_PING_INTERVAL": "10ms",
		"SESSION_TTL":             "nope",
		"REALTIME_TEMPERATURE":    "2.5",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%s", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"PUBLIC_HOST",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"OPENAI_API_KEY",
		"REALTIME_URL",
		"REALTIME_VOICE",
		"REALTIME_TEMPERATURE",
		"REALTIME_INSTRUCTIONS",
		"REALTIME_DIAL_TIMEOUT",
		"TELEPHONY_PING_INTERVAL",
		"REDIS_URL",
		"SESSION_TTL",
		"SESSION_LOOKUP_TIMEOUT",
		"PROFILE_SERVICE_URL",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_API_BASE_URL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
