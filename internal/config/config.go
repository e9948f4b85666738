package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	// PublicHost is the externally reachable host used in TwiML stream URLs and
	// Twilio callbacks. Empty means "use the request Host header".
	PublicHost string

	LogLevel  string
	LogFormat string

	OpenAIAPIKey         string
	RealtimeURL          string
	RealtimeVoice        string
	RealtimeTemperature  float64
	RealtimeInstructions string
	RealtimeDialTimeout  time.Duration

	TelephonyPingInterval time.Duration

	RedisURL             string
	SessionTTL           time.Duration
	SessionLookupTimeout time.Duration

	ProfileServiceURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBaseURL string

	DatabaseURL string
}

const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01"

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":3000"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		PublicHost:           stringsTrimSpace("PUBLIC_HOST"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "json"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeURL:          envOrDefault("REALTIME_URL", DefaultRealtimeURL),
		RealtimeVoice:        envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeTemperature:  0.8,
		RealtimeInstructions: stringsTrimSpace("REALTIME_INSTRUCTIONS"),
		RealtimeDialTimeout:  10 * time.Second,
		// Media frames can pause legitimately, so liveness is probed with pings.
		TelephonyPingInterval: 30 * time.Second,
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		SessionTTL:            10 * time.Minute,
		SessionLookupTimeout:  3 * time.Second,
		ProfileServiceURL:     stringsTrimSpace("PROFILE_SERVICE_URL"),
		TwilioAccountSID:      stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioAPIBaseURL:      envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeDialTimeout, err = durationFromEnv("REALTIME_DIAL_TIMEOUT", cfg.RealtimeDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TelephonyPingInterval, err = durationFromEnv("TELEPHONY_PING_INTERVAL", cfg.TelephonyPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionLookupTimeout, err = durationFromEnv("SESSION_LOOKUP_TIMEOUT", cfg.SessionLookupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeTemperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.RealtimeTemperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.TelephonyPingInterval < time.Second {
		return Config{}, fmt.Errorf("TELEPHONY_PING_INTERVAL must be at least 1s")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_TTL must be positive")
	}
	if cfg.SessionLookupTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_LOOKUP_TIMEOUT must be positive")
	}
	if cfg.RealtimeDialTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_DIAL_TIMEOUT must be positive")
	}
	// The realtime API accepts 0.6-1.2.
	if cfg.RealtimeTemperature < 0.6 || cfg.RealtimeTemperature > 1.2 {
		return Config{}, fmt.Errorf("REALTIME_TEMPERATURE must be within [0.6, 1.2]")
	}

	return cfg, nil
}

// TwilioConfigured reports whether outbound calls can be placed.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
