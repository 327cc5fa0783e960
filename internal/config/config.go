// Package config provides application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/leetcoach/internal/oracle"
	"github.com/ashureev/leetcoach/internal/stuck"
)

// DefaultCORSOrigins are used when CORS_ORIGINS is unset or empty.
var DefaultCORSOrigins = []string{
	"chrome-extension://*",
	"http://localhost:3000",
	"https://leetcode.com",
}

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	CORSOrigins    []string
	ThresholdsPath string
	Oracle         OracleConfig
	SessionIdleTTL time.Duration
	OfferRetention time.Duration
	SSE            SSEConfig
	// DefaultPreferences seed the preferences of users who never saved any.
	DefaultPreferences stuck.Preferences
}

// OracleConfig selects and tunes the assistance-need oracle.
type OracleConfig struct {
	Mode          oracle.Mode
	URL           string
	Addr          string
	Timeout       time.Duration
	RatePerMinute int
}

// SSEConfig controls the offer event stream.
type SSEConfig struct {
	Keepalive time.Duration
	Retry     time.Duration
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	mode, err := oracle.ParseMode(getEnv("ORACLE_MODE", "none"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/leetcoach.db"),
		CORSOrigins:    ParseOrigins(getEnv("CORS_ORIGINS", "")),
		ThresholdsPath: getEnv("THRESHOLDS_PATH", ""),
		Oracle: OracleConfig{
			Mode:          mode,
			URL:           getEnv("ORACLE_URL", "http://localhost:8000"),
			Addr:          getEnv("ORACLE_ADDR", "localhost:50051"),
			Timeout:       getEnvDuration("ORACLE_TIMEOUT", 5*time.Second),
			RatePerMinute: getEnvInt("ORACLE_RATE_PER_MINUTE", 30),
		},
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		OfferRetention: getEnvDuration("OFFER_RETENTION", 30*24*time.Hour),
		SSE: SSEConfig{
			Keepalive: getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			Retry:     getEnvDuration("SSE_RETRY", 3*time.Second),
			QueueSize: getEnvInt("SSE_QUEUE_SIZE", 100),
		},
		DefaultPreferences: stuck.Preferences{
			AssistanceDelaySeconds: getEnvInt("DEFAULT_ASSISTANCE_DELAY", stuck.DefaultDelaySeconds),
			AutoAssistEnabled:      getEnvBool("DEFAULT_AUTO_ASSIST", true),
			AutoActivate:           getEnvBool("DEFAULT_AUTO_ACTIVATE", true),
		}.Normalize(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Oracle.Mode == oracle.ModeHTTP && c.Oracle.URL == "" {
		return errors.New("ORACLE_URL is required when ORACLE_MODE=http")
	}
	if c.Oracle.Mode == oracle.ModeGRPC && c.Oracle.Addr == "" {
		return errors.New("ORACLE_ADDR is required when ORACLE_MODE=grpc")
	}
	if c.Oracle.Timeout <= 0 {
		return errors.New("ORACLE_TIMEOUT must be > 0")
	}
	if c.Oracle.RatePerMinute < 0 {
		return errors.New("ORACLE_RATE_PER_MINUTE must be >= 0")
	}
	if c.SessionIdleTTL <= 0 {
		return errors.New("SESSION_IDLE_TTL must be > 0")
	}
	if c.OfferRetention <= 0 {
		return errors.New("OFFER_RETENTION must be > 0")
	}
	if c.SSE.Keepalive <= 0 {
		return errors.New("SSE_KEEPALIVE must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return errors.New("SSE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// OracleSettings converts the oracle section for oracle.New.
func (c *Config) OracleSettings() oracle.Config {
	return oracle.Config{
		Mode:          c.Oracle.Mode,
		URL:           c.Oracle.URL,
		Addr:          c.Oracle.Addr,
		Timeout:       c.Oracle.Timeout,
		RatePerMinute: c.Oracle.RatePerMinute,
	}
}

// EngineSettings overlays the environment's oracle deadline on an engine
// config loaded from the thresholds file. The scheduler's deadline bounds
// every oracle call, so it must follow ORACLE_TIMEOUT.
func (c *Config) EngineSettings(engine stuck.Config) stuck.Config {
	if c.Oracle.Timeout > 0 {
		engine.OracleTimeout = c.Oracle.Timeout
	}
	return engine
}

// ParseOrigins accepts a JSON array or a comma or semicolon separated list.
// Surrounding quotes on list items are dropped. An empty value yields
// DefaultCORSOrigins.
func ParseOrigins(v string) []string {
	s := strings.TrimSpace(v)
	if s == "" {
		return append([]string(nil), DefaultCORSOrigins...)
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var items []any
		if err := json.Unmarshal([]byte(s), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, item := range items {
				out = append(out, strings.TrimSpace(fmt.Sprint(item)))
			}
			return out
		}
	}

	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(s, ";", ","), ",") {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultCORSOrigins...)
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of
// seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
