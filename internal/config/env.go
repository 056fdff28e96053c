package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/timeutil"
)

func init() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
}

const (
	BackendDingTalk = "dingtalk"
	BackendGoogle   = "google"

	DisambiguatorModel = "model"
	DisambiguatorRule  = "rule"
)

type Config struct {
	// Calendar backend
	Backend        string
	DingTalkID     string
	DingTalkSecret string
	DingTalkUnion  string
	DingTalkURL    string

	GoogleCredentialsFile string
	GoogleTokenFile       string

	// Disambiguation
	AnthropicAPIKey   string
	ClaudeModel       string
	ClaudeTemperature float64
	Disambiguator     string

	// Optional with defaults
	DBPath          string
	HTTPPort        int
	APIToken        string
	GatewayTimeout  time.Duration
	PendingTTL      time.Duration
	DefaultTimeZone string

	LogLevel  string
	LogFormat string
	LogFile   string

	ResendAPIKey string
	EmailFrom    string
	NotifyEmail  string
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Backend:        strings.ToLower(getEnvOrDefault("CALENDAR_BACKEND", BackendDingTalk)),
		DingTalkID:     os.Getenv("DINGDING_ID"),
		DingTalkSecret: os.Getenv("DINGDING_SECRET"),
		DingTalkUnion:  os.Getenv("DINGDING_UNION_ID"),
		DingTalkURL:    getEnvOrDefault("DINGTALK_BASE_URL", "https://api.dingtalk.com"),

		GoogleCredentialsFile: getEnvOrDefault("GOOGLE_CREDENTIALS_FILE", "./credentials.json"),
		GoogleTokenFile:       getEnvOrDefault("GOOGLE_TOKEN_FILE", "./token.json"),

		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		ClaudeModel:       getEnvOrDefault("MAGICCAT_CLAUDE_MODEL", "claude-sonnet-4-20250514"),
		ClaudeTemperature: getEnvAsFloatOrDefault("MAGICCAT_CLAUDE_TEMPERATURE", 0.0),
		Disambiguator:     strings.ToLower(getEnvOrDefault("MAGICCAT_DISAMBIGUATOR", DisambiguatorModel)),

		DBPath:          getEnvOrDefault("MAGICCAT_DB_PATH", "./magiccat.db"),
		HTTPPort:        getEnvAsIntOrDefault("MAGICCAT_HTTP_PORT", 8080),
		APIToken:        os.Getenv("MAGICCAT_API_TOKEN"),
		GatewayTimeout:  getEnvAsDurationOrDefault("MAGICCAT_GATEWAY_TIMEOUT", 10*time.Second),
		PendingTTL:      getEnvAsDurationOrDefault("MAGICCAT_PENDING_TTL", 10*time.Minute),
		DefaultTimeZone: getEnvOrDefault("MAGICCAT_DEFAULT_TIMEZONE", "Asia/Shanghai"),

		LogLevel:  getEnvOrDefault("MAGICCAT_LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("MAGICCAT_LOG_FORMAT", "text"),
		LogFile:   os.Getenv("MAGICCAT_LOG_FILE"),

		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		EmailFrom:    getEnvOrDefault("MAGICCAT_EMAIL_FROM", "MagicCat <onboarding@resend.dev>"),
		NotifyEmail:  os.Getenv("MAGICCAT_NOTIFY_EMAIL"),
	}

	// A model disambiguator without a key degrades to the rule-based one.
	if cfg.Disambiguator == DisambiguatorModel && cfg.AnthropicAPIKey == "" {
		cfg.Disambiguator = DisambiguatorRule
	}

	return cfg
}

// Validate reports missing credentials for the selected backend. The returned
// error wraps calendar.ErrConfig.
func (c *Config) Validate() error {
	var missing []string
	switch c.Backend {
	case BackendDingTalk:
		if c.DingTalkID == "" {
			missing = append(missing, "DINGDING_ID")
		}
		if c.DingTalkSecret == "" {
			missing = append(missing, "DINGDING_SECRET")
		}
		if c.DingTalkUnion == "" {
			missing = append(missing, "DINGDING_UNION_ID")
		}
	case BackendGoogle:
		if c.GoogleCredentialsFile == "" {
			missing = append(missing, "GOOGLE_CREDENTIALS_FILE")
		}
	default:
		return fmt.Errorf("%w: unknown CALENDAR_BACKEND %q", calendar.ErrConfig, c.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", calendar.ErrConfig, strings.Join(missing, ", "))
	}

	switch c.Disambiguator {
	case DisambiguatorModel, DisambiguatorRule:
	default:
		return fmt.Errorf("%w: unknown MAGICCAT_DISAMBIGUATOR %q", calendar.ErrConfig, c.Disambiguator)
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		return fmt.Errorf("%w: MAGICCAT_DEFAULT_TIMEZONE %q: %v", calendar.ErrConfig, c.DefaultTimeZone, err)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("%w: MAGICCAT_GATEWAY_TIMEOUT must be positive", calendar.ErrConfig)
	}
	return nil
}

// Location returns the default zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, _ := timeutil.ResolveLocation(c.DefaultTimeZone, time.UTC)
	return loc
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
