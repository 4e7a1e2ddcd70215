// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. Values here are defaults;
// per-account overrides live in the settings store and are merged over
// these at phase boundaries.
type Config struct {
	Port   string
	DBPath string

	Game    GameConfig
	Engine  EngineConfig
	Captcha CaptchaConfig
}

// GameConfig holds game API endpoints. The travel path is part of an
// external contract that changes without notice, so it stays configurable.
type GameConfig struct {
	APIBaseURL     string
	WebBaseURL     string
	TravelEndpoint string
}

// EngineConfig holds default pacing and feature settings for account loops.
type EngineConfig struct {
	StepDelayMin     time.Duration
	StepDelayMax     time.Duration
	BreakIntervalMin int
	BreakIntervalMax int
	BreakDurationMin time.Duration
	BreakDurationMax time.Duration
	StepsPerSession  int

	AutoFight  bool
	AutoGather bool
	AutoEquip  bool
	UseHealer  bool
	OnlyQuests bool
}

// CaptchaConfig selects and configures the captcha solving provider.
// Provider is one of "openai", "gemini", "cloudflare".
type CaptchaConfig struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	AccountID string // Cloudflare account ID, unused by other providers
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("DB_PATH", "./data/bot.db"),
		Game: GameConfig{
			APIBaseURL:     getEnv("GAME_API_BASE_URL", "https://api.simple-mmo.com"),
			WebBaseURL:     getEnv("GAME_WEB_BASE_URL", "https://web.simple-mmo.com"),
			TravelEndpoint: getEnv("GAME_TRAVEL_ENDPOINT", "/api/travel/perform/kj8gzj4hd"),
		},
		Engine: EngineConfig{
			StepDelayMin:     getEnvDuration("STEP_DELAY_MIN", 3*time.Second),
			StepDelayMax:     getEnvDuration("STEP_DELAY_MAX", 8*time.Second),
			BreakIntervalMin: getEnvInt("BREAK_INTERVAL_MIN", 500),
			BreakIntervalMax: getEnvInt("BREAK_INTERVAL_MAX", 700),
			BreakDurationMin: getEnvDuration("BREAK_DURATION_MIN", 3*time.Minute),
			BreakDurationMax: getEnvDuration("BREAK_DURATION_MAX", 10*time.Minute),
			StepsPerSession:  getEnvInt("STEPS_PER_SESSION", 0),
			AutoFight:        getEnvBool("AUTO_FIGHT_NPC", true),
			AutoGather:       getEnvBool("AUTO_GATHER_MATERIALS", true),
			AutoEquip:        getEnvBool("AUTO_EQUIP_BEST_ITEMS", false),
			UseHealer:        getEnvBool("USE_HEALER", false),
			OnlyQuests:       getEnvBool("ONLY_QUESTS", false),
		},
		Captcha: CaptchaConfig{
			Provider:  strings.ToLower(getEnv("CAPTCHA_PROVIDER", "openai")),
			APIKey:    getEnv("CAPTCHA_API_KEY", ""),
			BaseURL:   getEnv("CAPTCHA_API_BASE", ""),
			Model:     getEnv("CAPTCHA_MODEL", ""),
			AccountID: getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration fields are consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Game.APIBaseURL == "" || c.Game.WebBaseURL == "" {
		return fmt.Errorf("game base URLs cannot be empty")
	}
	e := c.Engine
	if e.StepDelayMin <= 0 || e.StepDelayMax < e.StepDelayMin {
		return fmt.Errorf("step delay bounds invalid: min=%s max=%s", e.StepDelayMin, e.StepDelayMax)
	}
	if e.BreakIntervalMin <= 0 || e.BreakIntervalMax < e.BreakIntervalMin {
		return fmt.Errorf("break interval bounds invalid: min=%d max=%d", e.BreakIntervalMin, e.BreakIntervalMax)
	}
	if e.BreakDurationMin <= 0 || e.BreakDurationMax < e.BreakDurationMin {
		return fmt.Errorf("break duration bounds invalid: min=%s max=%s", e.BreakDurationMin, e.BreakDurationMax)
	}
	if e.StepsPerSession < 0 {
		return fmt.Errorf("STEPS_PER_SESSION cannot be negative")
	}
	switch c.Captcha.Provider {
	case "openai", "gemini", "cloudflare":
	default:
		return fmt.Errorf("unknown captcha provider %q", c.Captcha.Provider)
	}
	return nil
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

// getEnvDuration parses a Go duration string ("5s", "2m"). Bare integers
// are read as seconds.
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
