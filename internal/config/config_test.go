package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.Engine.StepDelayMin != 3*time.Second {
		t.Errorf("Expected step delay min 3s, got %s", cfg.Engine.StepDelayMin)
	}
	if cfg.Engine.BreakIntervalMin != 500 || cfg.Engine.BreakIntervalMax != 700 {
		t.Errorf("Unexpected break interval bounds: %d-%d",
			cfg.Engine.BreakIntervalMin, cfg.Engine.BreakIntervalMax)
	}
	if !cfg.Engine.AutoFight || !cfg.Engine.AutoGather {
		t.Error("Expected fight and gather enabled by default")
	}
	if cfg.Engine.AutoEquip || cfg.Engine.UseHealer || cfg.Engine.OnlyQuests {
		t.Error("Expected equip, healer and quest-only disabled by default")
	}
	if cfg.Captcha.Provider != "openai" {
		t.Errorf("Expected default provider openai, got %s", cfg.Captcha.Provider)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STEP_DELAY_MIN", "1s")
	t.Setenv("STEP_DELAY_MAX", "2s")
	t.Setenv("AUTO_FIGHT_NPC", "false")
	t.Setenv("CAPTCHA_PROVIDER", "Gemini")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.Engine.StepDelayMin != time.Second || cfg.Engine.StepDelayMax != 2*time.Second {
		t.Errorf("Unexpected step delays: %s-%s", cfg.Engine.StepDelayMin, cfg.Engine.StepDelayMax)
	}
	if cfg.Engine.AutoFight {
		t.Error("Expected auto fight disabled")
	}
	if cfg.Captcha.Provider != "gemini" {
		t.Errorf("Expected provider lowercased to gemini, got %s", cfg.Captcha.Provider)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	t.Setenv("CAPTCHA_PROVIDER", "2captcha")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown captcha provider")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:   "8080",
			DBPath: "./bot.db",
			Game: GameConfig{
				APIBaseURL: "https://api.example.com",
				WebBaseURL: "https://web.example.com",
			},
			Engine: EngineConfig{
				StepDelayMin:     time.Second,
				StepDelayMax:     2 * time.Second,
				BreakIntervalMin: 100,
				BreakIntervalMax: 200,
				BreakDurationMin: time.Minute,
				BreakDurationMax: 2 * time.Minute,
			},
			Captcha: CaptchaConfig{Provider: "openai"},
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"empty game url", func(c *Config) { c.Game.APIBaseURL = "" }},
		{"step delay max below min", func(c *Config) { c.Engine.StepDelayMax = time.Millisecond }},
		{"zero step delay", func(c *Config) { c.Engine.StepDelayMin = 0 }},
		{"break interval max below min", func(c *Config) { c.Engine.BreakIntervalMax = 1 }},
		{"zero break duration", func(c *Config) { c.Engine.BreakDurationMin = 0 }},
		{"negative steps per session", func(c *Config) { c.Engine.StepsPerSession = -1 }},
		{"bad provider", func(c *Config) { c.Captcha.Provider = "manual" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR_GO", "90s")
	t.Setenv("TEST_DUR_INT", "45")
	t.Setenv("TEST_DUR_BAD", "soon")

	if d := getEnvDuration("TEST_DUR_GO", time.Second); d != 90*time.Second {
		t.Errorf("Expected 90s, got %s", d)
	}
	// Bare integers mean seconds.
	if d := getEnvDuration("TEST_DUR_INT", time.Second); d != 45*time.Second {
		t.Errorf("Expected 45s, got %s", d)
	}
	if d := getEnvDuration("TEST_DUR_BAD", 7*time.Second); d != 7*time.Second {
		t.Errorf("Expected fallback 7s, got %s", d)
	}
	if d := getEnvDuration("TEST_DUR_UNSET", 3*time.Second); d != 3*time.Second {
		t.Errorf("Expected fallback 3s, got %s", d)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}

	for _, tt := range tests {
		t.Setenv("TEST_BOOL", tt.value)
		if got := getEnvBool("TEST_BOOL", tt.fallback); got != tt.want {
			t.Errorf("getEnvBool(%q, %v) = %v, want %v", tt.value, tt.fallback, got, tt.want)
		}
	}
}
