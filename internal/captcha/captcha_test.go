package captcha

import (
	"testing"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/config"
)

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		reply   string
		want    int
		wantErr bool
	}{
		{"3", 3, false},
		{"The answer is 2.", 2, false},
		{"  4\n", 4, false},
		{"1", 1, false},
		{"I cannot tell", 0, true},
		{"", 0, true},
		{"Image 5 or maybe 0", 0, true},
	}
	for _, c := range cases {
		got, err := parseAnswer(c.reply)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseAnswer(%q): expected error, got %d", c.reply, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAnswer(%q): unexpected error %v", c.reply, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseAnswer(%q): expected %d, got %d", c.reply, c.want, got)
		}
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	cases := []struct {
		provider string
		wantName string
	}{
		{"openai", "openai"},
		{"gemini", "gemini"},
		{"OpenAI", "openai"},
	}
	for _, c := range cases {
		solver, err := New(config.CaptchaConfig{Provider: c.provider, APIKey: "test-key"})
		if err != nil {
			t.Errorf("New(%q): unexpected error %v", c.provider, err)
			continue
		}
		if solver.Name() != c.wantName {
			t.Errorf("New(%q): expected name %q, got %q", c.provider, c.wantName, solver.Name())
		}
	}
}

func TestNew_Cloudflare(t *testing.T) {
	solver, err := New(config.CaptchaConfig{Provider: "cloudflare", APIKey: "k", AccountID: "acc"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if solver.Name() != "cloudflare" {
		t.Errorf("Expected cloudflare, got %q", solver.Name())
	}

	if _, err := New(config.CaptchaConfig{Provider: "cloudflare", APIKey: "k"}); err == nil {
		t.Error("Expected error without account ID")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(config.CaptchaConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Error("Expected error for unknown provider")
	}
	if _, err := New(config.CaptchaConfig{Provider: "openai"}); err == nil {
		t.Error("Expected error for missing API key")
	}
}

func TestChallenge_Expired(t *testing.T) {
	fresh := &Challenge{FetchedAt: time.Now()}
	if fresh.Expired() {
		t.Error("Fresh challenge should not be expired")
	}

	stale := &Challenge{FetchedAt: time.Now().Add(-challengeTTL - time.Second)}
	if !stale.Expired() {
		t.Error("Stale challenge should be expired")
	}
}

func TestQuotaGate(t *testing.T) {
	var g quotaGate
	if g.exhausted() {
		t.Error("New gate should not be exhausted")
	}

	g.trip(time.Minute)
	if !g.exhausted() {
		t.Error("Tripped gate should be exhausted")
	}

	g.trip(-time.Minute)
	if g.exhausted() {
		t.Error("Gate with past deadline should not be exhausted")
	}
}
