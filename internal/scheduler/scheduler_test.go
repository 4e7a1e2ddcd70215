package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/config"
	"github.com/mmoauto/simplemmo-bot/internal/domain"
	"github.com/mmoauto/simplemmo-bot/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})

	cfg := &config.Config{
		Game: config.GameConfig{
			APIBaseURL:     "http://localhost",
			WebBaseURL:     "http://localhost",
			TravelEndpoint: "/api/travel/perform/test",
		},
		Engine: config.EngineConfig{
			StepDelayMin:     3 * time.Second,
			StepDelayMax:     8 * time.Second,
			BreakIntervalMin: 500,
			BreakIntervalMax: 700,
			BreakDurationMin: 3 * time.Minute,
			BreakDurationMax: 10 * time.Minute,
			AutoFight:        true,
		},
		Captcha: config.CaptchaConfig{Provider: "openai"},
	}

	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return New(cfg, repo, log), repo
}

func TestStart_AccountNotFound(t *testing.T) {
	sched, _ := newTestScheduler(t)

	err := sched.Start(context.Background(), 999)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestStop_NotRunning(t *testing.T) {
	sched, _ := newTestScheduler(t)

	err := sched.Stop(context.Background(), 1)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestState_Unknown(t *testing.T) {
	sched, _ := newTestScheduler(t)

	if _, running := sched.State(1); running {
		t.Error("Expected no state for unknown account")
	}
	if states := sched.States(); len(states) != 0 {
		t.Errorf("Expected no states, got %d", len(states))
	}
}

func TestSettingsFor_Defaults(t *testing.T) {
	sched, _ := newTestScheduler(t)

	account := &domain.Account{ID: 1, Features: domain.Features{AutoFight: true, UseHealer: true}}
	settings := sched.settingsFor(account)(context.Background())

	if settings.StepDelayMin != 3*time.Second || settings.StepDelayMax != 8*time.Second {
		t.Errorf("Unexpected step delays: %s-%s", settings.StepDelayMin, settings.StepDelayMax)
	}
	if settings.BreakIntervalMin != 500 || settings.BreakIntervalMax != 700 {
		t.Errorf("Unexpected break interval: %d-%d", settings.BreakIntervalMin, settings.BreakIntervalMax)
	}
	if !settings.Features.AutoFight || !settings.Features.UseHealer {
		t.Errorf("Account features not carried through: %+v", settings.Features)
	}
	if settings.Features.OnlyQuests {
		t.Error("Expected quest-only disabled")
	}
}

func TestSettingsFor_StoreOverrides(t *testing.T) {
	sched, repo := newTestScheduler(t)
	ctx := context.Background()

	// Global override plus a tighter account-scoped one.
	if err := repo.PutSetting(ctx, store.GlobalScope, "step_delay_min", "10s"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}
	if err := repo.PutSetting(ctx, 1, "break_interval_min", "50"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}
	if err := repo.PutSetting(ctx, 1, "auto_fight", "false"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}

	account := &domain.Account{ID: 1, Features: domain.Features{AutoFight: true}}
	settings := sched.settingsFor(account)(ctx)

	if settings.StepDelayMin != 10*time.Second {
		t.Errorf("Expected global 10s step delay, got %s", settings.StepDelayMin)
	}
	if settings.BreakIntervalMin != 50 {
		t.Errorf("Expected account override 50, got %d", settings.BreakIntervalMin)
	}
	if settings.Features.AutoFight {
		t.Error("Expected auto fight overridden off")
	}
}

func TestSettingsFor_BadValuesFallBack(t *testing.T) {
	sched, repo := newTestScheduler(t)
	ctx := context.Background()

	if err := repo.PutSetting(ctx, 1, "step_delay_min", "fast"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}
	if err := repo.PutSetting(ctx, 1, "break_interval_min", "many"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}

	settings := sched.settingsFor(&domain.Account{ID: 1})(ctx)
	if settings.StepDelayMin != 3*time.Second {
		t.Errorf("Expected fallback 3s for bad duration, got %s", settings.StepDelayMin)
	}
	if settings.BreakIntervalMin != 500 {
		t.Errorf("Expected fallback 500 for bad int, got %d", settings.BreakIntervalMin)
	}
}

func TestSettingsFor_InconsistentBoundsUseDefaults(t *testing.T) {
	sched, repo := newTestScheduler(t)
	ctx := context.Background()

	// Override crosses the default max (8s), making min > max.
	if err := repo.PutSetting(ctx, 1, "step_delay_min", "10s"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}

	account := &domain.Account{ID: 1, Features: domain.Features{AutoGather: true}}
	settings := sched.settingsFor(account)(ctx)

	if settings.StepDelayMin != 3*time.Second || settings.StepDelayMax != 8*time.Second {
		t.Errorf("Expected default delays when bounds cross, got %s-%s",
			settings.StepDelayMin, settings.StepDelayMax)
	}
	if !settings.Valid() {
		t.Error("Expected the fallback snapshot to be valid")
	}
	// Feature toggles survive the fallback.
	if !settings.Features.AutoGather {
		t.Errorf("Expected features preserved, got %+v", settings.Features)
	}
}

func TestCaptchaConfigFor(t *testing.T) {
	sched, repo := newTestScheduler(t)
	ctx := context.Background()

	if err := repo.PutSetting(ctx, 1, "captcha_provider", "gemini"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}
	if err := repo.PutSetting(ctx, 1, "captcha_api_key", "key-1"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}

	got := sched.captchaConfigFor(ctx, 1)
	if got.Provider != "gemini" {
		t.Errorf("Expected provider gemini, got %s", got.Provider)
	}
	if got.APIKey != "key-1" {
		t.Errorf("Expected key-1, got %s", got.APIKey)
	}
	// Untouched fields keep the configured defaults.
	if got.Model != "" {
		t.Errorf("Expected empty model, got %s", got.Model)
	}
}
