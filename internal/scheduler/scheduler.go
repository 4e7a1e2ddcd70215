// Package scheduler owns the lifecycle of per-account automation loops:
// starting them, bounding concurrency, flushing statistics and stopping
// them cleanly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/captcha"
	"github.com/mmoauto/simplemmo-bot/internal/config"
	"github.com/mmoauto/simplemmo-bot/internal/domain"
	"github.com/mmoauto/simplemmo-bot/internal/engine"
	"github.com/mmoauto/simplemmo-bot/internal/game"
	"github.com/mmoauto/simplemmo-bot/internal/store"
)

// maxConcurrent bounds how many account loops run at once.
const maxConcurrent = 5

// statsFlushEvery is how many steps pass between persisted stat flushes.
// The final flush on shutdown catches the remainder.
const statsFlushEvery = 10

var (
	ErrAlreadyRunning  = errors.New("account loop already running")
	ErrNotRunning      = errors.New("account loop not running")
	ErrTooManySessions = errors.New("too many concurrent sessions")
	ErrAccountNotFound = errors.New("account not found")
)

// RunnerStatus describes where a runner is in its lifecycle.
type RunnerStatus string

const (
	StatusStarting RunnerStatus = "starting"
	StatusRunning  RunnerStatus = "running"
	StatusStopping RunnerStatus = "stopping"
	StatusStopped  RunnerStatus = "stopped"
	StatusError    RunnerStatus = "error"
)

// AccountState is the externally visible view of one runner.
type AccountState struct {
	AccountID int64               `json:"account_id"`
	RunID     int64               `json:"run_id"`
	Status    RunnerStatus        `json:"status"`
	Session   domain.SessionState `json:"session"`
}

type runner struct {
	accountID int64
	runID     int64
	machine   *engine.Machine
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	status RunnerStatus
}

func (r *runner) setStatus(s RunnerStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *runner) getStatus() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Scheduler starts and stops account loops and fans state updates out to
// an optional listener (the live hub).
type Scheduler struct {
	cfg  *config.Config
	repo store.Repository
	log  *slog.Logger

	// notify, when set, receives every session state snapshot.
	notify func(AccountState)

	mu      sync.Mutex
	runners map[int64]*runner
	slots   chan struct{}
}

func New(cfg *config.Config, repo store.Repository, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		repo:    repo,
		log:     log,
		runners: make(map[int64]*runner),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// OnUpdate registers the state listener. Must be called before Start.
func (s *Scheduler) OnUpdate(fn func(AccountState)) { s.notify = fn }

// Start launches the loop for an account. The loop outlives the caller's
// request context; only Stop or StopAll end it.
func (s *Scheduler) Start(ctx context.Context, accountID int64) error {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading account %d: %w", accountID, err)
	}
	if account == nil {
		return ErrAccountNotFound
	}

	s.mu.Lock()
	if r, exists := s.runners[accountID]; exists {
		select {
		case <-r.done:
			delete(s.runners, accountID)
		default:
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.mu.Unlock()
		return ErrTooManySessions
	}
	s.mu.Unlock()

	releaseSlot := func() { <-s.slots }

	runID, err := s.repo.CreateRun(ctx, accountID)
	if err != nil {
		releaseSlot()
		return fmt.Errorf("creating run record: %w", err)
	}

	machine, err := s.buildMachine(ctx, account, runID)
	if err != nil {
		releaseSlot()
		if endErr := s.repo.EndRun(context.Background(), runID, "error"); endErr != nil {
			s.log.Warn("failed to finalize run", "run_id", runID, "error", endErr)
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		accountID: accountID,
		runID:     runID,
		machine:   machine,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusStarting,
	}

	machine.OnUpdate(func(state domain.SessionState) {
		if state.Phase == domain.PhaseTraveling || state.Phase == domain.PhaseOnBreak {
			r.setStatus(StatusRunning)
		}
		if state.Stats.StepsTaken > 0 && state.Stats.StepsTaken%statsFlushEvery == 0 {
			s.flushStats(runID, state.Stats)
		}
		if s.notify != nil {
			s.notify(AccountState{AccountID: accountID, RunID: runID, Status: r.getStatus(), Session: state})
		}
	})

	s.mu.Lock()
	s.runners[accountID] = r
	s.mu.Unlock()

	go s.runLoop(loopCtx, r, account.Name)

	s.log.Info("account loop started", "account_id", accountID, "run_id", runID)
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, r *runner, accountName string) {
	defer close(r.done)
	defer func() { <-s.slots }()

	log := s.log.With("account_id", r.accountID, "account", accountName, "run_id", r.runID)
	log.Info("loop running")

	r.machine.Run(ctx)

	final := r.machine.State()
	s.flushStats(r.runID, final.Stats)

	status := "completed"
	switch final.Phase {
	case domain.PhaseErrored:
		status = "error"
		r.setStatus(StatusError)
	case domain.PhaseStopped:
		if ctx.Err() != nil {
			status = "stopped"
		}
		r.setStatus(StatusStopped)
	default:
		r.setStatus(StatusStopped)
	}

	if err := s.repo.EndRun(context.Background(), r.runID, status); err != nil {
		log.Warn("failed to finalize run", "error", err)
	}
	if final.LastError != "" {
		if err := s.repo.AppendLog(context.Background(), r.runID, "error", final.LastError); err != nil {
			log.Debug("failed to append run log", "error", err)
		}
	}
	log.Info("loop finished", "status", status, "steps", final.Stats.StepsTaken)
}

func (s *Scheduler) flushStats(runID int64, stats domain.Stats) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.UpdateRunStats(ctx, runID, stats); err != nil {
		s.log.Warn("stats flush failed", "run_id", runID, "error", err)
	}
}

// Stop cancels an account loop and waits for it to wind down.
func (s *Scheduler) Stop(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	r, exists := s.runners[accountID]
	s.mu.Unlock()
	if !exists {
		return ErrNotRunning
	}
	select {
	case <-r.done:
		return ErrNotRunning
	default:
	}

	r.setStatus(StatusStopping)
	r.cancel()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	delete(s.runners, accountID)
	s.mu.Unlock()
	return nil
}

// StopAll cancels every loop and waits for them, bounded by ctx.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.mu.Lock()
	running := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		r.setStatus(StatusStopping)
		r.cancel()
		running = append(running, r)
	}
	s.runners = make(map[int64]*runner)
	s.mu.Unlock()

	for _, r := range running {
		select {
		case <-r.done:
		case <-ctx.Done():
			s.log.Warn("loop did not stop in time", "account_id", r.accountID)
			return
		}
	}
}

// States returns a snapshot of every known runner.
func (s *Scheduler) States() []AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AccountState, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, AccountState{
			AccountID: r.accountID,
			RunID:     r.runID,
			Status:    r.getStatus(),
			Session:   r.machine.State(),
		})
	}
	return out
}

// State returns the runner snapshot for one account.
func (s *Scheduler) State(accountID int64) (AccountState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[accountID]
	if !exists {
		return AccountState{}, false
	}
	return AccountState{
		AccountID: r.accountID,
		RunID:     r.runID,
		Status:    r.getStatus(),
		Session:   r.machine.State(),
	}, true
}

// buildMachine wires the game client, captcha stack and engine for one
// account.
func (s *Scheduler) buildMachine(ctx context.Context, account *domain.Account, runID int64) (*engine.Machine, error) {
	auth := game.NewAuthenticator(s.cfg.Game.WebBaseURL)
	client := game.NewClient(s.cfg.Game, auth, account.Email, account.Password)

	captchaCfg := s.captchaConfigFor(ctx, account.ID)
	var solver captcha.Solver
	if captchaCfg.APIKey != "" {
		var err error
		solver, err = captcha.New(captchaCfg)
		if err != nil {
			return nil, fmt.Errorf("building captcha solver: %w", err)
		}
	}
	fetcher := captcha.NewFetcher(s.cfg.Game.WebBaseURL, auth.Cookies)

	log := s.log.With("account_id", account.ID, "run_id", runID)

	settings := s.settingsFor(account)
	exec := engine.NewExecutor(client, solver, fetcher, log)
	machine := engine.NewMachine(account.ID, runID, client, exec, settings, log)
	return machine, nil
}

// settingsFor returns a source that merges store overrides over the
// configured defaults at every read, so edits land without a restart.
// Account-scoped values win over global ones, which win over env config.
// A merged snapshot whose bounds no longer hold (an override crossing a
// default, say min above max) is discarded in favor of the defaults.
func (s *Scheduler) settingsFor(account *domain.Account) engine.SettingsSource {
	defaults := s.cfg.Engine
	return func(ctx context.Context) domain.Settings {
		features := domain.Features{
			AutoFight:  s.settingBool(ctx, account.ID, "auto_fight", account.Features.AutoFight),
			AutoGather: s.settingBool(ctx, account.ID, "auto_gather", account.Features.AutoGather),
			AutoEquip:  s.settingBool(ctx, account.ID, "auto_equip", account.Features.AutoEquip),
			UseHealer:  s.settingBool(ctx, account.ID, "use_healer", account.Features.UseHealer),
			OnlyQuests: s.settingBool(ctx, account.ID, "only_quests", account.Features.OnlyQuests),
		}

		merged := domain.Settings{
			StepDelayMin:     s.settingDuration(ctx, account.ID, "step_delay_min", defaults.StepDelayMin),
			StepDelayMax:     s.settingDuration(ctx, account.ID, "step_delay_max", defaults.StepDelayMax),
			BreakIntervalMin: s.settingInt(ctx, account.ID, "break_interval_min", defaults.BreakIntervalMin),
			BreakIntervalMax: s.settingInt(ctx, account.ID, "break_interval_max", defaults.BreakIntervalMax),
			BreakDurationMin: s.settingDuration(ctx, account.ID, "break_duration_min", defaults.BreakDurationMin),
			BreakDurationMax: s.settingDuration(ctx, account.ID, "break_duration_max", defaults.BreakDurationMax),
			StepsPerSession:  s.settingInt(ctx, account.ID, "steps_per_session", defaults.StepsPerSession),
			Features:         features,
		}
		if merged.Valid() {
			return merged
		}

		s.log.Warn("settings overrides inconsistent, using defaults", "account_id", account.ID)
		return domain.Settings{
			StepDelayMin:     defaults.StepDelayMin,
			StepDelayMax:     defaults.StepDelayMax,
			BreakIntervalMin: defaults.BreakIntervalMin,
			BreakIntervalMax: defaults.BreakIntervalMax,
			BreakDurationMin: defaults.BreakDurationMin,
			BreakDurationMax: defaults.BreakDurationMax,
			StepsPerSession:  defaults.StepsPerSession,
			Features:         features,
		}
	}
}

func (s *Scheduler) captchaConfigFor(ctx context.Context, accountID int64) config.CaptchaConfig {
	base := s.cfg.Captcha
	return config.CaptchaConfig{
		Provider:  s.settingString(ctx, accountID, "captcha_provider", base.Provider),
		APIKey:    s.settingString(ctx, accountID, "captcha_api_key", base.APIKey),
		BaseURL:   s.settingString(ctx, accountID, "captcha_api_base", base.BaseURL),
		Model:     s.settingString(ctx, accountID, "captcha_model", base.Model),
		AccountID: s.settingString(ctx, accountID, "cloudflare_account_id", base.AccountID),
	}
}

func (s *Scheduler) settingString(ctx context.Context, accountID int64, key, fallback string) string {
	v, err := s.repo.GetSetting(ctx, accountID, key, fallback)
	if err != nil {
		s.log.Debug("setting read failed", "key", key, "error", err)
		return fallback
	}
	return v
}

func (s *Scheduler) settingDuration(ctx context.Context, accountID int64, key string, fallback time.Duration) time.Duration {
	v := s.settingString(ctx, accountID, key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (s *Scheduler) settingInt(ctx context.Context, accountID int64, key string, fallback int) int {
	v := s.settingString(ctx, accountID, key, "")
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func (s *Scheduler) settingBool(ctx context.Context, accountID int64, key string, fallback bool) bool {
	switch s.settingString(ctx, accountID, key, "") {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
