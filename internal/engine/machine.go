package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
)

const (
	// loginAttempts bounds authentication retries before the loop gives
	// up and parks in the errored phase.
	loginAttempts = 4
	loginBackoff  = time.Second

	// maxConsecutiveStepErrors bounds transport-level failures before the
	// loop parks in the errored phase. Classified outcomes, even server
	// errors, reset this counter since the server is clearly reachable.
	maxConsecutiveStepErrors = 5
)

// SleepFunc waits for d or until ctx is done. Injectable for tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SettingsSource yields the current settings snapshot for the account.
// It is consulted at phase boundaries so store-side edits apply without
// restarting the loop.
type SettingsSource func(ctx context.Context) domain.Settings

// Machine runs the travel/break/relogin loop for one account.
type Machine struct {
	client   GameClient
	exec     *Executor
	settings SettingsSource
	sleep    SleepFunc
	log      *slog.Logger

	// onUpdate, when set, receives a state snapshot after every change.
	onUpdate func(domain.SessionState)

	mu    sync.Mutex
	state domain.SessionState
}

func NewMachine(accountID, runID int64, client GameClient, exec *Executor, settings SettingsSource, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		client:   client,
		exec:     exec,
		settings: settings,
		sleep:    realSleep,
		log:      log,
		state: domain.SessionState{
			AccountID: accountID,
			RunID:     runID,
			Phase:     domain.PhaseLoggingIn,
			StartedAt: time.Now(),
		},
	}
}

// SetSleep replaces the wait function. Tests use this to run the loop at
// full speed.
func (m *Machine) SetSleep(fn SleepFunc) { m.sleep = fn }

// OnUpdate registers a callback invoked with a snapshot after every state
// change. Must be set before Run.
func (m *Machine) OnUpdate(fn func(domain.SessionState)) { m.onUpdate = fn }

// State returns a snapshot of the current session state.
func (m *Machine) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) update(fn func(s *domain.SessionState)) {
	m.mu.Lock()
	fn(&m.state)
	snap := m.state
	m.mu.Unlock()
	if m.onUpdate != nil {
		m.onUpdate(snap)
	}
}

func (m *Machine) setPhase(p domain.Phase) {
	m.update(func(s *domain.SessionState) { s.Phase = p })
	m.log.Info("phase change", "phase", p)
}

// Run drives the loop until the context is cancelled, the step cap is
// reached, or an unrecoverable error parks it. Always returns with the
// state in a terminal phase.
func (m *Machine) Run(ctx context.Context) {
	if !m.login(ctx) {
		return
	}

	for {
		if ctx.Err() != nil {
			m.setPhase(domain.PhaseStopped)
			return
		}

		settings := m.settings(ctx)

		// Quest-only mode skips travel entirely: work quests, pause,
		// repeat while quest points regenerate.
		if settings.Features.OnlyQuests {
			if !m.rest(ctx, settings) {
				m.setPhase(domain.PhaseStopped)
				return
			}
			continue
		}

		threshold := drawInt(settings.BreakIntervalMin, settings.BreakIntervalMax)

		again, ok := m.travel(ctx, settings, threshold)
		if !ok {
			return
		}
		if !again {
			m.setPhase(domain.PhaseStopped)
			return
		}

		if !m.rest(ctx, settings) {
			m.setPhase(domain.PhaseStopped)
			return
		}
	}
}

// login authenticates with exponential backoff. Returns false when the
// loop should not continue, leaving the state terminal.
func (m *Machine) login(ctx context.Context) bool {
	m.setPhase(domain.PhaseLoggingIn)

	backoff := loginBackoff
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		if ctx.Err() != nil {
			m.setPhase(domain.PhaseStopped)
			return false
		}

		err := m.client.Login(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, context.Canceled) {
			m.setPhase(domain.PhaseStopped)
			return false
		}

		m.log.Warn("login failed", "attempt", attempt, "error", err)
		if attempt == loginAttempts {
			break
		}
		if serr := m.sleep(ctx, backoff); serr != nil {
			m.setPhase(domain.PhaseStopped)
			return false
		}
		backoff *= 2
	}

	m.update(func(s *domain.SessionState) {
		s.Phase = domain.PhaseErrored
		s.LastError = "authentication failed"
	})
	m.log.Error("giving up on login", "attempts", loginAttempts)
	return false
}

// travel steps until a break is due, the cap is hit, or the loop must
// end. Returns (again=true) when a break should follow, (again=false)
// when the step cap ended the run, and ok=false when the state is already
// terminal.
func (m *Machine) travel(ctx context.Context, settings domain.Settings, breakThreshold int) (again, ok bool) {
	m.setPhase(domain.PhaseTraveling)

	consecutiveErrors := 0
	for {
		// Cancellation wins over every other transition, including a
		// break that is due on the same step.
		if ctx.Err() != nil {
			m.setPhase(domain.PhaseStopped)
			return false, false
		}

		if settings.StepsPerSession > 0 && m.State().Stats.StepsTaken >= settings.StepsPerSession {
			m.log.Info("step cap reached", "steps", m.State().Stats.StepsTaken)
			return false, true
		}

		if m.State().StepsSinceBreak >= breakThreshold {
			return true, true
		}

		if err := m.sleep(ctx, drawDuration(settings.StepDelayMin, settings.StepDelayMax)); err != nil {
			m.setPhase(domain.PhaseStopped)
			return false, false
		}

		out, err := m.client.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setPhase(domain.PhaseStopped)
				return false, false
			}
			consecutiveErrors++
			m.update(func(s *domain.SessionState) { s.Stats.Errors++ })
			m.log.Warn("step failed", "consecutive", consecutiveErrors, "error", err)
			if consecutiveErrors >= maxConsecutiveStepErrors {
				m.update(func(s *domain.SessionState) {
					s.Phase = domain.PhaseErrored
					s.LastError = err.Error()
				})
				return false, false
			}
			if serr := m.sleep(ctx, time.Duration(consecutiveErrors)*2*time.Second); serr != nil {
				m.setPhase(domain.PhaseStopped)
				return false, false
			}
			continue
		}
		consecutiveErrors = 0

		var stats domain.Stats
		m.mu.Lock()
		stats = m.state.Stats
		m.mu.Unlock()

		directive := m.exec.Execute(ctx, out, settings.Features, &stats)

		m.update(func(s *domain.SessionState) {
			stats.StepsTaken++
			s.Stats = stats
			s.StepsSinceBreak++
		})

		if directive.Relogin {
			if !m.login(ctx) {
				return false, false
			}
			m.setPhase(domain.PhaseTraveling)
		}
		if directive.Pause > 0 {
			if err := m.sleep(ctx, directive.Pause); err != nil {
				m.setPhase(domain.PhaseStopped)
				return false, false
			}
		}
	}
}

// rest runs the break: quests and upkeep first, then the randomized
// pause. Returns false when cancelled mid-break.
func (m *Machine) rest(ctx context.Context, settings domain.Settings) bool {
	// The counter resets the moment the break starts, so status reads
	// during the break already show a fresh window.
	m.update(func(s *domain.SessionState) {
		s.Phase = domain.PhaseOnBreak
		s.StepsSinceBreak = 0
	})
	m.log.Info("phase change", "phase", domain.PhaseOnBreak)

	m.breakUpkeep(ctx, settings)

	pause := drawDuration(settings.BreakDurationMin, settings.BreakDurationMax)
	m.log.Info("taking a break", "duration", pause)
	if err := m.sleep(ctx, pause); err != nil {
		return false
	}

	return true
}

// breakUpkeep works quests and account upkeep while the travel loop is
// paused. Failures are logged and skipped; the break proceeds regardless.
func (m *Machine) breakUpkeep(ctx context.Context, settings domain.Settings) {
	info, err := m.client.GetPlayerInfo(ctx)
	if err != nil {
		m.log.Warn("player info unavailable during break", "error", err)
		return
	}

	if settings.Features.UseHealer && info.Down() {
		if err := m.client.UseHealer(ctx); err != nil {
			m.log.Warn("healer failed", "error", err)
		} else {
			m.log.Info("healed at healer")
		}
	}

	if info.QuestPoints > 0 {
		completed := runQuestCycle(ctx, m.client, info, m.log)
		if completed > 0 {
			m.update(func(s *domain.SessionState) { s.Stats.QuestsCompleted += completed })
		}
	}
}

func drawInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.IntN(max-min+1)
}

func drawDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}
