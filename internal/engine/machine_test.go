package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
	"github.com/mmoauto/simplemmo-bot/internal/game"
)

// sleepRecorder captures requested waits without actually waiting.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.waits))
	copy(out, r.waits)
	return out
}

func testSettings() domain.Settings {
	return domain.Settings{
		StepDelayMin:     time.Millisecond,
		StepDelayMax:     time.Millisecond,
		BreakIntervalMin: 5,
		BreakIntervalMax: 5,
		BreakDurationMin: time.Millisecond,
		BreakDurationMax: time.Millisecond,
	}
}

func newTestMachine(client *fakeClient, settings domain.Settings) (*Machine, *sleepRecorder) {
	exec := NewExecutor(client, nil, nil, nil)
	m := NewMachine(1, 1, client, exec, func(ctx context.Context) domain.Settings {
		return settings
	}, nil)
	rec := &sleepRecorder{}
	m.SetSleep(rec.sleep)
	return m, rec
}

func TestMachine_StepCapStopsRun(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings()
	settings.BreakIntervalMin = 100
	settings.BreakIntervalMax = 100
	settings.StepsPerSession = 7

	m, _ := newTestMachine(client, settings)
	m.Run(context.Background())

	state := m.State()
	if state.Phase != domain.PhaseStopped {
		t.Errorf("Expected stopped, got %s", state.Phase)
	}
	if !state.Phase.Terminal() {
		t.Errorf("Expected a terminal phase, got %s", state.Phase)
	}
	if state.Stats.StepsTaken != 7 {
		t.Errorf("Expected exactly 7 steps, got %d", state.Stats.StepsTaken)
	}
	if client.stepCalls != 7 {
		t.Errorf("Expected 7 step calls, got %d", client.stepCalls)
	}
}

func TestMachine_BreakAtThreshold(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings() // break after exactly 5 steps
	settings.StepsPerSession = 8

	var mu sync.Mutex
	var phases []domain.Phase
	var stepsAtBreak int

	m, _ := newTestMachine(client, settings)
	m.OnUpdate(func(s domain.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
		if s.Phase == domain.PhaseOnBreak && stepsAtBreak == 0 {
			stepsAtBreak = s.Stats.StepsTaken
		}
	})
	m.Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	sawBreak := false
	for _, p := range phases {
		if p == domain.PhaseOnBreak {
			sawBreak = true
		}
	}
	if !sawBreak {
		t.Fatalf("Expected a break phase, saw %v", phases)
	}
	// The 5th step crosses the threshold, so the break starts with exactly
	// 5 steps taken, never 6.
	if stepsAtBreak != 5 {
		t.Errorf("Expected break after 5 steps, got %d", stepsAtBreak)
	}

	state := m.State()
	if state.Stats.StepsTaken != 8 {
		t.Errorf("Expected run to finish at the 8-step cap, got %d", state.Stats.StepsTaken)
	}
}

func TestMachine_StopBeatsBreak(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &fakeClient{}
	settings := testSettings()
	settings.BreakIntervalMin = 1
	settings.BreakIntervalMax = 1

	// Cancel during the first step so that stop and break are due on the
	// same loop iteration.
	client.stepFn = func() (domain.ActionOutcome, error) {
		cancel()
		return domain.ActionOutcome{Kind: domain.OutcomeStepped}, nil
	}

	var mu sync.Mutex
	sawBreak := false
	m, _ := newTestMachine(client, settings)
	m.OnUpdate(func(s domain.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if s.Phase == domain.PhaseOnBreak {
			sawBreak = true
		}
	})
	m.Run(ctx)

	if m.State().Phase != domain.PhaseStopped {
		t.Errorf("Expected stopped, got %s", m.State().Phase)
	}
	mu.Lock()
	defer mu.Unlock()
	if sawBreak {
		t.Error("Expected stop to win over a due break")
	}
}

func TestMachine_LoginBackoff(t *testing.T) {
	client := &fakeClient{loginErr: errors.New("bad credentials")}
	m, rec := newTestMachine(client, testSettings())
	m.Run(context.Background())

	state := m.State()
	if state.Phase != domain.PhaseErrored {
		t.Errorf("Expected errored, got %s", state.Phase)
	}
	if state.LastError == "" {
		t.Error("Expected a recorded last error")
	}
	if client.loginCalls != loginAttempts {
		t.Errorf("Expected %d login attempts, got %d", loginAttempts, client.loginCalls)
	}

	waits := rec.recorded()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("Expected %d backoff waits, got %v", len(want), waits)
	}
	for i, w := range want {
		if waits[i] != w {
			t.Errorf("Backoff %d: expected %s, got %s", i, w, waits[i])
		}
	}
}

func TestMachine_ReloginMidTravel(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings()
	settings.BreakIntervalMin = 100
	settings.BreakIntervalMax = 100
	settings.StepsPerSession = 3

	expired := false
	client.stepFn = func() (domain.ActionOutcome, error) {
		if !expired {
			expired = true
			return domain.ActionOutcome{Kind: domain.OutcomeSessionExpired}, nil
		}
		return domain.ActionOutcome{Kind: domain.OutcomeStepped}, nil
	}

	m, _ := newTestMachine(client, settings)
	m.Run(context.Background())

	// Initial login plus the re-login triggered by the expiry directive.
	if client.loginCalls != 2 {
		t.Errorf("Expected 2 logins, got %d", client.loginCalls)
	}
	if m.State().Phase != domain.PhaseStopped {
		t.Errorf("Expected stopped, got %s", m.State().Phase)
	}
}

func TestMachine_ConsecutiveErrorsPark(t *testing.T) {
	client := &fakeClient{}
	client.stepFn = func() (domain.ActionOutcome, error) {
		return domain.ActionOutcome{}, errors.New("connection reset")
	}

	m, _ := newTestMachine(client, testSettings())
	m.Run(context.Background())

	state := m.State()
	if state.Phase != domain.PhaseErrored {
		t.Errorf("Expected errored, got %s", state.Phase)
	}
	if !state.Phase.Terminal() {
		t.Errorf("Expected a terminal phase, got %s", state.Phase)
	}
	if client.stepCalls != maxConsecutiveStepErrors {
		t.Errorf("Expected %d step attempts, got %d", maxConsecutiveStepErrors, client.stepCalls)
	}
	if state.Stats.Errors != maxConsecutiveStepErrors {
		t.Errorf("Expected %d recorded errors, got %d", maxConsecutiveStepErrors, state.Stats.Errors)
	}
}

func TestMachine_RateLimitPause(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings()
	settings.StepsPerSession = 1

	client.stepFn = func() (domain.ActionOutcome, error) {
		return domain.ActionOutcome{Kind: domain.OutcomeRateLimited, RetryAfter: 30 * time.Second}, nil
	}

	m, rec := newTestMachine(client, settings)
	m.Run(context.Background())

	found := false
	for _, w := range rec.recorded() {
		if w == 30*time.Second {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a 30s pause, recorded %v", rec.recorded())
	}
}

func TestMachine_BreakResetsCounter(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings() // threshold 5
	settings.StepsPerSession = 12

	var mu sync.Mutex
	var breakSteps []int
	m, _ := newTestMachine(client, settings)
	m.OnUpdate(func(s domain.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if s.Phase == domain.PhaseOnBreak && (len(breakSteps) == 0 || breakSteps[len(breakSteps)-1] != s.Stats.StepsTaken) {
			breakSteps = append(breakSteps, s.Stats.StepsTaken)
		}
	})
	m.Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	// Breaks at 5 and 10; the cap ends the run at 12.
	if len(breakSteps) < 2 || breakSteps[0] != 5 || breakSteps[1] != 10 {
		t.Errorf("Expected breaks after steps 5 and 10, got %v", breakSteps)
	}
}

func TestMachine_BreakSnapshotsShowFreshCounter(t *testing.T) {
	client := &fakeClient{}
	settings := testSettings() // threshold 5
	settings.StepsPerSession = 6

	var mu sync.Mutex
	var breakCounters []int
	m, _ := newTestMachine(client, settings)
	m.OnUpdate(func(s domain.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if s.Phase == domain.PhaseOnBreak {
			breakCounters = append(breakCounters, s.StepsSinceBreak)
		}
	})
	m.Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(breakCounters) == 0 {
		t.Fatal("Expected at least one break snapshot")
	}
	// The counter resets when the break begins, so every snapshot taken
	// during the break reads zero.
	for i, n := range breakCounters {
		if n != 0 {
			t.Errorf("Expected counter 0 in break snapshot %d, got %d", i, n)
		}
	}
}

func TestMachine_QuestOnlyMode(t *testing.T) {
	client := &fakeClient{player: &game.PlayerInfo{Level: 10, HP: 100, MaxHP: 100, QuestPoints: 2}}
	client.quests = []game.Quest{
		{ID: 1, Title: "Easy", LevelRequired: 1, SuccessChance: 90},
	}

	settings := testSettings()
	settings.Features.OnlyQuests = true

	ctx, cancel := context.WithCancel(context.Background())
	m, _ := newTestMachine(client, settings)

	// Cancel after the first break cycle completes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for client.questCalls == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for a quest perform")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done

	if client.stepCalls != 0 {
		t.Errorf("Expected no travel steps in quest-only mode, got %d", client.stepCalls)
	}
	if client.questCalls == 0 {
		t.Error("Expected quest performs in quest-only mode")
	}
}
