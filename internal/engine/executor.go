// Package engine drives per-account automation loops: stepping, reacting
// to encounters, pacing breaks and recovering sessions.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/captcha"
	"github.com/mmoauto/simplemmo-bot/internal/domain"
	"github.com/mmoauto/simplemmo-bot/internal/game"
)

// captchaAttempts caps how many times one challenge is solved before the
// engine gives up. A failed solve is never submitted; guessing risks the
// account.
const captchaAttempts = 3

// GameClient is the game surface the engine needs. *game.Client
// implements it; tests substitute fakes.
type GameClient interface {
	Login(ctx context.Context) error
	Step(ctx context.Context) (domain.ActionOutcome, error)
	AttackNPC(ctx context.Context, npcID int64) (*game.AttackResult, error)
	GatherMaterial(ctx context.Context, materialID int64) (*game.GatherResult, error)
	GetPlayerInfo(ctx context.Context) (*game.PlayerInfo, error)
	GetQuests(ctx context.Context) ([]game.Quest, string, error)
	PerformQuest(ctx context.Context, questID int64, endpoint string) (*game.QuestResult, error)
	EquipBestItems(ctx context.Context) (int, error)
	UseHealer(ctx context.Context) error
}

// ChallengeSource fetches and submits verification challenges.
// *captcha.Fetcher implements it.
type ChallengeSource interface {
	Fetch(ctx context.Context) (*captcha.Challenge, error)
	Submit(ctx context.Context, ch *captcha.Challenge, answer int) error
}

// Directive tells the loop what to do after an outcome is handled.
type Directive struct {
	// Pause is an additional wait before the next step, beyond the
	// regular randomized step delay.
	Pause time.Duration

	// Relogin asks the loop to re-authenticate before continuing.
	Relogin bool
}

// Executor reacts to classified step outcomes: fighting, gathering,
// solving captchas and accumulating run statistics.
type Executor struct {
	client     GameClient
	solver     captcha.Solver
	challenges ChallengeSource
	log        *slog.Logger
}

func NewExecutor(client GameClient, solver captcha.Solver, challenges ChallengeSource, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		client:     client,
		solver:     solver,
		challenges: challenges,
		log:        log,
	}
}

// Execute performs the follow-up action for one outcome and folds the
// result into stats. Follow-up failures are logged and counted but never
// abort the loop; only the directive steers it.
func (e *Executor) Execute(ctx context.Context, out domain.ActionOutcome, features domain.Features, stats *domain.Stats) Directive {
	var d Directive
	d.Pause = out.ServerWait

	switch out.Kind {
	case domain.OutcomeStepped:
		// Nothing beyond the step itself.

	case domain.OutcomeNPC:
		if err := e.handleNPC(ctx, out, features, stats); errors.Is(err, game.ErrSessionExpired) {
			d.Relogin = true
		}

	case domain.OutcomeMaterial:
		if err := e.handleMaterial(ctx, out, features, stats); errors.Is(err, game.ErrSessionExpired) {
			d.Relogin = true
		}

	case domain.OutcomeItem:
		stats.ItemsFound++
		e.maybeEquip(ctx, features)

	case domain.OutcomeGold:
		stats.GoldEarned += out.Gold

	case domain.OutcomeExp:
		stats.ExpEarned += out.Exp

	case domain.OutcomeCaptchaChallenge:
		e.handleCaptcha(ctx, stats)

	case domain.OutcomeQuestAvailable:
		// Quests are worked during breaks, not mid-travel.

	case domain.OutcomeRateLimited:
		pause := out.RetryAfter
		if pause <= 0 {
			pause = 30 * time.Second
		}
		if pause > d.Pause {
			d.Pause = pause
		}
		e.log.Warn("rate limited", "retry_after", pause)

	case domain.OutcomeSessionExpired:
		d.Relogin = true

	case domain.OutcomeServerError:
		stats.Errors++
		e.log.Warn("server error on step", "status", out.StatusCode, "message", out.Message)

	case domain.OutcomeUnrecognized:
		stats.Errors++
		e.log.Warn("unrecognized step response", "raw", out.Raw)
	}

	return d
}

func (e *Executor) handleNPC(ctx context.Context, out domain.ActionOutcome, features domain.Features, stats *domain.Stats) error {
	stats.NPCsFought++
	if !features.AutoFight || out.NPC == nil {
		return nil
	}

	res, err := e.client.AttackNPC(ctx, out.NPC.ID)
	if err != nil {
		if errors.Is(err, game.ErrSessionExpired) {
			return err
		}
		stats.Errors++
		e.log.Warn("attack failed", "npc", out.NPC.Name, "error", err)
		return nil
	}
	if res.Won {
		stats.NPCsWon++
		stats.GoldEarned += res.Gold
		stats.ExpEarned += res.Exp
		e.maybeEquip(ctx, features)
	} else {
		stats.NPCsLost++
	}
	e.log.Info("fought npc", "npc", out.NPC.Name, "level", out.NPC.Level, "won", res.Won, "gold", res.Gold, "exp", res.Exp)
	return nil
}

func (e *Executor) handleMaterial(ctx context.Context, out domain.ActionOutcome, features domain.Features, stats *domain.Stats) error {
	if !features.AutoGather || out.Material == nil {
		return nil
	}

	res, err := e.client.GatherMaterial(ctx, out.Material.ID)
	if err != nil {
		if errors.Is(err, game.ErrSessionExpired) {
			return err
		}
		stats.Errors++
		e.log.Warn("gather failed", "material", out.Material.Name, "error", err)
		return nil
	}
	stats.MaterialsGathered += res.Count
	stats.ExpEarned += res.Exp
	e.log.Info("gathered material", "material", out.Material.Name, "count", res.Count)
	e.maybeEquip(ctx, features)
	return nil
}

func (e *Executor) maybeEquip(ctx context.Context, features domain.Features) {
	if !features.AutoEquip {
		return
	}
	n, err := e.client.EquipBestItems(ctx)
	if err != nil {
		e.log.Debug("equip best items failed", "error", err)
		return
	}
	if n > 0 {
		e.log.Info("equipped better items", "count", n)
	}
}

// handleCaptcha fetches the challenge and asks the solver for an answer.
// An answer is only ever submitted when the solver produced one; on any
// failure the challenge is left unanswered and travel resumes, letting
// the server re-issue it.
func (e *Executor) handleCaptcha(ctx context.Context, stats *domain.Stats) {
	if e.solver == nil || e.challenges == nil {
		stats.CaptchasFailed++
		e.log.Warn("captcha encountered but no solver configured")
		return
	}

	ch, err := e.challenges.Fetch(ctx)
	if err != nil {
		stats.CaptchasFailed++
		e.log.Warn("captcha fetch failed", "error", err)
		return
	}
	if ch.Verified {
		e.log.Info("captcha already cleared server-side")
		return
	}

	for attempt := 1; attempt <= captchaAttempts; attempt++ {
		if ch.Expired() {
			var ferr error
			ch, ferr = e.challenges.Fetch(ctx)
			if ferr != nil {
				stats.CaptchasFailed++
				e.log.Warn("captcha re-fetch failed", "error", ferr)
				return
			}
			if ch.Verified {
				return
			}
		}

		answer, err := e.solver.Solve(ctx, ch.Prompt, ch.Images)
		if err != nil {
			e.log.Warn("captcha solve attempt failed", "provider", e.solver.Name(), "attempt", attempt, "error", err)
			continue
		}

		if err := e.challenges.Submit(ctx, ch, answer); err != nil {
			e.log.Warn("captcha submit failed", "attempt", attempt, "error", err)
			continue
		}

		stats.CaptchasSolved++
		e.log.Info("captcha solved", "provider", e.solver.Name(), "answer", answer)
		return
	}

	stats.CaptchasFailed++
	e.log.Warn("captcha unsolved after retries, skipping without submitting")
}
