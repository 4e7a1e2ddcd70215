package engine

import (
	"context"
	"log/slog"

	"github.com/mmoauto/simplemmo-bot/internal/game"
)

// questRefreshEvery re-fetches the quest list after this many performs,
// since completion flips eligibility server-side.
const questRefreshEvery = 10

// questSafetyCap bounds one cycle regardless of reported quest points.
const questSafetyCap = 200

// runQuestCycle spends the player's quest points on the easiest eligible
// quests and returns how many performs succeeded. It always works the
// lowest-level incomplete quest with a nonzero success chance.
func runQuestCycle(ctx context.Context, client GameClient, info *game.PlayerInfo, log *slog.Logger) int {
	quests, endpoint, err := client.GetQuests(ctx)
	if err != nil {
		log.Warn("quest list unavailable", "error", err)
		return 0
	}

	points := info.QuestPoints
	completed := 0
	sinceRefresh := 0

	for performed := 0; performed < questSafetyCap && points > 0; performed++ {
		if ctx.Err() != nil {
			break
		}

		if sinceRefresh >= questRefreshEvery {
			quests, endpoint, err = client.GetQuests(ctx)
			if err != nil {
				log.Warn("quest list refresh failed", "error", err)
				break
			}
			sinceRefresh = 0
		}

		q := pickQuest(quests, info.Level)
		if q == nil {
			log.Info("no eligible quests left", "points_remaining", points)
			break
		}

		res, err := client.PerformQuest(ctx, q.ID, endpoint)
		if err != nil {
			log.Warn("quest perform failed", "quest", q.Title, "error", err)
			break
		}
		points--
		sinceRefresh++

		if res.Success {
			completed++
			log.Info("quest step succeeded", "quest", q.Title, "gold", res.Gold, "exp", res.Exp)
		} else {
			log.Info("quest step failed", "quest", q.Title)
		}
	}

	if completed > 0 {
		log.Info("quest cycle done", "completed", completed)
	}
	return completed
}

// pickQuest returns the lowest-level quest the player can still work, or
// nil when none qualifies.
func pickQuest(quests []game.Quest, playerLevel int) *game.Quest {
	var best *game.Quest
	for i := range quests {
		q := &quests[i]
		if q.Completed || q.SuccessChance <= 0 || q.LevelRequired > playerLevel {
			continue
		}
		if best == nil || q.LevelRequired < best.LevelRequired {
			best = q
		}
	}
	return best
}
