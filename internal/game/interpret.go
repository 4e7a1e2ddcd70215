package game

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
)

// Interpret classifies one raw travel response into an ActionOutcome.
//
// It is a pure function: same inputs, same outcome. Classification follows
// a strict precedence because a single response can carry several signals
// at once: blocking conditions preempt content, and combat/gathering
// preempt passive prompts.
//
//	SessionExpired > CaptchaChallenge > RateLimited > ServerError >
//	NPC > Material > Item > Gold > Exp > Quest > Stepped > Unrecognized
//
// Unrecognized never fails; unknown shapes degrade to a logged no-op step
// so endpoint drift cannot take the loop down.
func Interpret(status int, header http.Header, body []byte) domain.ActionOutcome {
	var raw map[string]any
	decodeErr := json.Unmarshal(body, &raw)

	text, _ := raw["text"].(string)
	lower := strings.ToLower(text)

	if status == http.StatusUnauthorized || status == 419 ||
		strings.Contains(lower, "session expired") || strings.Contains(lower, "logged out") {
		return domain.ActionOutcome{Kind: domain.OutcomeSessionExpired, Message: text}
	}

	if truthy(raw["captcha"]) || strings.Contains(lower, "human verification") {
		return domain.ActionOutcome{Kind: domain.OutcomeCaptchaChallenge, Message: text}
	}

	if status == http.StatusTooManyRequests {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeRateLimited,
			Message:    text,
			RetryAfter: retryAfter(header, raw),
		}
	}

	if status >= 400 {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeServerError,
			Message:    text,
			StatusCode: status,
		}
	}

	if decodeErr != nil {
		return domain.ActionOutcome{
			Kind: domain.OutcomeUnrecognized,
			Raw:  clip(string(body), 512),
		}
	}

	wait := serverWait(raw)
	gold := asInt64(raw["gold"])
	exp := asInt64(raw["exp"])
	if exp == 0 {
		exp = asInt64(raw["xp"])
	}

	if id := asInt64(raw["npc_id"]); id != 0 || truthy(raw["is_npc"]) {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeNPC,
			Message:    text,
			ServerWait: wait,
			Gold:       gold,
			Exp:        exp,
			NPC: &domain.NPCEncounter{
				ID:    id,
				Name:  asString(raw["npc_name"]),
				Level: int(asInt64(raw["level"])),
			},
		}
	}

	if id := asInt64(raw["material_id"]); id != 0 || truthy(raw["material"]) {
		name := asString(raw["material_name"])
		if name == "" {
			name = asString(raw["material"])
		}
		return domain.ActionOutcome{
			Kind:       domain.OutcomeMaterial,
			Message:    text,
			ServerWait: wait,
			Gold:       gold,
			Exp:        exp,
			Material:   &domain.MaterialFind{ID: id, Name: name},
		}
	}

	if id := asInt64(raw["item_id"]); id != 0 || truthy(raw["item"]) {
		name := asString(raw["item_name"])
		if name == "" {
			name = asString(raw["item"])
		}
		return domain.ActionOutcome{
			Kind:       domain.OutcomeItem,
			Message:    text,
			ServerWait: wait,
			Gold:       gold,
			Exp:        exp,
			Item:       &domain.ItemFind{ID: id, Name: name},
		}
	}

	if gold != 0 {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeGold,
			Message:    text,
			ServerWait: wait,
			Gold:       gold,
			Exp:        exp,
		}
	}

	if exp != 0 {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeExp,
			Message:    text,
			ServerWait: wait,
			Exp:        exp,
		}
	}

	if asInt64(raw["quest_id"]) != 0 || truthy(raw["quest"]) {
		return domain.ActionOutcome{
			Kind:       domain.OutcomeQuestAvailable,
			Message:    text,
			ServerWait: wait,
		}
	}

	return domain.ActionOutcome{
		Kind:       domain.OutcomeStepped,
		Message:    text,
		ServerWait: wait,
	}
}

// retryAfter prefers the Retry-After header, then a wait_time body field.
func retryAfter(header http.Header, raw map[string]any) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if secs := asInt64(raw["wait_time"]); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func serverWait(raw map[string]any) time.Duration {
	secs := asInt64(raw["wait_time"])
	if secs == 0 {
		secs = asInt64(raw["nextwait"])
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	default:
		return false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// asInt64 tolerates the API's habit of switching between numbers and
// comma-formatted strings for the same field.
func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
