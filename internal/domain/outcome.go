package domain

import "time"

// OutcomeKind identifies the classified result of one travel exchange.
type OutcomeKind string

const (
	OutcomeStepped          OutcomeKind = "stepped"
	OutcomeNPC              OutcomeKind = "npc"
	OutcomeMaterial         OutcomeKind = "material"
	OutcomeItem             OutcomeKind = "item"
	OutcomeGold             OutcomeKind = "gold"
	OutcomeExp              OutcomeKind = "exp"
	OutcomeCaptchaChallenge OutcomeKind = "captcha"
	OutcomeQuestAvailable   OutcomeKind = "quest"
	OutcomeRateLimited      OutcomeKind = "rate_limited"
	OutcomeSessionExpired   OutcomeKind = "session_expired"
	OutcomeServerError      OutcomeKind = "server_error"
	OutcomeUnrecognized     OutcomeKind = "unrecognized"
)

// ActionOutcome is the tagged result of interpreting one raw travel
// response. It is immutable once produced; only the detail fields matching
// Kind are populated.
type ActionOutcome struct {
	Kind    OutcomeKind
	Message string

	// ServerWait is the server-suggested minimum delay before the next
	// step. Zero when the server did not indicate one.
	ServerWait time.Duration

	NPC      *NPCEncounter
	Material *MaterialFind
	Item     *ItemFind
	Gold     int64
	Exp      int64

	// RetryAfter is set for OutcomeRateLimited.
	RetryAfter time.Duration

	// StatusCode is set for OutcomeServerError.
	StatusCode int

	// Raw carries the unparsed body for OutcomeUnrecognized, for logging
	// only. Never branched on downstream.
	Raw string
}

// NPCEncounter describes an attackable NPC surfaced by a step.
type NPCEncounter struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// MaterialFind describes a gatherable material surfaced by a step.
type MaterialFind struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ItemFind describes an item drop surfaced by a step.
type ItemFind struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
