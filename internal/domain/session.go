package domain

import (
	"time"
)

// Phase is the state-machine phase of a running account loop.
type Phase string

const (
	PhaseLoggingIn Phase = "logging_in"
	PhaseTraveling Phase = "traveling"
	PhaseOnBreak   Phase = "on_break"
	PhaseStopped   Phase = "stopped"
	PhaseErrored   Phase = "errored"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseErrored
}

// Stats accumulates per-run counters. Each running loop owns exactly one
// Stats value; nothing else writes to it.
type Stats struct {
	StepsTaken        int   `json:"steps_taken"`
	NPCsFought        int   `json:"npcs_fought"`
	NPCsWon           int   `json:"npcs_won"`
	NPCsLost          int   `json:"npcs_lost"`
	MaterialsGathered int   `json:"materials_gathered"`
	ItemsFound        int   `json:"items_found"`
	GoldEarned        int64 `json:"gold_earned"`
	ExpEarned         int64 `json:"exp_earned"`
	QuestsCompleted   int   `json:"quests_completed"`
	CaptchasSolved    int   `json:"captchas_solved"`
	CaptchasFailed    int   `json:"captchas_failed"`
	Errors            int   `json:"errors"`
}

// SessionState is the mutable run-time record for one active account loop.
// It lives only while the loop runs and is discarded on stop.
type SessionState struct {
	AccountID       int64     `json:"account_id"`
	RunID           int64     `json:"run_id"`
	Phase           Phase     `json:"phase"`
	StepsSinceBreak int       `json:"steps_since_break"`
	Stats           Stats     `json:"stats"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

// Run is the persisted record of one bot session, including its final
// statistics. Status is one of running, completed, stopped, error.
type Run struct {
	ID        int64      `json:"id"`
	AccountID int64      `json:"account_id"`
	Status    string     `json:"status"`
	Stats     Stats      `json:"stats"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
