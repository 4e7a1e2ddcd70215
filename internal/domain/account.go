// Package domain contains core domain types for the bot engine.
package domain

import (
	"time"
)

// Account represents a game account managed by the bot.
type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	Level     int       `json:"level"`
	Active    bool      `json:"active"`
	Features  Features  `json:"features"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Features holds per-account automation toggles.
type Features struct {
	AutoFight  bool `json:"auto_fight"`
	AutoGather bool `json:"auto_gather"`
	AutoEquip  bool `json:"auto_equip"`
	UseHealer  bool `json:"use_healer"`
	OnlyQuests bool `json:"only_quests"`
}

// Settings is a read-mostly snapshot of engine configuration for one
// account. Loops re-read it at phase boundaries rather than caching it,
// so store-side edits take effect without a restart.
type Settings struct {
	StepDelayMin time.Duration
	StepDelayMax time.Duration

	// Break scheduling: a break threshold is drawn uniformly from
	// [BreakIntervalMin, BreakIntervalMax] steps, and the break lasts a
	// duration drawn from [BreakDurationMin, BreakDurationMax].
	BreakIntervalMin int
	BreakIntervalMax int
	BreakDurationMin time.Duration
	BreakDurationMax time.Duration

	// StepsPerSession caps steps for a whole run. 0 means unbounded.
	StepsPerSession int

	Features Features
}

// Valid reports whether the bounds are usable: positive minimums and
// Min <= Max for every pair. Merged override snapshots can violate this
// even when each source validated on its own.
func (s Settings) Valid() bool {
	return s.StepDelayMin > 0 &&
		s.StepDelayMax >= s.StepDelayMin &&
		s.BreakIntervalMin > 0 &&
		s.BreakIntervalMax >= s.BreakIntervalMin &&
		s.BreakDurationMin > 0 &&
		s.BreakDurationMax >= s.BreakDurationMin &&
		s.StepsPerSession >= 0
}
