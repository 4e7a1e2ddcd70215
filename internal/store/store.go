// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
)

// GlobalScope is the account scope used for settings that apply to every
// account unless overridden.
const GlobalScope int64 = 0

// Repository defines the interface for persisting accounts, settings,
// run statistics and logs.
type Repository interface {
	// GetAccount retrieves an account by id. Returns nil, nil when absent.
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)

	// ListAccounts returns all accounts ordered by creation time.
	ListAccounts(ctx context.Context) ([]*domain.Account, error)

	// CreateAccount inserts a new account and returns its id.
	CreateAccount(ctx context.Context, account *domain.Account) (int64, error)

	// UpdateAccount updates name, email, password and feature flags.
	UpdateAccount(ctx context.Context, account *domain.Account) error

	// DeleteAccount removes an account and its settings overrides.
	DeleteAccount(ctx context.Context, id int64) error

	// UpdateAccountLevel records the in-game level reported by the server.
	UpdateAccountLevel(ctx context.Context, id int64, level int) error

	// GetSetting reads a setting for the account scope, falling back to
	// the global scope and then to fallback.
	GetSetting(ctx context.Context, accountID int64, key, fallback string) (string, error)

	// PutSetting writes a setting in the given account scope
	// (GlobalScope for defaults).
	PutSetting(ctx context.Context, accountID int64, key, value string) error

	// CreateRun inserts a running session record and returns its id.
	CreateRun(ctx context.Context, accountID int64) (int64, error)

	// UpdateRunStats upserts the cumulative statistics for a run.
	UpdateRunStats(ctx context.Context, runID int64, stats domain.Stats) error

	// EndRun finalizes a run with the given status.
	EndRun(ctx context.Context, runID int64, status string) error

	// RecentRuns returns the most recent runs for an account.
	RecentRuns(ctx context.Context, accountID int64, limit int) ([]*domain.Run, error)

	// AppendLog appends an event entry for a run.
	AppendLog(ctx context.Context, runID int64, level, message string) error

	// RecentLogs returns the most recent log entries for a run.
	RecentLogs(ctx context.Context, runID int64, limit int) ([]*LogEntry, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// LogEntry is a persisted log line attached to a run.
type LogEntry struct {
	ID        int64  `json:"id"`
	RunID     int64  `json:"run_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
