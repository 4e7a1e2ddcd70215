package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		password TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		auto_fight INTEGER NOT NULL DEFAULT 1,
		auto_gather INTEGER NOT NULL DEFAULT 1,
		auto_equip INTEGER NOT NULL DEFAULT 0,
		use_healer INTEGER NOT NULL DEFAULT 0,
		only_quests INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		account_id INTEGER NOT NULL DEFAULT 0,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, key)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		steps_taken INTEGER NOT NULL DEFAULT 0,
		npcs_fought INTEGER NOT NULL DEFAULT 0,
		npcs_won INTEGER NOT NULL DEFAULT 0,
		npcs_lost INTEGER NOT NULL DEFAULT 0,
		materials_gathered INTEGER NOT NULL DEFAULT 0,
		items_found INTEGER NOT NULL DEFAULT 0,
		gold_earned INTEGER NOT NULL DEFAULT 0,
		exp_earned INTEGER NOT NULL DEFAULT 0,
		quests_completed INTEGER NOT NULL DEFAULT 0,
		captchas_solved INTEGER NOT NULL DEFAULT 0,
		captchas_failed INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		FOREIGN KEY (account_id) REFERENCES accounts(id)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_account ON runs(account_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON logs(run_id, timestamp DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const accountColumns = `id, name, email, password, level, active,
	auto_fight, auto_gather, auto_equip, use_healer, only_quests,
	created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var a domain.Account
	var active, autoFight, autoGather, autoEquip, useHealer, onlyQuests int
	var createdAt, updatedAt int64

	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &a.Password, &a.Level, &active,
		&autoFight, &autoGather, &autoEquip, &useHealer, &onlyQuests,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Active = active != 0
	a.Features = domain.Features{
		AutoFight:  autoFight != 0,
		AutoGather: autoGather != 0,
		AutoEquip:  autoEquip != 0,
		UseHealer:  useHealer != 0,
		OnlyQuests: onlyQuests != 0,
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

// GetAccount retrieves an account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	account, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}
	return account, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close accounts rows", "error", closeErr)
		}
	}()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// CreateAccount inserts a new account and returns its id.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *domain.Account) (int64, error) {
	now := time.Now().Unix()
	query := `
	INSERT INTO accounts (name, email, password, level, active,
		auto_fight, auto_gather, auto_equip, use_healer, only_quests,
		created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	f := account.Features
	res, err := s.db.ExecContext(ctx, query,
		account.Name, account.Email, account.Password, account.Level, boolInt(account.Active),
		boolInt(f.AutoFight), boolInt(f.AutoGather), boolInt(f.AutoEquip),
		boolInt(f.UseHealer), boolInt(f.OnlyQuests),
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("account last insert id: %w", err)
	}
	return id, nil
}

// UpdateAccount updates name, email, password and feature flags.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, account *domain.Account) error {
	query := `
	UPDATE accounts SET name = ?, email = ?, password = ?, active = ?,
		auto_fight = ?, auto_gather = ?, auto_equip = ?, use_healer = ?,
		only_quests = ?, updated_at = ?
	WHERE id = ?`

	f := account.Features
	result, err := s.db.ExecContext(ctx, query,
		account.Name, account.Email, account.Password, boolInt(account.Active),
		boolInt(f.AutoFight), boolInt(f.AutoGather), boolInt(f.AutoEquip),
		boolInt(f.UseHealer), boolInt(f.OnlyQuests),
		time.Now().Unix(), account.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account %d not found", account.ID)
	}
	return nil
}

// DeleteAccount removes an account and its settings overrides.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete account settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// UpdateAccountLevel records the in-game level reported by the server.
func (s *SQLiteStore) UpdateAccountLevel(ctx context.Context, id int64, level int) error {
	query := `UPDATE accounts SET level = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, level, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update account level: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateAccountLevel affected 0 rows", "account_id", id)
	}
	return nil
}

// GetSetting reads a setting for the account scope, falling back to the
// global scope and then to fallback.
func (s *SQLiteStore) GetSetting(ctx context.Context, accountID int64, key, fallback string) (string, error) {
	query := `
	SELECT value FROM settings
	WHERE key = ? AND account_id IN (?, ?)
	ORDER BY account_id DESC LIMIT 1`

	var value string
	err := s.db.QueryRowContext(ctx, query, key, accountID, GlobalScope).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// PutSetting writes a setting in the given account scope.
func (s *SQLiteStore) PutSetting(ctx context.Context, accountID int64, key, value string) error {
	query := `
	INSERT INTO settings (account_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, accountID, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// CreateRun inserts a running session record and returns its id.
func (s *SQLiteStore) CreateRun(ctx context.Context, accountID int64) (int64, error) {
	query := `INSERT INTO runs (account_id, status, started_at) VALUES (?, 'running', ?)`
	res, err := s.db.ExecContext(ctx, query, accountID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run last insert id: %w", err)
	}
	return id, nil
}

// UpdateRunStats upserts the cumulative statistics for a run.
func (s *SQLiteStore) UpdateRunStats(ctx context.Context, runID int64, stats domain.Stats) error {
	query := `
	UPDATE runs SET steps_taken = ?, npcs_fought = ?, npcs_won = ?, npcs_lost = ?,
		materials_gathered = ?, items_found = ?, gold_earned = ?, exp_earned = ?,
		quests_completed = ?, captchas_solved = ?, captchas_failed = ?, errors = ?
	WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		stats.StepsTaken, stats.NPCsFought, stats.NPCsWon, stats.NPCsLost,
		stats.MaterialsGathered, stats.ItemsFound, stats.GoldEarned, stats.ExpEarned,
		stats.QuestsCompleted, stats.CaptchasSolved, stats.CaptchasFailed, stats.Errors,
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run stats: %w", err)
	}
	return nil
}

// EndRun finalizes a run with the given status.
func (s *SQLiteStore) EndRun(ctx context.Context, runID int64, status string) error {
	query := `UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, status, time.Now().Unix(), runID); err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs for an account.
func (s *SQLiteStore) RecentRuns(ctx context.Context, accountID int64, limit int) ([]*domain.Run, error) {
	query := `
	SELECT id, account_id, status, steps_taken, npcs_fought, npcs_won, npcs_lost,
		materials_gathered, items_found, gold_earned, exp_earned,
		quests_completed, captchas_solved, captchas_failed, errors,
		started_at, ended_at
	FROM runs WHERE account_id = ? ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close runs rows", "error", closeErr)
		}
	}()

	var runs []*domain.Run
	for rows.Next() {
		var r domain.Run
		var startedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(
			&r.ID, &r.AccountID, &r.Status,
			&r.Stats.StepsTaken, &r.Stats.NPCsFought, &r.Stats.NPCsWon, &r.Stats.NPCsLost,
			&r.Stats.MaterialsGathered, &r.Stats.ItemsFound, &r.Stats.GoldEarned, &r.Stats.ExpEarned,
			&r.Stats.QuestsCompleted, &r.Stats.CaptchasSolved, &r.Stats.CaptchasFailed, &r.Stats.Errors,
			&startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		r.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			r.EndedAt = &t
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// AppendLog appends an event entry for a run.
func (s *SQLiteStore) AppendLog(ctx context.Context, runID int64, level, message string) error {
	query := `INSERT INTO logs (run_id, level, message, timestamp) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, runID, level, message, time.Now().Unix()); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// RecentLogs returns the most recent log entries for a run.
func (s *SQLiteStore) RecentLogs(ctx context.Context, runID int64, limit int) ([]*LogEntry, error) {
	query := `
	SELECT id, run_id, level, message, timestamp
	FROM logs WHERE run_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close logs rows", "error", closeErr)
		}
	}()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return entries, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
