package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mmoauto/simplemmo-bot/internal/domain"
	"github.com/mmoauto/simplemmo-bot/internal/scheduler"
	"github.com/mmoauto/simplemmo-bot/internal/store"
)

// AccountHandler handles account CRUD and session control endpoints.
type AccountHandler struct {
	*Handler
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(base *Handler) *AccountHandler {
	return &AccountHandler{Handler: base}
}

// RegisterRoutes registers account and session routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)

			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Put("/", h.UpdateAccount)
				r.Delete("/", h.DeleteAccount)

				r.Post("/start", h.StartSession)
				r.Post("/stop", h.StopSession)
				r.Get("/status", h.SessionStatus)

				r.Get("/runs", h.ListRuns)
				r.Get("/settings", h.GetSettings)
				r.Put("/settings", h.PutSettings)
			})
		})

		r.Get("/runs/{runID}/logs", h.RunLogs)
	})
}

// accountRequest is the create/update payload.
type accountRequest struct {
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Active   *bool           `json:"active,omitempty"`
	Features domain.Features `json:"features"`
}

// ListAccounts returns all managed accounts.
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.repo.ListAccounts(r.Context())
	if err != nil {
		slog.Error("Failed to list accounts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	JSON(w, http.StatusOK, accounts)
}

// CreateAccount registers a new account.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if req.Name == "" {
		req.Name = req.Email
	}

	account := &domain.Account{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Active:   true,
		Features: req.Features,
	}
	id, err := h.repo.CreateAccount(r.Context(), account)
	if err != nil {
		slog.Error("Failed to create account", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	account.ID = id

	slog.Info("Account created", "account_id", id, "name", account.Name)
	JSON(w, http.StatusCreated, account)
}

// GetAccount returns one account.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, account)
}

// UpdateAccount updates account credentials and feature flags.
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		account.Name = req.Name
	}
	if req.Email != "" {
		account.Email = req.Email
	}
	if req.Password != "" {
		account.Password = req.Password
	}
	if req.Active != nil {
		account.Active = *req.Active
	}
	account.Features = req.Features

	if err := h.repo.UpdateAccount(r.Context(), account); err != nil {
		slog.Error("Failed to update account", "error", err, "account_id", account.ID)
		Error(w, http.StatusInternalServerError, "failed to update account")
		return
	}
	JSON(w, http.StatusOK, account)
}

// DeleteAccount stops any running session and removes the account.
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}

	if err := h.sched.Stop(r.Context(), account.ID); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		slog.Error("Failed to stop session before delete", "error", err, "account_id", account.ID)
		Error(w, http.StatusInternalServerError, "failed to stop running session")
		return
	}

	if err := h.repo.DeleteAccount(r.Context(), account.ID); err != nil {
		slog.Error("Failed to delete account", "error", err, "account_id", account.ID)
		Error(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	slog.Info("Account deleted", "account_id", account.ID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartSession launches the automation loop for an account.
func (h *AccountHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	err := h.sched.Start(r.Context(), id)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "started"})
	case errors.Is(err, scheduler.ErrAccountNotFound):
		Error(w, http.StatusNotFound, "account not found")
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		Error(w, http.StatusConflict, "session already running")
	case errors.Is(err, scheduler.ErrTooManySessions):
		Error(w, http.StatusConflict, "too many concurrent sessions")
	default:
		slog.Error("Failed to start session", "error", err, "account_id", id)
		Error(w, http.StatusInternalServerError, "failed to start session")
	}
}

// StopSession cancels the automation loop for an account.
func (h *AccountHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	err := h.sched.Stop(r.Context(), id)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case errors.Is(err, scheduler.ErrNotRunning):
		Error(w, http.StatusConflict, "session not running")
	default:
		slog.Error("Failed to stop session", "error", err, "account_id", id)
		Error(w, http.StatusInternalServerError, "failed to stop session")
	}
}

// SessionStatus returns the live state of an account's loop.
func (h *AccountHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	state, running := h.sched.State(id)
	if !running {
		JSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"running": true, "state": state})
}

// ListSessions returns the state of every known runner.
func (h *AccountHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.sched.States())
}

// ListRuns returns recent runs for an account.
func (h *AccountHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	runs, err := h.repo.RecentRuns(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		slog.Error("Failed to list runs", "error", err, "account_id", id)
		Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	JSON(w, http.StatusOK, runs)
}

// RunLogs returns recent log entries for a run.
func (h *AccountHandler) RunLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid run id")
		return
	}

	logs, err := h.repo.RecentLogs(r.Context(), runID, queryLimit(r, 100))
	if err != nil {
		slog.Error("Failed to list run logs", "error", err, "run_id", runID)
		Error(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	JSON(w, http.StatusOK, logs)
}

// settingsKeys are the keys exposed through the settings endpoints.
var settingsKeys = []string{
	"step_delay_min", "step_delay_max",
	"break_interval_min", "break_interval_max",
	"break_duration_min", "break_duration_max",
	"steps_per_session",
	"auto_fight", "auto_gather", "auto_equip", "use_healer", "only_quests",
	"captcha_provider", "captcha_api_key", "captcha_api_base", "captcha_model",
	"cloudflare_account_id",
}

// GetSettings returns the stored overrides for an account scope. Keys
// with no override are omitted.
func (h *AccountHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	out := make(map[string]string)
	for _, key := range settingsKeys {
		v, err := h.repo.GetSetting(r.Context(), id, key, "")
		if err != nil {
			slog.Error("Failed to read setting", "error", err, "key", key)
			Error(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		if v != "" {
			out[key] = v
		}
	}
	JSON(w, http.StatusOK, out)
}

// PutSettings writes overrides for an account scope. Unknown keys are
// rejected so typos do not silently vanish.
func (h *AccountHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for key := range req {
		if !validSettingKey(key) {
			Error(w, http.StatusBadRequest, "unknown setting key: "+key)
			return
		}
	}

	for key, value := range req {
		if err := h.repo.PutSetting(r.Context(), id, key, value); err != nil {
			slog.Error("Failed to write setting", "error", err, "key", key)
			Error(w, http.StatusInternalServerError, "failed to write settings")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func validSettingKey(key string) bool {
	for _, k := range settingsKeys {
		if k == key {
			return true
		}
	}
	return false
}

// accountID parses the path parameter; id 0 addresses the global
// settings scope and is only valid for settings routes.
func (h *AccountHandler) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || id < 0 {
		Error(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func (h *AccountHandler) loadAccount(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	id, ok := h.accountID(w, r)
	if !ok {
		return nil, false
	}
	if id == store.GlobalScope {
		Error(w, http.StatusBadRequest, "invalid account id")
		return nil, false
	}

	account, err := h.repo.GetAccount(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load account", "error", err, "account_id", id)
		Error(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	if account == nil {
		Error(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	return account, true
}

func queryLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return fallback
	}
	return n
}
