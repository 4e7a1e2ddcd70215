package game

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/config"
	"github.com/mmoauto/simplemmo-bot/internal/domain"
)

// Client is the authenticated HTTP client for one account's game session.
// It owns the session token exclusively; the token mutates only on
// login/re-login. Callers must not issue concurrent requests on the same
// Client; the engine guarantees one in-flight request per account.
type Client struct {
	cfg      config.GameConfig
	auth     *Authenticator
	email    string
	password string
	creds    *Credentials
	httpc    *http.Client
}

// NewClient creates a game client bound to one account's credentials.
func NewClient(cfg config.GameConfig, auth *Authenticator, email, password string) *Client {
	return &Client{
		cfg:      cfg,
		auth:     auth,
		email:    email,
		password: password,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates and replaces the held session material.
func (c *Client) Login(ctx context.Context) error {
	creds, err := c.auth.Login(ctx, c.email, c.password)
	if err != nil {
		return err
	}
	c.creds = creds
	return nil
}

// APIToken returns the current API token, empty before login.
func (c *Client) APIToken() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.APIToken
}

// Step performs one travel step and classifies the response. On a detected
// session expiry it re-logs-in exactly once and retries the step before
// surfacing the expiry to the caller.
func (c *Client) Step(ctx context.Context) (domain.ActionOutcome, error) {
	outcome, err := c.stepOnce(ctx)
	if err != nil {
		return outcome, err
	}
	if outcome.Kind != domain.OutcomeSessionExpired {
		return outcome, nil
	}

	slog.Info("session expired, re-logging in", "email", c.email)
	if err := c.Login(ctx); err != nil {
		return outcome, fmt.Errorf("re-login after session expiry: %w", err)
	}
	return c.stepOnce(ctx)
}

func (c *Client) stepOnce(ctx context.Context) (domain.ActionOutcome, error) {
	form := url.Values{
		"api_token": {c.APIToken()},
	}
	addCursorCoords(form)

	status, header, body, err := c.postForm(ctx, c.cfg.APIBaseURL+c.cfg.TravelEndpoint, form)
	if err != nil {
		return domain.ActionOutcome{}, fmt.Errorf("travel step: %w", err)
	}
	return Interpret(status, header, body), nil
}

// AttackResult is the parsed outcome of an NPC attack.
type AttackResult struct {
	Won  bool
	Gold int64
	Exp  int64
}

var (
	rewardExpPattern  = regexp.MustCompile(`(?i)>([\d,]+)\s*EXP`)
	rewardGoldPattern = regexp.MustCompile(`(?i)>([\d,]+)\s*Gold`)
)

// AttackNPC attacks the given NPC and parses the battle result, including
// the gold and experience embedded in the rewards HTML fragments.
func (c *Client) AttackNPC(ctx context.Context, npcID int64) (*AttackResult, error) {
	form := url.Values{
		"api_token": {c.APIToken()},
		"npc_id":    {fmt.Sprintf("%d", npcID)},
	}
	addCursorCoords(form)

	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/npc/attack", form)
	if err != nil {
		return nil, fmt.Errorf("attack npc %d: %w", npcID, err)
	}
	if msg := asString(raw["error"]); msg != "" {
		return nil, fmt.Errorf("attack npc %d: %s", npcID, msg)
	}

	result := &AttackResult{
		Won: asString(raw["type"]) == "success" ||
			truthy(raw["win"]) ||
			(raw["opponent_hp"] != nil && asInt64(raw["opponent_hp"]) <= 0),
	}
	if rewards, ok := raw["rewards"].([]any); ok {
		for _, reward := range rewards {
			html := fmt.Sprint(reward)
			if m := rewardExpPattern.FindStringSubmatch(html); m != nil {
				result.Exp = asInt64(m[1])
			}
			if m := rewardGoldPattern.FindStringSubmatch(html); m != nil {
				result.Gold = asInt64(m[1])
			}
		}
	}
	return result, nil
}

// GatherResult is the parsed outcome of gathering a material.
type GatherResult struct {
	Count    int
	Exp      int64
	SkillExp int64
}

// GatherMaterial gathers the given material.
func (c *Client) GatherMaterial(ctx context.Context, materialID int64) (*GatherResult, error) {
	form := url.Values{
		"api_token":   {c.APIToken()},
		"material_id": {fmt.Sprintf("%d", materialID)},
	}
	addCursorCoords(form)

	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/material/gather", form)
	if err != nil {
		return nil, fmt.Errorf("gather material %d: %w", materialID, err)
	}
	if msg := asString(raw["error"]); msg != "" {
		return nil, fmt.Errorf("gather material %d: %s", materialID, msg)
	}
	if !truthy(raw["success"]) {
		return nil, fmt.Errorf("gather material %d: server rejected gather", materialID)
	}

	count := int(asInt64(raw["gather_count"]))
	if count == 0 {
		count = 1
	}
	return &GatherResult{
		Count:    count,
		Exp:      asInt64(raw["total_player_exp"]),
		SkillExp: asInt64(raw["total_skill_exp"]),
	}, nil
}

// PlayerInfo is the subset of character state the engine acts on.
type PlayerInfo struct {
	Level          int
	HP             int64
	MaxHP          int64
	QuestPoints    int
	MaxQuestPoints int
}

// Down reports whether the character needs a respawn/heal.
func (p *PlayerInfo) Down() bool {
	return p.HP <= 0
}

// GetPlayerInfo fetches the current character state.
func (c *Client) GetPlayerInfo(ctx context.Context) (*PlayerInfo, error) {
	form := url.Values{"api_token": {c.APIToken()}}
	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/player/info", form)
	if err != nil {
		return nil, fmt.Errorf("player info: %w", err)
	}
	return &PlayerInfo{
		Level:          int(asInt64(raw["level"])),
		HP:             asInt64(raw["hp"]),
		MaxHP:          asInt64(raw["max_hp"]),
		QuestPoints:    int(asInt64(raw["quest_points"])),
		MaxQuestPoints: int(asInt64(raw["max_quest_points"])),
	}, nil
}

// Quest is one entry from the quest list.
type Quest struct {
	ID            int64
	Title         string
	LevelRequired int
	SuccessChance int
	Completed     bool
}

// GetQuests fetches the quest list and the signed perform endpoint. The
// endpoint is rotated server-side, so callers must use the returned value
// rather than a fixed path.
func (c *Client) GetQuests(ctx context.Context) ([]Quest, string, error) {
	form := url.Values{"api_token": {c.APIToken()}}
	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/quests", form)
	if err != nil {
		return nil, "", fmt.Errorf("get quests: %w", err)
	}

	performEndpoint := asString(raw["perform_endpoint"])
	list, _ := raw["quests"].([]any)
	quests := make([]Quest, 0, len(list))
	for _, entry := range list {
		q, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		quests = append(quests, Quest{
			ID:            asInt64(q["id"]),
			Title:         asString(q["title"]),
			LevelRequired: int(asInt64(q["level_required"])),
			SuccessChance: int(asInt64(q["success_chance"])),
			Completed:     truthy(q["is_completed"]),
		})
	}
	return quests, performEndpoint, nil
}

// QuestResult is the parsed outcome of one quest attempt.
type QuestResult struct {
	Success bool
	Gold    int64
	Exp     int64
}

// PerformQuest attempts the given quest via the signed endpoint.
func (c *Client) PerformQuest(ctx context.Context, questID int64, endpoint string) (*QuestResult, error) {
	form := url.Values{
		"api_token": {c.APIToken()},
		"quest_id":  {fmt.Sprintf("%d", questID)},
	}

	target := endpoint
	if !strings.HasPrefix(target, "http") {
		target = c.cfg.APIBaseURL + target
	}
	raw, err := c.actionJSON(ctx, target, form)
	if err != nil {
		return nil, fmt.Errorf("perform quest %d: %w", questID, err)
	}
	return &QuestResult{
		Success: truthy(raw["success"]),
		Gold:    asInt64(raw["gold"]),
		Exp:     asInt64(raw["experience"]),
	}, nil
}

// EquipBestItems asks the server to equip the strongest available gear.
// Returns the number of items equipped.
func (c *Client) EquipBestItems(ctx context.Context) (int, error) {
	form := url.Values{"api_token": {c.APIToken()}}
	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/inventory/equip-best", form)
	if err != nil {
		return 0, fmt.Errorf("equip best items: %w", err)
	}
	if msg := asString(raw["error"]); msg != "" {
		return 0, fmt.Errorf("equip best items: %s", msg)
	}
	return int(asInt64(raw["equipped"])), nil
}

// UseHealer spends one healer charge to revive/heal the character.
func (c *Client) UseHealer(ctx context.Context) error {
	form := url.Values{"api_token": {c.APIToken()}}
	raw, err := c.actionJSON(ctx, c.cfg.APIBaseURL+"/api/healer/use", form)
	if err != nil {
		return fmt.Errorf("use healer: %w", err)
	}
	if !truthy(raw["success"]) {
		return fmt.Errorf("use healer: %s", asString(raw["error"]))
	}
	return nil
}

// actionJSON performs a follow-up POST and decodes the JSON body. Non-2xx
// statuses surface as typed errors (401/419 as ErrSessionExpired, 429 as
// RateLimitError) so the state machine can apply the right recovery.
func (c *Client) actionJSON(ctx context.Context, target string, form url.Values) (map[string]any, error) {
	status, header, body, err := c.postForm(ctx, target, form)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == 419 {
		return nil, ErrSessionExpired
	}
	if status == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfter(header, nil)}
	}
	if status >= 400 {
		return nil, &HTTPError{StatusCode: status}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func (c *Client) postForm(ctx context.Context, target string, form url.Values) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", c.cfg.WebBaseURL)
	req.Header.Set("Referer", c.cfg.WebBaseURL+"/travel")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// addCursorCoords attaches randomized cursor coordinates matching what the
// web client sends for a human click.
func addCursorCoords(form url.Values) {
	form.Set("d_1", fmt.Sprintf("%d", 750+rand.IntN(50)))
	form.Set("d_2", fmt.Sprintf("%d", 100+rand.IntN(200)))
}
