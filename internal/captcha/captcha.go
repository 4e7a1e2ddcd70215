// Package captcha solves the game's image verification challenges using
// AI vision providers.
package captcha

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/config"
)

// challengeTTL is how long a fetched challenge stays submittable. Past
// this window the server rejects the hashes, so stale challenges are
// discarded instead of retried.
const challengeTTL = 2 * time.Minute

// quotaCooldown is how long a provider is benched after signalling that
// its daily quota is exhausted.
const quotaCooldown = time.Hour

// solvePrompt instructs the model to pick one of the four images.
const solvePrompt = `You are solving an image selection captcha.

The task is: %q

You will see 4 images numbered 1, 2, 3, 4.
Identify which ONE image matches the description or is different from the others.

Respond with ONLY a single digit: 1, 2, 3, or 4
No explanation, just the number.`

// Challenge is one fetched verification challenge: the task prompt, the
// four candidate images and their submission hashes. It is solved at most
// once; Expired challenges must be re-fetched.
type Challenge struct {
	Prompt    string
	Images    [][]byte
	Hashes    []string
	Verified  bool // server reported the account as already verified
	FetchedAt time.Time
}

// Expired reports whether the challenge has outlived the server's
// validity window.
func (c *Challenge) Expired() bool {
	return time.Since(c.FetchedAt) > challengeTTL
}

// Solver picks the matching image for a challenge. Answer is 1-based.
// Implementations are selected once per configuration load, not per call.
type Solver interface {
	Name() string
	Solve(ctx context.Context, prompt string, images [][]byte) (int, error)
}

// New selects a solver purely from configuration.
func New(cfg config.CaptchaConfig) (Solver, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAISolver(cfg)
	case "gemini":
		return newGeminiSolver(cfg)
	case "cloudflare":
		return newCloudflareSolver(cfg)
	default:
		return nil, fmt.Errorf("unknown captcha provider %q", cfg.Provider)
	}
}

// parseAnswer extracts the first digit 1-4 from a model reply, tolerating
// chatty responses.
func parseAnswer(reply string) (int, error) {
	for _, r := range reply {
		if r >= '1' && r <= '4' {
			return int(r - '0'), nil
		}
	}
	return 0, fmt.Errorf("no answer digit in model reply %q", clip(reply, 80))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// quotaGate benches a provider after a quota-exhausted signal so the
// engine skips challenges instead of hammering a dead quota.
type quotaGate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *quotaGate) exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.until)
}

func (g *quotaGate) trip(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.until = time.Now().Add(d)
}
