package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	challengePath = "/i-am-not-a-bot"
	imagePath     = "/i-am-not-a-bot/generate_image"
	submitPath    = "/api/bot-verification"
	imageCount    = 4
)

var (
	hashPattern   = regexp.MustCompile(`\$2y\$10\$[A-Za-z0-9./]+`)
	promptPattern = regexp.MustCompile(`(?s)<div[^>]*text-2xl[^>]*>(.*?)</div>`)
	tagPattern    = regexp.MustCompile(`<[^>]+>`)
)

// Fetcher pulls verification challenges from the game's web pages and
// submits answers. It rides on the authenticated session's cookies.
type Fetcher struct {
	webBaseURL string
	cookies    func() []*http.Cookie
	httpc      *http.Client
}

// NewFetcher builds a Fetcher. cookies is read on every request so the
// fetcher follows re-logins without rewiring.
func NewFetcher(webBaseURL string, cookies func() []*http.Cookie) *Fetcher {
	return &Fetcher{
		webBaseURL: strings.TrimRight(webBaseURL, "/"),
		cookies:    cookies,
		httpc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch loads the verification page, scrapes the task prompt and the
// submission hashes, and downloads the four candidate images. When the
// server reports the account as already verified the returned challenge
// has Verified set and nothing else.
func (f *Fetcher) Fetch(ctx context.Context) (*Challenge, error) {
	page, status, err := f.get(ctx, f.webBaseURL+challengePath)
	if err != nil {
		return nil, fmt.Errorf("fetching challenge page: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetching challenge page: unexpected status %d", status)
	}

	lower := strings.ToLower(string(page))
	if strings.Contains(lower, "already verified") || strings.Contains(lower, "are verified") {
		return &Challenge{Verified: true, FetchedAt: time.Now()}, nil
	}

	hashes := hashPattern.FindAllString(string(page), -1)
	if len(hashes) < imageCount {
		return nil, fmt.Errorf("challenge page has %d hashes, want %d", len(hashes), imageCount)
	}
	hashes = hashes[:imageCount]

	prompt := extractPrompt(string(page))
	if prompt == "" {
		return nil, fmt.Errorf("challenge page has no task prompt")
	}

	images := make([][]byte, 0, imageCount)
	for uid := 0; uid < imageCount; uid++ {
		img, err := f.fetchImage(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("fetching challenge image %d: %w", uid, err)
		}
		images = append(images, img)
	}

	return &Challenge{
		Prompt:    prompt,
		Images:    images,
		Hashes:    hashes,
		FetchedAt: time.Now(),
	}, nil
}

// Submit sends the hash of the chosen image. answer is 1-based. Stale
// challenges are rejected locally since the server would refuse them
// anyway.
func (f *Fetcher) Submit(ctx context.Context, ch *Challenge, answer int) error {
	if ch.Expired() {
		return fmt.Errorf("challenge expired, re-fetch required")
	}
	if answer < 1 || answer > len(ch.Hashes) {
		return fmt.Errorf("answer %d out of range 1..%d", answer, len(ch.Hashes))
	}

	payload, err := json.Marshal(map[string]any{
		"data":  ch.Hashes[answer-1],
		"x":     500 + rand.IntN(200),
		"y":     300 + rand.IntN(200),
		"valid": false,
	})
	if err != nil {
		return fmt.Errorf("encoding verification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webBaseURL+submitPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	f.applyCookies(req)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("submitting verification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submitting verification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (f *Fetcher) fetchImage(ctx context.Context, uid int) ([]byte, error) {
	url := fmt.Sprintf("%s%s?uid=%d", f.webBaseURL, imagePath, uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	f.applyCookies(req)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image") {
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty image body")
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	f.applyCookies(req)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) applyCookies(req *http.Request) {
	if f.cookies == nil {
		return
	}
	for _, c := range f.cookies() {
		req.AddCookie(c)
	}
}

// extractPrompt pulls the human-readable task text out of the challenge
// page markup.
func extractPrompt(page string) string {
	m := promptPattern.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	text := tagPattern.ReplaceAllString(m[1], " ")
	return strings.Join(strings.Fields(text), " ")
}
