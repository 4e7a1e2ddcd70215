package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	// Challenge images arrive as PNG or JPEG depending on the server.
	_ "image/png"

	"github.com/mmoauto/simplemmo-bot/internal/config"
)

const defaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// cloudflareSolver uses Cloudflare Workers AI vision models. The API
// accepts a single image, so the four challenge images are composed
// into one 2x2 grid before the call.
type cloudflareSolver struct {
	apiKey    string
	accountID string
	baseURL   string
	model     string
	httpc     *http.Client
	quota     quotaGate
}

func newCloudflareSolver(cfg config.CaptchaConfig) (*cloudflareSolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cloudflare provider requires an API key")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("cloudflare provider requires an account ID")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultCloudflareBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "@cf/llava-hf/llava-1.5-7b-hf"
	}

	return &cloudflareSolver{
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
		baseURL:   baseURL,
		model:     model,
		httpc:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *cloudflareSolver) Name() string { return "cloudflare" }

type cloudflareRequest struct {
	Image     []int  `json:"image"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Response    string `json:"response"`
		Description string `json:"description"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *cloudflareSolver) Solve(ctx context.Context, prompt string, images [][]byte) (int, error) {
	if s.quota.exhausted() {
		return 0, fmt.Errorf("cloudflare quota exhausted, cooling down")
	}

	grid, err := composeGrid(images)
	if err != nil {
		return 0, fmt.Errorf("composing image grid: %w", err)
	}

	req := cloudflareRequest{
		Image:     bytesToInts(grid),
		Prompt:    fmt.Sprintf(gridPrompt, prompt),
		MaxTokens: 20,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encoding cloudflare request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", s.baseURL, s.accountID, s.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building cloudflare request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("cloudflare request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("reading cloudflare response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		s.quota.trip(quotaCooldown)
		return 0, fmt.Errorf("cloudflare quota exhausted (status 429)")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cloudflare request: unexpected status %d", resp.StatusCode)
	}

	var out cloudflareResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decoding cloudflare response: %w", err)
	}
	if !out.Success {
		if len(out.Errors) > 0 {
			return 0, fmt.Errorf("cloudflare request failed: %s", out.Errors[0].Message)
		}
		return 0, fmt.Errorf("cloudflare request failed")
	}

	answer := out.Result.Response
	if answer == "" {
		answer = out.Result.Description
	}
	return parseAnswer(answer)
}

// gridPrompt maps grid positions back to image numbers: top-left is 1,
// top-right is 2, bottom-left is 3, bottom-right is 4.
const gridPrompt = "The image is a 2x2 grid of four pictures. " +
	"Which picture shows: %s? " +
	"Top-left is 1, top-right is 2, bottom-left is 3, bottom-right is 4. " +
	"Answer with only that single digit."

// composeGrid decodes the four challenge images and tiles them into a
// single 2x2 JPEG.
func composeGrid(images [][]byte) ([]byte, error) {
	if len(images) != 4 {
		return nil, fmt.Errorf("expected 4 images, got %d", len(images))
	}

	decoded := make([]image.Image, 4)
	cellW, cellH := 0, 0
	for i, raw := range images {
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding image %d: %w", i+1, err)
		}
		decoded[i] = img
		b := img.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}

	grid := image.NewRGBA(image.Rect(0, 0, cellW*2, cellH*2))
	for i, img := range decoded {
		x := (i % 2) * cellW
		y := (i / 2) * cellH
		r := image.Rect(x, y, x+cellW, y+cellH)
		draw.Draw(grid, r, img, img.Bounds().Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, grid, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encoding grid: %w", err)
	}
	return buf.Bytes(), nil
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
