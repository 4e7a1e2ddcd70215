package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmoauto/simplemmo-bot/internal/config"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiSolver calls the Gemini generateContent REST endpoint directly.
type geminiSolver struct {
	apiKey  string
	baseURL string
	model   string
	httpc   *http.Client
	quota   quotaGate
}

func newGeminiSolver(cfg config.CaptchaConfig) (*geminiSolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	return &geminiSolver{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *geminiSolver) Name() string { return "gemini" }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (s *geminiSolver) Solve(ctx context.Context, prompt string, images [][]byte) (int, error) {
	if s.quota.exhausted() {
		return 0, fmt.Errorf("gemini quota exhausted, cooling down")
	}

	parts := []geminiPart{{Text: fmt.Sprintf(solvePrompt, prompt)}}
	for i, img := range images {
		parts = append(parts,
			geminiPart{Text: fmt.Sprintf("\n\nImage %d:", i+1)},
			geminiPart{InlineData: &geminiInlineData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(img),
			}},
		)
	}

	var req geminiRequest
	req.Contents = make([]struct {
		Parts []geminiPart `json:"parts"`
	}, 1)
	req.Contents[0].Parts = parts
	req.GenerationConfig.MaxOutputTokens = 10

	payload, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encoding gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.baseURL, s.model, s.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("reading gemini response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		s.quota.trip(quotaCooldown)
		return 0, fmt.Errorf("gemini quota exhausted (status 429)")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gemini request: unexpected status %d", resp.StatusCode)
	}

	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return 0, fmt.Errorf("gemini response: no candidates")
	}
	return parseAnswer(out.Candidates[0].Content.Parts[0].Text)
}
