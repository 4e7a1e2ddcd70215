package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mmoauto/simplemmo-bot/internal/config"
)

// openaiSolver solves challenges through any OpenAI-compatible
// chat-completions API with vision support.
type openaiSolver struct {
	client openai.Client
	model  string
	quota  quotaGate
}

func newOpenAISolver(cfg config.CaptchaConfig) (*openaiSolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an API key")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &openaiSolver{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (s *openaiSolver) Name() string { return "openai" }

func (s *openaiSolver) Solve(ctx context.Context, prompt string, images [][]byte) (int, error) {
	if s.quota.exhausted() {
		return 0, fmt.Errorf("openai quota exhausted, cooling down")
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(fmt.Sprintf(solvePrompt, prompt)),
	}
	for i, img := range images {
		parts = append(parts,
			openai.TextContentPart(fmt.Sprintf("\n\nImage %d:", i+1)),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
			}),
		)
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(s.model),
		MaxTokens: openai.Int(10),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
	})
	if err != nil {
		if isQuotaError(err) {
			s.quota.trip(quotaCooldown)
		}
		return 0, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("openai completion: empty choices")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		// Usually means the model has no vision support in this format.
		return 0, fmt.Errorf("openai completion: empty content from model %s", s.model)
	}
	return parseAnswer(content)
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "exhausted")
}
