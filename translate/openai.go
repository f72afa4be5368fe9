package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// SystemPrompt is sent with every chat completion request.
// {{sourceLang}} and {{targetLang}} are replaced with language names.
const SystemPrompt = `You are a professional translator specializing in software localization. You are translating one UI string of a game or application from {{sourceLang}} to {{targetLang}}.

RULES:
- Translate for naturalness and fluency in {{targetLang}}, not word-for-word.
- Preserve all format specifiers and placeholders exactly as-is (%s, %d, {0}, \n, etc.).
- Preserve leading/trailing whitespace and punctuation patterns.
- Keep brand names and proper nouns unchanged.
- Never add double quotes that are not in the source.
- Return ONLY the translated string, no explanations, no quotes around it, no markdown.`

// OpenAI translates through any OpenAI-compatible chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI returns an OpenAI provider. Model and APIKey are required;
// BaseURL defaults to the OpenAI API.
func NewOpenAI(cfg ProviderConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai provider: model not set")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider: API key not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are done by the Client so quota and pauses stay in one place.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

// Translate implements Provider.
func (p *OpenAI) Translate(ctx context.Context, text, source, target string) (string, error) {
	prompt := strings.NewReplacer(
		"{{sourceLang}}", LanguageName(source),
		"{{targetLang}}", LanguageName(target),
	).Replace(SystemPrompt)

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(text),
		},
		Model: p.model,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}

// classifyOpenAIError maps HTTP status codes to retry behavior:
// 429 pauses all workers, 4xx (except 408/429) is not retried.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("chat completion: %w", err)
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("chat completion: %w", err)
	case code >= 400 && code < 500:
		return Permanent(fmt.Errorf("chat completion: %w", err))
	default:
		return fmt.Errorf("chat completion: %w", err)
	}
}
