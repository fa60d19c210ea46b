package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements LLMProvider on the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*openai.ClientConfig, *OpenAIProvider)

// WithOpenAIModel sets the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig, _ *OpenAIProvider) {
		if url != "" {
			c.BaseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(c *openai.ClientConfig, _ *OpenAIProvider) { c.HTTPClient = client }
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	p := &OpenAIProvider{model: defaultOpenAIModel}
	for _, opt := range opts {
		opt(&cfg, p)
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Ping lists models, which fails fast on a bad key.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return mapOpenAIError(err)
	}
	return nil
}

// Chat sends a chat completion request and returns the first choice.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}
	if opts != nil {
		if opts.Model != "" {
			req.Model = opts.Model
		}
		req.Temperature = float32(opts.Temperature)
		req.MaxTokens = opts.MaxTokens
		req.Stop = opts.Stop
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", ErrEmptyReply)
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Model:        resp.Model,
		Provider:     ProviderOpenAI,
		Latency:      time.Since(start),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func openAIRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func mapOpenAIFinishReason(r openai.FinishReason) FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonLength:
		return FinishLength
	default:
		return FinishReason(r)
	}
}

// mapOpenAIError translates client errors into the package sentinels so
// the router can decide whether to fall back.
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrNoAPIKey, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrInvalidModel, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrProviderDown, apiErr.Message)
		case strings.Contains(apiErr.Message, "context length"):
			return fmt.Errorf("%w: %s", ErrContextLength, apiErr.Message)
		}
		return fmt.Errorf("openai: API error (%d): %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrProviderDown, err)
		}
		return fmt.Errorf("openai: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderDown, err)
}
