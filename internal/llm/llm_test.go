package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seenimoa/fleetpilot/internal/config"
)

// ════════════════════════════════════════════════════════════════════
// provider.go: Core types
// ════════════════════════════════════════════════════════════════════

func TestMessageConstructors(t *testing.T) {
	if m := SystemMessage("sys"); m.Role != RoleSystem || m.Content != "sys" {
		t.Errorf("SystemMessage: %+v", m)
	}
	if m := UserMessage("hi"); m.Role != RoleUser {
		t.Errorf("UserMessage: %+v", m)
	}
	if m := AssistantMessage("ok"); m.Role != RoleAssistant {
		t.Errorf("AssistantMessage: %+v", m)
	}
}

func TestSplitSystem(t *testing.T) {
	system, convo := splitSystem([]Message{
		SystemMessage("one"), UserMessage("q"), SystemMessage("two"), AssistantMessage("a"),
	})
	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
	if len(convo) != 2 || convo[0].Role != RoleUser || convo[1].Role != RoleAssistant {
		t.Errorf("convo = %+v", convo)
	}
}

func TestResponseString(t *testing.T) {
	r := &Response{
		Content:  strings.Repeat("x", 150),
		Provider: "anthropic",
		Model:    "claude",
		Usage:    Usage{TotalTokens: 42},
		Latency:  1500 * time.Millisecond,
	}
	s := r.String()
	if !strings.Contains(s, "...") || !strings.Contains(s, "42 tokens") {
		t.Errorf("String() = %s", s)
	}
}

// ════════════════════════════════════════════════════════════════════
// anthropic.go: Anthropic Provider with mock server
// ════════════════════════════════════════════════════════════════════

func TestAnthropicProviderNew(t *testing.T) {
	if _, err := NewAnthropicProvider(""); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
	p, err := NewAnthropicProvider("sk-ant-test",
		WithAnthropicModel("claude-3-5-haiku-20241022"),
		WithAnthropicBaseURL("http://custom/"))
	if err != nil {
		t.Fatal(err)
	}
	if p.model != "claude-3-5-haiku-20241022" || p.baseURL != "http://custom" {
		t.Fatalf("options not applied: %+v", p)
	}
	if p.Name() != ProviderAnthropic {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestAnthropicChatConcatenatesText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Error("missing anthropic-version header")
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.System != "You are a fleet analyst." {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens != 2048 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:   "msg_123",
			Type: "message",
			Role: "assistant",
			Content: []anthropicContentBlock{
				{Type: "text", Text: `Here you go: {"status":`},
				{Type: "text", Text: `"Green"}`},
			},
			Model:      "claude-sonnet-4-20250514",
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 15, OutputTokens: 10},
		})
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(server.URL))
	resp, err := p.Chat(context.Background(),
		[]Message{SystemMessage("You are a fleet analyst."), UserMessage("Analyse the fleet.")},
		&ChatOptions{MaxTokens: 2048, Temperature: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `Here you go: {"status":"Green"}` {
		t.Fatalf("unexpected content: %s", resp.Content)
	}
	if resp.Provider != ProviderAnthropic || resp.Usage.TotalTokens != 25 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FinishReason != FinishStop {
		t.Fatalf("expected stop, got %s", resp.FinishReason)
	}
}

func TestAnthropicErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", 401, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`, ErrNoAPIKey},
		{"rate limit", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, ErrRateLimit},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, ErrProviderDown},
		{"plain 503", 503, `upstream connect error`, ErrProviderDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p, _ := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(server.URL))
			_, err := p.Chat(context.Background(), []Message{UserMessage("hi")}, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAnthropicPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != 1 {
			t.Errorf("ping should request one token, got %d", req.MaxTokens)
		}
		json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContentBlock{{Type: "text", Text: "p"}}})
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(server.URL))
	if err := p.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// ════════════════════════════════════════════════════════════════════
// openai.go: OpenAI Provider with mock server
// ════════════════════════════════════════════════════════════════════

func TestOpenAIProviderNew(t *testing.T) {
	if _, err := NewOpenAIProvider(""); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
	p, err := NewOpenAIProvider("sk-test", WithOpenAIModel("gpt-4o-mini"))
	if err != nil {
		t.Fatal(err)
	}
	if p.model != "gpt-4o-mini" || p.Name() != ProviderOpenAI {
		t.Fatalf("unexpected provider: %+v", p)
	}
}

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"status\":\"Red\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("sk-test", WithOpenAIBaseURL(server.URL))
	resp, err := p.Chat(context.Background(),
		[]Message{SystemMessage("analyst"), UserMessage("status?")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"status":"Red"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 25 || resp.FinishReason != FinishStop || resp.Provider != ProviderOpenAI {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOpenAIUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("sk-bad", WithOpenAIBaseURL(server.URL))
	_, err := p.Chat(context.Background(), []Message{UserMessage("hi")}, nil)
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"gpt-4o","choices":[]}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("sk-test", WithOpenAIBaseURL(server.URL))
	_, err := p.Chat(context.Background(), []Message{UserMessage("hi")}, nil)
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// router.go: Router tests
// ════════════════════════════════════════════════════════════════════

type mockProvider struct {
	name  string
	reply string
	err   error
	calls atomic.Int32
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &Response{Content: m.reply, Provider: m.name}, nil
}

func (m *mockProvider) Ping(ctx context.Context) error { return m.err }

func TestRouterPrimary(t *testing.T) {
	r := NewRouter("main")
	if _, err := r.Primary(); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
	main := &mockProvider{name: "main", reply: "ok"}
	r.RegisterProvider(main)
	resp, err := r.Chat(context.Background(), []Message{UserMessage("hi")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || main.calls.Load() != 1 {
		t.Fatalf("unexpected: %+v calls=%d", resp, main.calls.Load())
	}
	if r.Name() != "router/main" {
		t.Errorf("Name() = %q", r.Name())
	}
}

func TestRouterFallback(t *testing.T) {
	primary := &mockProvider{name: "primary", err: ErrProviderDown}
	backup := &mockProvider{name: "backup", reply: "from backup"}
	r := NewRouter("primary", WithFallbacks("backup"))
	r.RegisterProvider(primary)
	r.RegisterProvider(backup)

	resp, err := r.Chat(context.Background(), []Message{UserMessage("hi")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "backup" {
		t.Fatalf("expected backup, got %s", resp.Provider)
	}
	if got := r.ProviderNames(); len(got) != 2 || got[0] != "primary" {
		t.Errorf("ProviderNames() = %v", got)
	}
}

func TestRouterNoRetryByDefault(t *testing.T) {
	p := &mockProvider{name: "a", err: ErrProviderDown}
	r := NewRouter("a")
	r.RegisterProvider(p)
	if _, err := r.Chat(context.Background(), nil, nil); !errors.Is(err, ErrProviderDown) {
		t.Fatalf("expected ErrProviderDown, got %v", err)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", p.calls.Load())
	}
}

func TestRouterRetries(t *testing.T) {
	p := &mockProvider{name: "a", err: ErrRateLimit}
	r := NewRouter("a", WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	r.RegisterProvider(p)
	r.Chat(context.Background(), nil, nil)
	if p.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls.Load())
	}
}

func TestRouterNonRetryableError(t *testing.T) {
	primary := &mockProvider{name: "a", err: ErrContextLength}
	backup := &mockProvider{name: "b", reply: "never"}
	r := NewRouter("a", WithFallbacks("b"), WithMaxRetries(3))
	r.RegisterProvider(primary)
	r.RegisterProvider(backup)

	if _, err := r.Chat(context.Background(), nil, nil); !errors.Is(err, ErrContextLength) {
		t.Fatalf("expected ErrContextLength, got %v", err)
	}
	if primary.calls.Load() != 1 || backup.calls.Load() != 0 {
		t.Fatalf("calls: primary=%d backup=%d", primary.calls.Load(), backup.calls.Load())
	}
}

func TestRouterNoProviders(t *testing.T) {
	r := NewRouter("missing")
	if _, err := r.Chat(context.Background(), nil, nil); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestNewRouterFromConfig(t *testing.T) {
	if _, err := NewRouterFromConfig(config.LLMConfig{Primary: "anthropic"}, nil); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}

	r, err := NewRouterFromConfig(config.LLMConfig{
		Primary:       "anthropic",
		AnthropicKey:  "sk-ant-test",
		OpenAIKey:     "sk-test",
		Model:         "claude-sonnet-4-20250514",
		FallbackModel: "gpt-4o-mini",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	names := r.ProviderNames()
	if len(names) != 2 || names[0] != ProviderAnthropic || names[1] != ProviderOpenAI {
		t.Fatalf("ProviderNames() = %v", names)
	}
	p, _ := r.GetProvider(ProviderOpenAI)
	if p.(*OpenAIProvider).model != "gpt-4o-mini" {
		t.Errorf("fallback model = %q", p.(*OpenAIProvider).model)
	}
	a, _ := r.GetProvider(ProviderAnthropic)
	if a.(*AnthropicProvider).model != "claude-sonnet-4-20250514" {
		t.Errorf("primary model = %q", a.(*AnthropicProvider).model)
	}
}

func TestDefaultFor(t *testing.T) {
	if got := defaultFor("gpt-4o", "claude", defaultAnthropicModel); got != defaultAnthropicModel {
		t.Errorf("got %q", got)
	}
	if got := defaultFor("claude-3-5-haiku-20241022", "claude", defaultAnthropicModel); got != "claude-3-5-haiku-20241022" {
		t.Errorf("got %q", got)
	}
}
