package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seenimoa/fleetpilot/internal/config"
)

// Router sends requests to the primary provider and falls back down the
// chain on provider failure. It satisfies LLMProvider itself.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]LLMProvider
	primary    string
	fallbacks  []string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithFallbacks sets the fallback provider chain.
func WithFallbacks(providers ...string) RouterOption {
	return func(r *Router) { r.fallbacks = providers }
}

// WithMaxRetries sets the number of extra attempts per provider.
func WithMaxRetries(n int) RouterOption {
	return func(r *Router) { r.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) RouterOption {
	return func(r *Router) { r.retryDelay = d }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router with the given primary provider. Retries are
// off unless WithMaxRetries is given.
func NewRouter(primary string, opts ...RouterOption) *Router {
	r := &Router{
		providers:  make(map[string]LLMProvider),
		primary:    primary,
		retryDelay: time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "llm/router")
	return r
}

// RegisterProvider adds a provider to the router.
func (r *Router) RegisterProvider(provider LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// GetProvider returns a registered provider by name.
func (r *Router) GetProvider(name string) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Primary returns the primary provider.
func (r *Router) Primary() (LLMProvider, error) {
	p, ok := r.GetProvider(r.primary)
	if !ok {
		return nil, fmt.Errorf("%w: primary provider %q not registered", ErrNoProviders, r.primary)
	}
	return p, nil
}

// Chat tries the primary provider first, then the fallbacks in order.
func (r *Router) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	chain := r.providerChain()
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, name := range chain {
		provider, ok := r.GetProvider(name)
		if !ok {
			continue
		}

		resp, err := r.chatWithRetry(ctx, provider, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNonRetryable(err) {
			return nil, err
		}
		r.logger.Warn("provider failed, trying next", "provider", name, "error", err)
	}
	if lastErr == nil {
		return nil, ErrNoProviders
	}
	return nil, fmt.Errorf("llm/router: all providers failed, last error: %w", lastErr)
}

// Name returns the name of the primary provider.
func (r *Router) Name() string {
	return "router/" + r.primary
}

// Ping checks the primary provider's health.
func (r *Router) Ping(ctx context.Context) error {
	p, err := r.Primary()
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

// ProviderNames returns the provider chain in the order it is tried.
func (r *Router) ProviderNames() []string {
	var names []string
	for _, n := range r.providerChain() {
		if _, ok := r.GetProvider(n); ok {
			names = append(names, n)
		}
	}
	return names
}

// ── Internal Helpers ──

func (r *Router) providerChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := []string{r.primary}
	for _, fb := range r.fallbacks {
		if fb != r.primary {
			chain = append(chain, fb)
		}
	}
	return chain
}

func (r *Router) chatWithRetry(ctx context.Context, provider LLMProvider, messages []Message, opts *ChatOptions) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := provider.Chat(ctx, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if isNonRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// isNonRetryable reports errors that another attempt or provider cannot fix.
func isNonRetryable(err error) bool {
	return errors.Is(err, ErrContextLength)
}

// NewRouterFromConfig builds a router from the llm config section. Every
// provider with a key is registered; the non-primary one becomes the
// fallback and uses llm.fallback_model.
func NewRouterFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	router := NewRouter(cfg.Primary,
		WithMaxRetries(cfg.MaxRetries),
		WithRetryDelay(time.Second),
		WithLogger(logger),
	)

	var fallbacks []string
	registered := 0
	if cfg.AnthropicKey != "" {
		model := cfg.Model
		if cfg.Primary != ProviderAnthropic {
			model = cfg.FallbackModel
		}
		p, err := NewAnthropicProvider(cfg.AnthropicKey,
			WithAnthropicModel(defaultFor(model, "claude", defaultAnthropicModel)),
			WithAnthropicBaseURL(cfg.AnthropicBaseURL),
		)
		if err == nil {
			router.RegisterProvider(p)
			registered++
			if cfg.Primary != ProviderAnthropic {
				fallbacks = append(fallbacks, ProviderAnthropic)
			}
		}
	}
	if cfg.OpenAIKey != "" {
		model := cfg.Model
		if cfg.Primary != ProviderOpenAI {
			model = cfg.FallbackModel
		}
		p, err := NewOpenAIProvider(cfg.OpenAIKey,
			WithOpenAIModel(defaultFor(model, "gpt", defaultOpenAIModel)),
			WithOpenAIBaseURL(cfg.OpenAIBaseURL),
		)
		if err == nil {
			router.RegisterProvider(p)
			registered++
			if cfg.Primary != ProviderOpenAI {
				fallbacks = append(fallbacks, ProviderOpenAI)
			}
		}
	}

	if registered == 0 {
		return nil, ErrNoProviders
	}
	router.fallbacks = fallbacks
	return router, nil
}

// defaultFor keeps model when it belongs to the provider family, else def.
func defaultFor(model, prefix, def string) string {
	if strings.HasPrefix(model, prefix) {
		return model
	}
	return def
}
