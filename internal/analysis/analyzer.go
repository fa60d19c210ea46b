// Package analysis asks the AI service for allocation recommendations and
// post-execution summaries, and decodes its loosely structured replies.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/internal/llm"
	"github.com/seenimoa/fleetpilot/internal/metrics"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Analyzer issues analysis and execution-summary requests.
type Analyzer struct {
	provider    llm.LLMProvider
	constraints Constraints
	chatOpts    llm.ChatOptions
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithConstraints overrides the guidance relayed in prompts.
func WithConstraints(c Constraints) Option {
	return func(a *Analyzer) { a.constraints = c }
}

// WithChatOptions sets model, temperature and token limits.
func WithChatOptions(o llm.ChatOptions) Option {
	return func(a *Analyzer) { a.chatOpts = o }
}

// WithTimeout bounds each AI call.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.timeout = d }
}

// WithMetrics records AI call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an Analyzer over provider.
func New(provider llm.LLMProvider, opts ...Option) *Analyzer {
	a := &Analyzer{
		provider:    provider,
		constraints: DefaultConstraints(),
		chatOpts:    llm.ChatOptions{Temperature: 0.2, MaxTokens: 4096},
		timeout:     90 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "analysis")
	return a
}

// Constraints returns the guidance relayed in prompts.
func (a *Analyzer) Constraints() Constraints { return a.constraints }

// RequestAnalysis asks the model for a recommendation on gc. A missing
// context or credential is a ValidationError and nothing is sent. A reply
// that cannot be decoded is not an error: the neutral fallback comes back
// marked Degraded.
func (a *Analyzer) RequestAnalysis(ctx context.Context, gc *models.GlobalContext, credential string) (*models.AnalysisResult, error) {
	if gc == nil {
		return nil, apperr.Required("context")
	}
	if credential == "" {
		return nil, apperr.Required("credential")
	}

	text, err := a.complete(ctx, TemplateAnalysis, AnalysisSystemPrompt, BuildAnalysisPrompt(gc, a.constraints))
	if err != nil {
		return nil, err
	}

	result, perr := ParseAnalysis(text)
	if perr != nil {
		a.logger.Warn("analysis reply not decodable, using fallback", "error", perr, "reply_len", len(text))
		a.metrics.AIRequest(TemplateAnalysis, metrics.OutcomeFallback)
		a.metrics.AnalysisFallback()
	} else {
		a.metrics.AIRequest(TemplateAnalysis, metrics.OutcomeOK)
	}
	result.ID = uuid.NewString()
	result.GeneratedAt = a.now().UTC()
	return result, nil
}

// SummarizeExecution asks for the before/after narrative of an applied
// action. prior is the state before the mutation. Any decode failure is
// returned as a ParseError.
func (a *Analyzer) SummarizeExecution(ctx context.Context, prior *models.GlobalContext, action *models.RecommendedAction, applied *models.MachineAllocation) (*models.ExecutionSummary, error) {
	if prior == nil {
		return nil, apperr.Required("context")
	}
	if action == nil {
		return nil, apperr.Required("action")
	}

	text, err := a.complete(ctx, TemplateExecutionSummary, ExecutionSummarySystemPrompt,
		BuildExecutionSummaryPrompt(prior, action, applied))
	if err != nil {
		return nil, err
	}
	summary, err := ParseExecutionSummary(text)
	if err != nil {
		a.logger.Warn("execution summary not decodable", "error", err, "reply_len", len(text))
		a.metrics.AIRequest(TemplateExecutionSummary, metrics.OutcomeError)
		return nil, err
	}
	a.metrics.AIRequest(TemplateExecutionSummary, metrics.OutcomeOK)
	return summary, nil
}

// complete sends one system instruction and one user message and returns
// the concatenated reply text.
func (a *Analyzer) complete(ctx context.Context, template, system, prompt string) (string, error) {
	if a.provider == nil {
		return "", apperr.Upstream(apperr.ServiceAI, llm.ErrNoProviders)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	opts := a.chatOpts
	resp, err := a.provider.Chat(ctx, []llm.Message{
		llm.SystemMessage(system),
		llm.UserMessage(prompt),
	}, &opts)
	a.metrics.ObserveUpstream(apperr.ServiceAI, time.Since(start), err)
	if err != nil {
		a.metrics.AIRequest(template, metrics.OutcomeError)
		a.logger.Error("ai request failed", "template", template, "error", err)
		return "", apperr.Upstream(apperr.ServiceAI, err)
	}

	a.logger.Debug("ai reply", "template", template, "provider", resp.Provider, "model", resp.Model,
		"tokens", resp.Usage.TotalTokens, "latency", resp.Latency)
	return resp.Content, nil
}
