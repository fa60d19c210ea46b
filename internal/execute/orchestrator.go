// Package execute applies a recommended action to the fleet and then asks
// the AI service to describe what changed.
package execute

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seenimoa/fleetpilot/internal/analysis"
	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/metrics"
	"github.com/seenimoa/fleetpilot/internal/profit"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Mutator applies an allocation at the fleet-control service.
type Mutator interface {
	UpdateAllocation(ctx context.Context, apiKey string, target models.AllocationTarget) (*models.MachineAllocation, error)
}

// Summarizer produces the post-execution narrative.
type Summarizer interface {
	SummarizeExecution(ctx context.Context, prior *models.GlobalContext, action *models.RecommendedAction, applied *models.MachineAllocation) (*models.ExecutionSummary, error)
}

// Result is the outcome of one execution run. Allocation is set as soon
// as the mutation succeeds; Summary only when step two also succeeds.
type Result struct {
	RunID      string                    `json:"run_id"`
	Action     models.RecommendedAction  `json:"action"`
	Allocation *models.MachineAllocation `json:"allocation"`
	Summary    *models.ExecutionSummary  `json:"summary,omitempty"`
	// Projected is the hourly profit of the action's body at the prices
	// held before the run. Zero when no profitability was available.
	Projected  float64                   `json:"projected_profit_per_hour"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
}

// Applied reports whether the fleet mutation went through.
func (r *Result) Applied() bool { return r != nil && r.Allocation != nil }

// Orchestrator runs the two-step execution.
type Orchestrator struct {
	fleet     Mutator
	summaries Summarizer
	ceiling   int
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMinerCeiling rejects actions with more than n miners before any call.
// n <= 0 disables the check.
func WithMinerCeiling(n int) Option {
	return func(o *Orchestrator) { o.ceiling = n }
}

// WithEvents publishes audit events for each run.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithMetrics counts run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(fleet Mutator, summaries Summarizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fleet:     fleet,
		summaries: summaries,
		events:    events.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "execute")
	return o
}

// ExecuteAction puts action.Body to the fleet and then requests a summary.
//
// When the mutation fails nothing else is attempted and the upstream error
// is returned unchanged with a nil Result. When the mutation succeeds but
// the summary cannot be produced, the Result still carries the applied
// allocation and the error says why the summary is missing. The mutation
// is not rolled back.
func (o *Orchestrator) ExecuteAction(ctx context.Context, action *models.RecommendedAction, prior *models.GlobalContext, credential string) (*Result, error) {
	if err := o.validate(action, prior, credential); err != nil {
		o.metrics.Execution(metrics.OutcomeRejected)
		return nil, err
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Action:    *action,
		Projected: profit.Projection(prior.Profitability, action.Body),
		StartedAt: time.Now().UTC(),
	}
	log := o.logger.With("run_id", res.RunID, "title", action.Title)

	applied, err := o.fleet.UpdateAllocation(ctx, credential, action.Body)
	if err != nil {
		log.Warn("allocation rejected", "error", err)
		o.metrics.Execution(metrics.OutcomeRejected)
		events.Emit(ctx, o.events, o.logger, events.TypeAllocationRejected, map[string]any{
			"run_id": res.RunID,
			"target": action.Body,
			"error":  err.Error(),
		})
		return nil, err
	}
	if applied == nil {
		applied = &models.MachineAllocation{AllocationTarget: action.Body}
	}
	res.Allocation = applied
	log.Info("allocation applied", "miners", applied.TotalMiners(), "units", applied.TotalUnits())
	o.metrics.Execution(metrics.OutcomeApplied)
	events.Emit(ctx, o.events, o.logger, events.TypeExecutionApplied, map[string]any{
		"run_id":     res.RunID,
		"allocation": applied,
	})

	summary, err := o.summaries.SummarizeExecution(ctx, prior, action, applied)
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		log.Error("execution summary failed after allocation was applied", "error", err)
		o.metrics.Execution(metrics.OutcomeSummaryFailed)
		events.Emit(ctx, o.events, o.logger, events.TypeExecutionSummaryError, map[string]any{
			"run_id": res.RunID,
			"error":  err.Error(),
		})
		return res, err
	}
	res.Summary = summary
	o.metrics.Execution(metrics.OutcomeOK)
	events.Emit(ctx, o.events, o.logger, events.TypeExecutionSummarized, map[string]any{
		"run_id":  res.RunID,
		"summary": summary,
	})
	return res, nil
}

func (o *Orchestrator) validate(action *models.RecommendedAction, prior *models.GlobalContext, credential string) error {
	if action == nil {
		return apperr.Required("action")
	}
	if prior == nil {
		return apperr.Required("context")
	}
	if credential == "" {
		return apperr.Required("credential")
	}
	return analysis.ValidateAction(action, o.ceiling)
}
