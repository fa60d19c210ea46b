package state

import (
	"context"
	"log/slog"

	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/metrics"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Refresh outcomes.
const (
	OutcomeCommitted = metrics.OutcomeCommitted
	OutcomeDiscarded = metrics.OutcomeDiscarded
	OutcomeFailed    = metrics.OutcomeFailed
)

// Observer is told about every commit. Calls happen outside the store lock.
type Observer interface {
	Refreshed(outcome string, snap *Snapshot)
	AllocationCommitted(snap *Snapshot)
	AllocationRejected(target models.AllocationTarget, err error)
	Analyzed(result *models.AnalysisResult)
}

type nopObserver struct{}

func (nopObserver) Refreshed(string, *Snapshot)                       {}
func (nopObserver) AllocationCommitted(*Snapshot)                     {}
func (nopObserver) AllocationRejected(models.AllocationTarget, error) {}
func (nopObserver) Analyzed(*models.AnalysisResult)                   {}

// Recorder feeds commits into Prometheus gauges and the audit stream.
type Recorder struct {
	Metrics *metrics.Metrics
	Events  events.Publisher
	Logger  *slog.Logger
}

// Refreshed implements Observer.
func (r *Recorder) Refreshed(outcome string, snap *Snapshot) {
	r.Metrics.Refresh(outcome)
	if snap != nil {
		r.Metrics.SetProfitability(snap.Profitability)
		r.Metrics.SetAllocation(snap.Allocation)
	}
}

// AllocationCommitted implements Observer.
func (r *Recorder) AllocationCommitted(snap *Snapshot) {
	r.Metrics.SetProfitability(snap.Profitability)
	r.Metrics.SetAllocation(snap.Allocation)
	events.Emit(context.Background(), r.Events, r.Logger, events.TypeAllocationUpdated, map[string]any{
		"generation": snap.Generation,
		"allocation": snap.Allocation,
	})
}

// AllocationRejected implements Observer.
func (r *Recorder) AllocationRejected(target models.AllocationTarget, err error) {
	events.Emit(context.Background(), r.Events, r.Logger, events.TypeAllocationRejected, map[string]any{
		"target": target,
		"error":  err.Error(),
	})
}

// Analyzed implements Observer.
func (r *Recorder) Analyzed(result *models.AnalysisResult) {
	typ := events.TypeAnalysisCompleted
	if result.Degraded {
		typ = events.TypeAnalysisDegraded
	}
	events.Emit(context.Background(), r.Events, r.Logger, typ, map[string]any{
		"id":      result.ID,
		"status":  result.Status,
		"actions": len(result.Actions),
	})
}
