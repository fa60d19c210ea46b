package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the traffic-light verdict attached to an analysis.
type Status string

const (
	StatusGreen  Status = "Green"
	StatusYellow Status = "Yellow"
	StatusRed    Status = "Red"
)

// Valid reports whether s is one of the rubric values.
func (s Status) Valid() bool {
	switch s {
	case StatusGreen, StatusYellow, StatusRed:
		return true
	}
	return false
}

// ParseStatus normalises case ("green", "RED") into a Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "green":
		return StatusGreen, true
	case "yellow":
		return StatusYellow, true
	case "red":
		return StatusRed, true
	}
	return "", false
}

// Percent is a confidence value in percent. It decodes from a JSON number
// or from a string such as "92%".
type Percent float64

// UnmarshalJSON implements json.Unmarshaler.
func (p *Percent) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*p = Percent(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("percent: %s is neither number nor string", string(data))
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("percent: %q: %w", s, err)
	}
	*p = Percent(f)
	return nil
}

// String formats the value as "92%".
func (p Percent) String() string {
	return strconv.FormatFloat(float64(p), 'f', -1, 64) + "%"
}

// RecommendedAction is one AI-proposed allocation change.
type RecommendedAction struct {
	Title        string           `json:"title"`
	Body         AllocationTarget `json:"body"`
	Rationale    string           `json:"rationale"`
	Confidence   Percent          `json:"confidence"`
	Timeframe    string           `json:"timeframe"`
	ProfitImpact string           `json:"profit_impact"`
	CarbonImpact string           `json:"carbon_impact"`
	Insight      string           `json:"insight"`
}

// AnalysisResult is the outcome of one analysis request. Its figures are
// model estimates and are never reconciled with ProfitabilityReport.
type AnalysisResult struct {
	ID          string              `json:"id"`
	Status      Status              `json:"status"`
	Summary     string              `json:"summary"`
	Actions     []RecommendedAction `json:"actions"`
	Degraded    bool                `json:"degraded"`
	Advisory    bool                `json:"advisory"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// PerformanceMetric is one before/after line in an execution summary.
type PerformanceMetric struct {
	Metric  string `json:"metric"`
	Value   string `json:"value"`
	Comment string `json:"comment"`
}

// ExecutionSummary is the narrative produced after an allocation change.
type ExecutionSummary struct {
	SystemComponentsAffected []string            `json:"system_components_affected"`
	PerformanceMetrics       []PerformanceMetric `json:"performance_metrics"`
	NextRecommendedActions   []string            `json:"next_recommended_actions"`
}
