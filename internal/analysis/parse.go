package analysis

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// FallbackSummary is shown when a model reply cannot be decoded.
const FallbackSummary = "Unable to parse analysis from the AI response. Status is neutral until a new analysis succeeds."

var (
	// ErrNoJSONObject means the reply has no {...} span.
	ErrNoJSONObject = errors.New("analysis: no JSON object in reply")
	// ErrBadStatus means the decoded status is outside the rubric.
	ErrBadStatus = errors.New("analysis: status must be Green, Yellow or Red")
	// ErrEmptySummary means an execution summary decoded to nothing.
	ErrEmptySummary = errors.New("analysis: execution summary is empty")
)

// ExtractJSONObject returns the span from the first '{' to the last '}'.
// Model replies often wrap the payload in prose or code fences; this is
// the only place that heuristic lives.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// FallbackResult is the neutral, degraded analysis used when a reply
// cannot be decoded.
func FallbackResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		Status:   models.StatusYellow,
		Summary:  FallbackSummary,
		Actions:  []models.RecommendedAction{},
		Degraded: true,
		Advisory: true,
	}
}

type analysisPayload struct {
	Status  string                     `json:"status"`
	Summary string                     `json:"summary"`
	Actions []models.RecommendedAction `json:"actions"`
}

// DecodeAnalysis decodes a reply into an analysis or reports why not.
func DecodeAnalysis(text string) (*models.AnalysisResult, error) {
	raw, ok := ExtractJSONObject(text)
	if !ok {
		return nil, &apperr.ParseError{Stage: TemplateAnalysis, Raw: text, Err: ErrNoJSONObject}
	}
	var p analysisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &apperr.ParseError{Stage: TemplateAnalysis, Raw: text, Err: err}
	}
	status, ok := models.ParseStatus(p.Status)
	if !ok {
		return nil, &apperr.ParseError{Stage: TemplateAnalysis, Raw: text, Err: ErrBadStatus}
	}
	if p.Actions == nil {
		p.Actions = []models.RecommendedAction{}
	}
	return &models.AnalysisResult{
		Status:   status,
		Summary:  strings.TrimSpace(p.Summary),
		Actions:  p.Actions,
		Advisory: true,
	}, nil
}

// ParseAnalysis always returns a usable result: an undecodable reply
// becomes FallbackResult, and the error says why.
func ParseAnalysis(text string) (*models.AnalysisResult, error) {
	r, err := DecodeAnalysis(text)
	if err != nil {
		return FallbackResult(), err
	}
	return r, nil
}

// ParseExecutionSummary decodes the post-execution narrative. Unlike
// ParseAnalysis it has no fallback.
func ParseExecutionSummary(text string) (*models.ExecutionSummary, error) {
	raw, ok := ExtractJSONObject(text)
	if !ok {
		return nil, &apperr.ParseError{Stage: TemplateExecutionSummary, Raw: text, Err: ErrNoJSONObject}
	}
	var s models.ExecutionSummary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, &apperr.ParseError{Stage: TemplateExecutionSummary, Raw: text, Err: err}
	}
	if len(s.SystemComponentsAffected) == 0 && len(s.PerformanceMetrics) == 0 && len(s.NextRecommendedActions) == 0 {
		return nil, &apperr.ParseError{Stage: TemplateExecutionSummary, Raw: text, Err: ErrEmptySummary}
	}
	return &s, nil
}

// ValidateAction checks an action against the miner ceiling. It is only
// applied when ceiling enforcement is switched on.
func ValidateAction(action *models.RecommendedAction, ceiling int) error {
	if action == nil {
		return apperr.Required("action")
	}
	b := action.Body
	for name, n := range b.Units() {
		if n < 0 {
			return apperr.Invalid("action.body", "%s is negative (%d)", name, n)
		}
	}
	if ceiling > 0 && b.TotalMiners() > ceiling {
		return apperr.Invalid("action.body", "%d miners exceeds the ceiling of %d", b.TotalMiners(), ceiling)
	}
	return nil
}
