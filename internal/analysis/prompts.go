package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Template names, used as metric labels.
const (
	TemplateAnalysis         = "analysis"
	TemplateExecutionSummary = "execution_summary"
)

// Constraints are relayed to the model as guidance. Nothing here is
// enforced on the reply.
type Constraints struct {
	MaxMiners     int
	MinConfidence int
	MaxConfidence int
	MinHours      int
	MaxHours      int
}

// DefaultConstraints returns the ranges the prompts ask for.
func DefaultConstraints() Constraints {
	return Constraints{MaxMiners: 50, MinConfidence: 85, MaxConfidence: 98, MinHours: 1, MaxHours: 8}
}

// AnalysisSystemPrompt frames the analysis call.
const AnalysisSystemPrompt = `You are an operations analyst for a site that runs bitcoin miners and AI inference hardware on a shared power budget.
You receive live energy, hash and token prices, the hardware inventory, per-unit profitability and the current allocation.
You reply with exactly one JSON object and nothing else. Every number you give is an estimate.`

// ExecutionSummarySystemPrompt frames the post-execution narrative call.
const ExecutionSummarySystemPrompt = `You are an operations analyst reporting on an allocation change that has already been applied to a mining and inference fleet.
You reply with exactly one JSON object and nothing else.`

const analysisTemplate = `{
  "status": "Green | Yellow | Red",
  "summary": "two or three sentences on the current position",
  "actions": [
    {
      "title": "short imperative title",
      "body": {
        "air_miners": 0,
        "hydro_miners": 0,
        "immersion_miners": 0,
        "asic_compute": 0,
        "gpu_compute": 0
      },
      "rationale": "why this allocation",
      "confidence": 90,
      "timeframe": "2 hours",
      "profit_impact": "+$120/hour",
      "carbon_impact": "-15 kg CO2/hour",
      "insight": "one non-obvious observation"
    }
  ]
}`

const executionSummaryTemplate = `{
  "system_components_affected": ["component and what changed"],
  "performance_metrics": [
    {"metric": "Hourly revenue", "value": "$1,240 -> $1,410", "comment": "short comment"}
  ],
  "next_recommended_actions": ["follow-up"]
}`

// contextView is the serialised form of a GlobalContext in prompts.
type contextView struct {
	Site          models.SiteInfo           `json:"site"`
	LatestPrice   *models.PriceSample       `json:"latest_price,omitempty"`
	PriceTrend    *models.PriceTrend        `json:"price_trend,omitempty"`
	RecentPrices  []models.PriceSample      `json:"recent_prices,omitempty"`
	Inventory     *models.Inventory         `json:"inventory,omitempty"`
	Profitability []models.ProfitEntry      `json:"profitability_per_unit_hour,omitempty"`
	Allocation    *models.MachineAllocation `json:"current_allocation,omitempty"`
	Headlines     []models.Headline         `json:"market_headlines,omitempty"`
}

// recentPrices bounds how much price history goes into a prompt.
const recentPrices = 6

func renderContext(gc *models.GlobalContext) string {
	v := contextView{
		Site:       gc.Site,
		Inventory:  gc.Inventory,
		Allocation: gc.Allocation,
		Headlines:  gc.Headlines,
	}
	if p, ok := gc.Prices.Latest(); ok {
		v.LatestPrice = &p
	}
	if tr, ok := gc.Prices.Trend(); ok {
		v.PriceTrend = &tr
	}
	if n := len(gc.Prices); n > 1 {
		v.RecentPrices = gc.Prices[:min(n, recentPrices)]
	}
	if gc.Profitability != nil {
		v.Profitability = gc.Profitability.Entries
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// BuildAnalysisPrompt renders the analysis instruction for gc.
func BuildAnalysisPrompt(gc *models.GlobalContext, c Constraints) string {
	var b strings.Builder

	b.WriteString("## Current site state\n")
	b.WriteString(renderContext(gc))
	b.WriteString("\n\n## Status rubric\n")
	b.WriteString("- Green: prices and inventory are favourable; the fleet is solidly profitable.\n")
	b.WriteString("- Yellow: mixed signals; some assets profitable, others marginal or trending down.\n")
	b.WriteString("- Red: unfavourable pricing; the current allocation is losing money.\n")

	b.WriteString("\n## Task\n")
	b.WriteString("Assess the site and recommend at least one allocation change. For each action give:\n")
	b.WriteString("- body: the full target allocation (absolute unit counts, not deltas)\n")
	fmt.Fprintf(&b, "- confidence: a percentage between %d and %d\n", c.MinConfidence, c.MaxConfidence)
	fmt.Fprintf(&b, "- timeframe: time until the effect shows, between %d and %d hours\n", c.MinHours, c.MaxHours)
	b.WriteString("- profit_impact and carbon_impact estimates\n")
	b.WriteString("- a rationale and a short insight\n")
	fmt.Fprintf(&b, "\nKeep the total number of miners (air + hydro + immersion) in each action under %d.\n", c.MaxMiners)
	if gc.Site.Power > 0 {
		fmt.Fprintf(&b, "The site has %.0f W available; do not exceed it.\n", gc.Site.Power)
	}

	b.WriteString("\n## Output\nRespond with one JSON object of exactly this shape:\n")
	b.WriteString(analysisTemplate)
	b.WriteString("\n")
	return b.String()
}

// BuildExecutionSummaryPrompt renders the post-execution instruction. prior
// is the state before the change; applied is the control service's echo
// and may be nil.
func BuildExecutionSummaryPrompt(prior *models.GlobalContext, action *models.RecommendedAction, applied *models.MachineAllocation) string {
	var b strings.Builder

	b.WriteString("## State before the change\n")
	b.WriteString(renderContext(prior))

	b.WriteString("\n\n## Action taken\n")
	if data, err := json.MarshalIndent(action, "", "  "); err == nil {
		b.Write(data)
	}
	if applied != nil {
		b.WriteString("\n\n## Allocation confirmed by the control service\n")
		if data, err := json.MarshalIndent(applied, "", "  "); err == nil {
			b.Write(data)
		}
	}

	b.WriteString("\n\n## Task\n")
	b.WriteString("Describe the before and after of this change:\n")
	b.WriteString("- system_components_affected: 2 to 4 entries\n")
	b.WriteString("- performance_metrics: 3 to 4 entries, each with a value and a short comment\n")
	b.WriteString("- next_recommended_actions: exactly 3 follow-ups\n")

	b.WriteString("\n## Output\nRespond with one JSON object of exactly this shape:\n")
	b.WriteString(executionSummaryTemplate)
	b.WriteString("\n")
	return b.String()
}
