package models

import "time"

// Headline is a market news item added to the analysis context.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Tone        float64   `json:"tone"` // -1 bearish .. +1 bullish, keyword based
}

// GlobalContext is everything the analysis and execution-summary prompts
// embed. It is a read-only view of a state snapshot.
type GlobalContext struct {
	Prices        PriceSeries          `json:"prices"`
	Inventory     *Inventory           `json:"inventory"`
	Profitability *ProfitabilityReport `json:"profitability"`
	Allocation    *MachineAllocation   `json:"allocation"`
	Site          SiteInfo             `json:"site"`
	Headlines     []Headline           `json:"headlines,omitempty"`
}
