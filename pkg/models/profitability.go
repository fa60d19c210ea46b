package models

import "time"

// ProfitEntry is the hourly profit of one hardware subtype.
type ProfitEntry struct {
	Category      string  `json:"category"`
	Subtype       string  `json:"subtype"`
	Name          string  `json:"name"`
	ProfitPerHour float64 `json:"profit_per_hour"`
	Efficiency    float64 `json:"efficiency"`
}

// ProfitabilityReport is derived from the newest PriceSample and an
// Inventory. It is never stored on its own.
type ProfitabilityReport struct {
	PriceAt time.Time     `json:"price_at"`
	Entries []ProfitEntry `json:"entries"`
}

// Lookup finds an entry by name, e.g. "air_miner".
func (r *ProfitabilityReport) Lookup(name string) (ProfitEntry, bool) {
	if r == nil {
		return ProfitEntry{}, false
	}
	for _, e := range r.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return ProfitEntry{}, false
}

// Category returns the entries of one category in report order.
func (r *ProfitabilityReport) Category(category string) []ProfitEntry {
	if r == nil {
		return nil
	}
	var out []ProfitEntry
	for _, e := range r.Entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// EntryName builds the report key for a subtype: miners get "_miner",
// inference hardware "_compute".
func EntryName(category, subtype string) string {
	if category == CategoryMining {
		return subtype + "_miner"
	}
	return subtype + "_compute"
}
