// Package profit derives per-asset hourly profitability from the latest
// market quote and the hardware inventory.
package profit

import "github.com/seenimoa/fleetpilot/pkg/models"

// Compute returns the profitability report for inv priced at series[0].
// It returns nil when either input is missing; that is the normal state
// before the first refresh completes.
//
// Power is reported in watts and energy is priced per kWh, so the hourly
// energy cost of a unit is power*energy/1000. Negative profit is kept.
func Compute(inv *models.Inventory, series models.PriceSeries) *models.ProfitabilityReport {
	latest, ok := series.Latest()
	if !ok || inv == nil {
		return nil
	}

	report := &models.ProfitabilityReport{
		PriceAt: latest.Timestamp,
		Entries: make([]models.ProfitEntry, 0, len(inv.Miners)+len(inv.Inference)),
	}
	for _, sub := range inv.MinerKeys() {
		spec := inv.Miners[sub]
		report.Entries = append(report.Entries, entry(models.CategoryMining, sub,
			spec.Hashrate, latest.HashPrice, spec.Power, latest.EnergyPrice))
	}
	for _, sub := range inv.InferenceKeys() {
		spec := inv.Inference[sub]
		report.Entries = append(report.Entries, entry(models.CategoryInference, sub,
			spec.Tokens, latest.TokenPrice, spec.Power, latest.EnergyPrice))
	}
	return report
}

func entry(category, subtype string, capacity, rate, power, energy float64) models.ProfitEntry {
	e := models.ProfitEntry{
		Category:      category,
		Subtype:       subtype,
		Name:          models.EntryName(category, subtype),
		ProfitPerHour: capacity*rate - power*energy/1000,
	}
	if power != 0 {
		e.Efficiency = capacity / power
	}
	return e
}

// Projection estimates the hourly profit of a target allocation from a
// report. Subtypes without an entry contribute nothing.
func Projection(report *models.ProfitabilityReport, target models.AllocationTarget) float64 {
	if report == nil {
		return 0
	}
	var total float64
	for name, units := range target.Units() {
		if e, ok := report.Lookup(name); ok {
			total += float64(units) * e.ProfitPerHour
		}
	}
	return total
}
