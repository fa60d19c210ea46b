package models

import (
	"encoding/json"
	"time"
)

// AllocationTarget is the unit-count body accepted by PUT machines.
type AllocationTarget struct {
	AirMiners       int `json:"air_miners"`
	HydroMiners     int `json:"hydro_miners"`
	ImmersionMiners int `json:"immersion_miners"`
	ASICCompute     int `json:"asic_compute"`
	GPUCompute      int `json:"gpu_compute"`
}

// TotalMiners sums the mining units.
func (t AllocationTarget) TotalMiners() int {
	return t.AirMiners + t.HydroMiners + t.ImmersionMiners
}

// TotalUnits sums every deployed unit.
func (t AllocationTarget) TotalUnits() int {
	return t.TotalMiners() + t.ASICCompute + t.GPUCompute
}

// Units returns counts keyed by profitability entry name.
func (t AllocationTarget) Units() map[string]int {
	return map[string]int{
		"air_miner":       t.AirMiners,
		"hydro_miner":     t.HydroMiners,
		"immersion_miner": t.ImmersionMiners,
		"asic_compute":    t.ASICCompute,
		"gpu_compute":     t.GPUCompute,
	}
}

// MachineAllocation is the fleet-control view of what is deployed at a site.
// Values echoed back by the control API are authoritative.
type MachineAllocation struct {
	AllocationTarget

	ID             int                `json:"id,omitempty"`
	SiteID         int                `json:"site_id,omitempty"`
	TotalPowerUsed float64            `json:"total_power_used"`
	TotalRevenue   float64            `json:"total_revenue"`
	TotalPowerCost float64            `json:"total_power_cost"`
	Power          map[string]float64 `json:"power,omitempty"`
	Revenue        map[string]float64 `json:"revenue,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts updated_at with or without a zone offset.
func (a *MachineAllocation) UnmarshalJSON(data []byte) error {
	type plain MachineAllocation
	aux := struct {
		*plain
		UpdatedAt looseTime `json:"updated_at"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.UpdatedAt = time.Time(aux.UpdatedAt)
	return nil
}

// Counts returns the unit counts as a target body.
func (a *MachineAllocation) Counts() AllocationTarget {
	return a.AllocationTarget
}

// NetRevenue is revenue minus power cost as reported by the control API.
func (a *MachineAllocation) NetRevenue() float64 {
	return a.TotalRevenue - a.TotalPowerCost
}

// Clone returns a copy that shares no maps with the receiver.
func (a *MachineAllocation) Clone() *MachineAllocation {
	if a == nil {
		return nil
	}
	out := *a
	out.Power = cloneFloats(a.Power)
	out.Revenue = cloneFloats(a.Revenue)
	return &out
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SiteInfo is the site metadata sent to the analysis prompt.
type SiteInfo struct {
	Name  string  `json:"name"`
	Power float64 `json:"power"` // watts available to the site
}

// Site is returned once by the provisioning service.
type Site struct {
	Name   string  `json:"name"`
	APIKey string  `json:"api_key"`
	Power  float64 `json:"power"`
}
