package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Asset categories used in profitability reports.
const (
	CategoryMining    = "mining"
	CategoryInference = "inference"
)

// Known hardware subtypes, in display order.
var (
	MinerSubtypes     = []string{"air", "hydro", "immersion"}
	InferenceSubtypes = []string{"asic", "gpu"}
)

// PriceSample is one market quote. Samples are immutable once received.
type PriceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	EnergyPrice float64   `json:"energy_price"` // per kWh
	HashPrice   float64   `json:"hash_price"`
	TokenPrice  float64   `json:"token_price"`
}

// UnmarshalJSON accepts timestamps with or without a zone offset.
func (p *PriceSample) UnmarshalJSON(data []byte) error {
	type plain PriceSample
	aux := struct {
		*plain
		Timestamp looseTime `json:"timestamp"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Timestamp = time.Time(aux.Timestamp)
	return nil
}

// timestampLayouts are tried in order. Offset-less forms are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads an ISO-8601 timestamp, assuming UTC when the
// offset is missing.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognised format %q", s)
}

// looseTime decodes a JSON string through ParseTimestamp. null and ""
// leave the zero time.
type looseTime time.Time

func (t *looseTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %s is not a string", string(data))
	}
	if s == "" {
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = looseTime(parsed)
	return nil
}

// PriceSeries is a time-ordered list of samples, newest first.
type PriceSeries []PriceSample

// Latest returns the most recent sample.
func (s PriceSeries) Latest() (PriceSample, bool) {
	if len(s) == 0 {
		return PriceSample{}, false
	}
	return s[0], true
}

// PriceTrend is the change between the two newest samples.
type PriceTrend struct {
	EnergyDelta float64       `json:"energy_delta"`
	HashDelta   float64       `json:"hash_delta"`
	TokenDelta  float64       `json:"token_delta"`
	Interval    time.Duration `json:"interval"`
}

// Trend compares the two newest samples. ok is false with fewer than two.
func (s PriceSeries) Trend() (PriceTrend, bool) {
	if len(s) < 2 {
		return PriceTrend{}, false
	}
	cur, prev := s[0], s[1]
	return PriceTrend{
		EnergyDelta: cur.EnergyPrice - prev.EnergyPrice,
		HashDelta:   cur.HashPrice - prev.HashPrice,
		TokenDelta:  cur.TokenPrice - prev.TokenPrice,
		Interval:    cur.Timestamp.Sub(prev.Timestamp),
	}, true
}

// MinerSpec describes one mining hardware subtype.
type MinerSpec struct {
	Hashrate float64 `json:"hashrate"`
	Power    float64 `json:"power"` // watts
}

// ComputeSpec describes one inference hardware subtype.
type ComputeSpec struct {
	Tokens float64 `json:"tokens"`
	Power  float64 `json:"power"` // watts
}

// Inventory is the hardware catalogue reported by the market-data service.
type Inventory struct {
	Miners    map[string]MinerSpec   `json:"miners"`
	Inference map[string]ComputeSpec `json:"inference"`
}

// MinerKeys returns miner subtypes with known ones first, then the rest sorted.
func (inv *Inventory) MinerKeys() []string {
	keys := make([]string, 0, len(inv.Miners))
	for k := range inv.Miners {
		keys = append(keys, k)
	}
	return orderedKeys(keys, MinerSubtypes)
}

// InferenceKeys returns inference subtypes with known ones first, then the rest sorted.
func (inv *Inventory) InferenceKeys() []string {
	keys := make([]string, 0, len(inv.Inference))
	for k := range inv.Inference {
		keys = append(keys, k)
	}
	return orderedKeys(keys, InferenceSubtypes)
}

func orderedKeys(keys, known []string) []string {
	rank := make(map[string]int, len(known))
	for i, k := range known {
		rank[k] = i
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// Clone returns a copy that shares no maps with the receiver.
func (inv *Inventory) Clone() *Inventory {
	if inv == nil {
		return nil
	}
	out := &Inventory{
		Miners:    make(map[string]MinerSpec, len(inv.Miners)),
		Inference: make(map[string]ComputeSpec, len(inv.Inference)),
	}
	for k, v := range inv.Miners {
		out.Miners[k] = v
	}
	for k, v := range inv.Inference {
		out.Inference[k] = v
	}
	return out
}
