package model

import (
	"encoding/json"
	"time"
)

// YieldEstimate is the value published to consumers after each computation.
type YieldEstimate struct {
	Subject             string    `json:"subject"`
	APYPercent          float64   `json:"apy_percent"`
	IsLoading           bool      `json:"is_loading"`
	Error               string    `json:"error"`
	Policy              string    `json:"policy,omitempty"`
	EventsUsed          int       `json:"events_used"`
	SampleWindowStartMs uint64    `json:"sample_window_start_ms"`
	SampleWindowEndMs   uint64    `json:"sample_window_end_ms"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// MarshalJSON encodes an empty Error as null.
func (e YieldEstimate) MarshalJSON() ([]byte, error) {
	type Alias YieldEstimate
	var errMsg *string
	if e.Error != "" {
		errMsg = &e.Error
	}
	return json.Marshal(struct {
		Alias
		Error *string `json:"error"`
	}{
		Alias: Alias(e),
		Error: errMsg,
	})
}

// BalanceSnapshot is the per-subject state of the calendar-day-delta policy.
type BalanceSnapshot struct {
	ValueUSD    float64 `json:"value_usd"`
	TimestampMs int64   `json:"timestamp_ms"`
	APYPercent  float64 `json:"apy_percent"`
}
