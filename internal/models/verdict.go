package models

import (
	"strings"
	"time"
)

// Severity grades how far a reconstruction error exceeds the threshold.
type Severity string

const (
	SeverityNone   Severity = "None"
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Cause labels attached to verdicts.
const (
	CauseSolar        = "Solar (disconnected/shaded)"
	CauseBattery      = "Battery (overheating)"
	CauseRelayLoad    = "Relay/Load (mismatch)"
	CauseUnknown      = "Unknown anomaly"
	CauseSystemNormal = "System Normal"
)

// Verdict is the diagnostic outcome for one sensor record.
type Verdict struct {
	Timestamp string   `json:"timestamp"`
	IsAnomaly bool     `json:"anomaly"`
	Severity  Severity `json:"severity"`
	Causes    []string `json:"causes"`
	// Score is the reconstruction error.
	Score float64 `json:"mse"`
	// Err is set when the record could not be scored.
	Err string `json:"error,omitempty"`
}

// Devices joins the cause labels the way the report shows them.
func (v Verdict) Devices() string {
	return strings.Join(v.Causes, ", ")
}

// Row flattens the verdict into the report shape.
func (v Verdict) Row() ReportRow {
	row := ReportRow{
		Timestamp: v.Timestamp,
		Anomaly:   v.IsAnomaly,
		Devices:   v.Devices(),
		Error:     v.Err,
	}
	if v.Severity != SeverityNone && v.Severity != "" {
		s := string(v.Severity)
		row.Severity = &s
	}
	return row
}

// ReportRow is the flat verdict record consumed by reports and API clients.
type ReportRow struct {
	Timestamp string  `json:"timestamp"`
	Anomaly   bool    `json:"Anomaly"`
	Severity  *string `json:"Severity"`
	Devices   string  `json:"Devices"`
	Error     string  `json:"error,omitempty"`
}

// StoredVerdict is a verdict persisted under a diagnostic run
type StoredVerdict struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Timestamp string    `json:"timestamp"`
	Anomaly   bool      `json:"anomaly"`
	Severity  string    `json:"severity"`
	Devices   string    `json:"devices"`
	MSE       float64   `json:"mse"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ForecastPoint is one predicted value at a point in time
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Predicted float64   `json:"predicted"`
}

// LoadWindow is a one-hour window around a forecast extreme
type LoadWindow struct {
	Day   string    `json:"day"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
}

// DayForecast is a next-day forecast with its peak and trough windows
type DayForecast struct {
	Points []ForecastPoint `json:"points"`
	Peak   LoadWindow      `json:"peak"`
	Trough LoadWindow      `json:"trough"`
}
