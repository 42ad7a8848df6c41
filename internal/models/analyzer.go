package models

import "time"

// Analyzer run terminal states.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// Analyzer states between runs.
const (
	AnalyzerStateIdle    = "idle"
	AnalyzerStateRunning = "running"
	AnalyzerStateErrored = "errored"
)

// AnalyzerRun is one completed (or failed) execution of an analyzer.
type AnalyzerRun struct {
	ID              string    `json:"id"`
	AnalyzerID      string    `json:"analyzer_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	LogsFetched     int       `json:"logs_fetched"`
	AlertsGenerated int       `json:"alerts_generated"`
	DecisionsPushed int       `json:"decisions_pushed"`
}

// AnalyzerStatus is the scheduler's view of one analyzer, served to the
// admin API.
type AnalyzerStatus struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Enabled    bool         `json:"enabled"`
	IntervalMs int          `json:"interval_ms"`
	State      string       `json:"state"`
	NextRun    time.Time    `json:"next_run"`
	LastRun    *AnalyzerRun `json:"last_run,omitempty"`
}
