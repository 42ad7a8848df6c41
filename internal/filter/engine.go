package filter

import (
	"time"

	"github.com/capigate/capigate/internal/models"
)

// AlertOutcome is the engine's verdict on one input alert, in input order.
type AlertOutcome struct {
	Alert          *models.Alert
	Suppressed     bool
	MatchedFilters []string
}

// EvaluationResult summarizes one batch run.
type EvaluationResult struct {
	Total      int
	Suppressed int
	Passed     int
	Outcomes   []AlertOutcome
	// Survivors holds the indexes of passing alerts in input order, so a
	// caller holding the raw request bytes can re-emit them untouched.
	Survivors []int
}

// Engine evaluates a fixed, ordered filter chain.
type Engine struct {
	filters []Filter
}

func NewEngine(filters []Filter) *Engine {
	return &Engine{filters: filters}
}

// EnabledCount returns how many filters in the chain are enabled.
func (e *Engine) EnabledCount() int {
	n := 0
	for _, f := range e.filters {
		if f.Enabled() {
			n++
		}
	}
	return n
}

// Evaluate runs every enabled filter over every alert. An alert is
// suppressed when any filter matches; all filters still run so a
// multi-cause suppression is fully attributed.
func (e *Engine) Evaluate(alerts []*models.Alert, machineID string) EvaluationResult {
	now := time.Now()
	result := EvaluationResult{
		Total:    len(alerts),
		Outcomes: make([]AlertOutcome, 0, len(alerts)),
	}

	for i, alert := range alerts {
		ctx := &MatchContext{Alert: alert, MachineID: machineID, Now: now}
		outcome := AlertOutcome{Alert: alert}

		for _, f := range e.filters {
			if !f.Enabled() {
				continue
			}
			if res := f.Matches(ctx); res.Matched {
				outcome.Suppressed = true
				outcome.MatchedFilters = append(outcome.MatchedFilters, res.FilterName)
			}
		}

		if outcome.Suppressed {
			result.Suppressed++
		} else {
			result.Passed++
			result.Survivors = append(result.Survivors, i)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result
}
