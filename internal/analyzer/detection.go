// Package analyzer turns external log streams into CrowdSec alerts and
// decisions: a scheduler periodically fetches lines from Loki, applies
// threshold detection and pushes the resulting decisions to LAPI servers.
package analyzer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/loki"
	"github.com/capigate/capigate/internal/models"
)

// Detection groups one alert with the decision derived from it.
type Detection struct {
	Alert    *models.Alert
	Decision models.Decision
}

const timeLayout = time.RFC3339

// Detect counts entries by the configured group-by field and emits one
// detection per group at or over the threshold. Entries without the field
// are ignored.
func Detect(cfg config.DetectionConfig, entries []loki.Entry) []Detection {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	scope := cfg.Scope
	if scope == "" {
		scope = models.ScopeIP
	}

	type group struct {
		count    int
		earliest time.Time
		latest   time.Time
	}
	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, entry := range entries {
		v, ok := entry.Fields[cfg.GroupBy]
		if !ok {
			continue
		}
		key := fmt.Sprint(v)
		if key == "" {
			continue
		}
		g, seen := groups[key]
		if !seen {
			g = &group{earliest: entry.Timestamp, latest: entry.Timestamp}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
		if entry.Timestamp.Before(g.earliest) {
			g.earliest = entry.Timestamp
		}
		if entry.Timestamp.After(g.latest) {
			g.latest = entry.Timestamp
		}
	}

	detections := make([]Detection, 0)
	for _, key := range order {
		g := groups[key]
		if g.count < threshold {
			continue
		}
		alert := &models.Alert{
			UUID:        uuid.NewString(),
			Scenario:    cfg.Scenario,
			Message:     fmt.Sprintf("%s: %d events from %s", cfg.Scenario, g.count, key),
			EventsCount: g.count,
			StartAt:     g.earliest.UTC().Format(timeLayout),
			StopAt:      g.latest.UTC().Format(timeLayout),
			CreatedAt:   time.Now().UTC().Format(timeLayout),
			Source:      models.Source{Scope: scope, Value: key},
		}
		if scope == models.ScopeIP {
			alert.Source.IP = key
		}
		decision := models.Decision{
			UUID:     uuid.NewString(),
			Origin:   "capigate",
			Type:     cfg.DecisionType,
			Scope:    scope,
			Value:    key,
			Duration: cfg.DecisionDuration,
			Scenario: cfg.Scenario,
		}
		alert.Decisions = []models.Decision{decision}
		detections = append(detections, Detection{Alert: alert, Decision: decision})
	}
	return detections
}
