package models

import "time"

// ScenarioCount is one row of a top-N scenario aggregate.
type ScenarioCount struct {
	Scenario string `json:"scenario" db:"scenario"`
	Count    int64  `json:"count" db:"count"`
}

// CountryCount is one row of a top-N country aggregate.
type CountryCount struct {
	CountryCode string `json:"country_code" db:"country_code"`
	Count       int64  `json:"count" db:"count"`
}

// AlertStats is the aggregate view served at GET /api/v1/stats.
type AlertStats struct {
	Total         int64           `json:"total"`
	Filtered      int64           `json:"filtered"`
	Forwarded     int64           `json:"forwarded"`
	TopScenarios  []ScenarioCount `json:"top_scenarios"`
	TopCountries  []CountryCount  `json:"top_countries"`
	FirstReceived *time.Time      `json:"first_received,omitempty"`
	LastReceived  *time.Time      `json:"last_received,omitempty"`
}

// BucketCount is a generic labelled count (weekday name, hour, day).
type BucketCount struct {
	Bucket string `json:"bucket" db:"bucket"`
	Count  int64  `json:"count" db:"count"`
}

// AlertDistribution is the time-distribution view for the dashboard charts.
// All buckets are computed on received_at in UTC.
type AlertDistribution struct {
	ByDayOfWeek []BucketCount `json:"by_day_of_week"`
	ByHourOfDay []BucketCount `json:"by_hour_of_day"`
	DailyTrend  []BucketCount `json:"daily_trend"`
}
