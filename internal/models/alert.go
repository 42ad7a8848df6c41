package models

import "time"

// Alert mirrors the CrowdSec CAPI signal body. Field names follow the LAPI
// swagger so intercepted bodies round-trip without renaming.
type Alert struct {
	UUID            string     `json:"uuid,omitempty"`
	MachineID       string     `json:"machine_id,omitempty"`
	Scenario        string     `json:"scenario"`
	ScenarioHash    string     `json:"scenario_hash,omitempty"`
	ScenarioVersion string     `json:"scenario_version,omitempty"`
	Message         string     `json:"message,omitempty"`
	EventsCount     int        `json:"events_count,omitempty"`
	StartAt         string     `json:"start_at,omitempty"`
	StopAt          string     `json:"stop_at,omitempty"`
	CreatedAt       string     `json:"created_at,omitempty"`
	Source          Source     `json:"source"`
	Events          []Event    `json:"events,omitempty"`
	Decisions       []Decision `json:"decisions,omitempty"`
}

// Source identifies what an alert is about (an IP, a range, a username, ...).
type Source struct {
	Scope     string   `json:"scope"`
	Value     string   `json:"value"`
	IP        string   `json:"ip,omitempty"`
	Range     string   `json:"range,omitempty"`
	AsNumber  string   `json:"as_number,omitempty"`
	AsName    string   `json:"as_name,omitempty"`
	Cn        string   `json:"cn,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

const (
	ScopeIP    = "ip"
	ScopeRange = "range"
)

// SourceIP returns the IP the alert is about, or "" when the source is not an
// IP scope.
func (a *Alert) SourceIP() string {
	if a.Source.IP != "" {
		return a.Source.IP
	}
	if a.Source.Scope == ScopeIP || a.Source.Scope == "Ip" {
		return a.Source.Value
	}
	return ""
}

// Event is a single timestamped occurrence backing an alert.
type Event struct {
	Timestamp string `json:"timestamp"`
	Meta      []Meta `json:"meta,omitempty"`
}

// Meta is one key/value pair of event metadata.
type Meta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GeoInfo is the result of a GeoIP lookup on an alert source IP.
type GeoInfo struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

// StoredAlert is an intercepted alert as persisted for observability:
// the wire alert plus interception outcome and optional GeoIP enrichment.
type StoredAlert struct {
	ID              string    `json:"id" db:"id"`
	MachineID       string    `json:"machine_id" db:"machine_id"`
	Scenario        string    `json:"scenario" db:"scenario"`
	ScenarioHash    string    `json:"scenario_hash,omitempty" db:"scenario_hash"`
	ScenarioVersion string    `json:"scenario_version,omitempty" db:"scenario_version"`
	Message         string    `json:"message,omitempty" db:"message"`
	EventsCount     int       `json:"events_count" db:"events_count"`
	SourceScope     string    `json:"source_scope" db:"source_scope"`
	SourceValue     string    `json:"source_value" db:"source_value"`
	SourceIP        string    `json:"source_ip,omitempty" db:"source_ip"`
	StartAt         string    `json:"start_at,omitempty" db:"start_at"`
	StopAt          string    `json:"stop_at,omitempty" db:"stop_at"`
	Raw             string    `json:"-" db:"raw"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
	Filtered        bool      `json:"filtered" db:"filtered"`
	FilterReasons   []string  `json:"filter_reasons,omitempty" db:"-"`
	Geo             *GeoInfo  `json:"geo,omitempty" db:"-"`
}
