package models

import "time"

// Decision is a CrowdSec remediation record as it appears on the wire.
type Decision struct {
	ID        int64  `json:"id,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Origin    string `json:"origin"`
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Value     string `json:"value"`
	Duration  string `json:"duration"`
	Scenario  string `json:"scenario"`
	Until     string `json:"until,omitempty"`
	Simulated bool   `json:"simulated,omitempty"`
}

// StoredDecision is a decision this proxy pushed to a LAPI server, persisted
// so the dashboard can show what remediations the analyzers produced.
type StoredDecision struct {
	ID        string     `json:"id" db:"id"`
	ServerURL string     `json:"server_url" db:"server_url"`
	Origin    string     `json:"origin" db:"origin"`
	Scope     string     `json:"scope" db:"scope"`
	Value     string     `json:"value" db:"value"`
	Type      string     `json:"type" db:"type"`
	Duration  string     `json:"duration" db:"duration"`
	Scenario  string     `json:"scenario" db:"scenario"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// IsExpired returns true if the decision has an expiry in the past.
func (d *StoredDecision) IsExpired() bool {
	if d.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*d.ExpiresAt)
}
