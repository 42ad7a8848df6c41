package models

import "time"

// ValidatedClient is a cache entry for an agent whose Authorization header
// has been checked against CAPI. The key is the SHA-256 hex fingerprint of
// the full header value; the plaintext header is never stored or logged.
type ValidatedClient struct {
	TokenHash      string    `json:"token_hash" db:"token_hash"`
	MachineID      string    `json:"machine_id,omitempty" db:"machine_id"`
	ValidatedAt    time.Time `json:"validated_at" db:"validated_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at" db:"last_accessed_at"`
	AccessCount    int64     `json:"access_count" db:"access_count"`
}

// IsExpired returns true if the entry's TTL has elapsed.
func (c *ValidatedClient) IsExpired() bool {
	return !time.Now().Before(c.ExpiresAt)
}
