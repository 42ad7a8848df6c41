package repository

import (
	"context"
	"errors"
	"time"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/models"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("not found")

// ValidationStore is the durable tier of the client validation cache.
type ValidationStore interface {
	// LookupClient bumps access bookkeeping (access_count, last_accessed_at)
	// and returns the entry, or nil when the fingerprint is unknown.
	LookupClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error)
	// StoreClient upserts an entry with the given TTL. On conflict the entry
	// is re-validated: validated_at and expires_at are refreshed and
	// access_count incremented.
	StoreClient(ctx context.Context, tokenHash string, ttl time.Duration, machineID string) error
	// CleanupExpiredClients bulk-deletes entries whose expiry has passed.
	CleanupExpiredClients(ctx context.Context) (int64, error)
}

// ListAlertsFilter narrows AlertRepository.ListAlerts.
type ListAlertsFilter struct {
	Since     *time.Time
	Until     *time.Time
	Scenario  string
	MachineID string
	Limit     int
}

// AlertRepository persists every intercepted alert, filtered or forwarded.
type AlertRepository interface {
	// InsertAlerts writes a batch in one transaction. Writes are idempotent
	// on alert id so a retried agent push never double-records.
	InsertAlerts(ctx context.Context, alerts []*models.StoredAlert) error
	GetAlert(ctx context.Context, id string) (*models.StoredAlert, error)
	ListAlerts(ctx context.Context, filter ListAlertsFilter) ([]*models.StoredAlert, error)
	DeleteAlert(ctx context.Context, id string) error
	AlertStats(ctx context.Context) (*models.AlertStats, error)
	AlertDistribution(ctx context.Context) (*models.AlertDistribution, error)
}

// DecisionRepository records decisions the analyzers pushed to LAPI servers.
type DecisionRepository interface {
	UpsertDecision(ctx context.Context, d *models.StoredDecision) error
	ListDecisions(ctx context.Context, activeOnly bool) ([]*models.StoredDecision, error)
	DeleteDecision(ctx context.Context, id string) error
}

// Store aggregates all repositories behind one handle.
type Store interface {
	ValidationStore
	AlertRepository
	DecisionRepository
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the configured backend. Both backends expose identical
// semantics; only the driver differs.
func Open(cfg config.DatabaseConfig) (Store, error) {
	if cfg.Driver == "postgres" {
		return NewPostgresStore(cfg.DSN)
	}
	return NewSQLiteStore(cfg.Path)
}
