package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/migrations"
)

// PostgresStore implements Store on a remote PostgreSQL database. Semantics
// are identical to the SQLite backend; the connection is pooled.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects using the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded PostgreSQL schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema, err := migrations.FS.ReadFile("001_initial_schema.postgres.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded migration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ValidationStore implementation

func (s *PostgresStore) LookupClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error) {
	var entry models.ValidatedClient
	err := s.db.GetContext(ctx, &entry, `
		UPDATE validated_clients
		SET access_count = access_count + 1, last_accessed_at = $1
		WHERE token_hash = $2
		RETURNING token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count
	`, time.Now().UTC(), tokenHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) StoreClient(ctx context.Context, tokenHash string, ttl time.Duration, machineID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validated_clients (token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (token_hash) DO UPDATE SET
			machine_id = CASE WHEN EXCLUDED.machine_id <> '' THEN EXCLUDED.machine_id ELSE validated_clients.machine_id END,
			validated_at = EXCLUDED.validated_at,
			expires_at = EXCLUDED.expires_at,
			last_accessed_at = EXCLUDED.last_accessed_at,
			access_count = validated_clients.access_count + 1
	`, tokenHash, machineID, now, now.Add(ttl), now)
	return err
}

func (s *PostgresStore) CleanupExpiredClients(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM validated_clients WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AlertRepository implementation

type postgresAlertRow struct {
	ID              string          `db:"id"`
	MachineID       string          `db:"machine_id"`
	Scenario        string          `db:"scenario"`
	ScenarioHash    string          `db:"scenario_hash"`
	ScenarioVersion string          `db:"scenario_version"`
	Message         string          `db:"message"`
	EventsCount     int             `db:"events_count"`
	SourceScope     string          `db:"source_scope"`
	SourceValue     string          `db:"source_value"`
	SourceIP        string          `db:"source_ip"`
	StartAt         string          `db:"start_at"`
	StopAt          string          `db:"stop_at"`
	Raw             string          `db:"raw"`
	ReceivedAt      time.Time       `db:"received_at"`
	Filtered        bool            `db:"filtered"`
	FilterReasons   sql.NullString  `db:"filter_reasons"`
	GeoCountryCode  sql.NullString  `db:"geo_country_code"`
	GeoCountryName  sql.NullString  `db:"geo_country_name"`
	GeoCity         sql.NullString  `db:"geo_city"`
	GeoRegion       sql.NullString  `db:"geo_region"`
	GeoLatitude     sql.NullFloat64 `db:"geo_latitude"`
	GeoLongitude    sql.NullFloat64 `db:"geo_longitude"`
	GeoTimezone     sql.NullString  `db:"geo_timezone"`
}

func (r *postgresAlertRow) toModel() (*models.StoredAlert, error) {
	a := &models.StoredAlert{
		ID:              r.ID,
		MachineID:       r.MachineID,
		Scenario:        r.Scenario,
		ScenarioHash:    r.ScenarioHash,
		ScenarioVersion: r.ScenarioVersion,
		Message:         r.Message,
		EventsCount:     r.EventsCount,
		SourceScope:     r.SourceScope,
		SourceValue:     r.SourceValue,
		SourceIP:        r.SourceIP,
		StartAt:         r.StartAt,
		StopAt:          r.StopAt,
		Raw:             r.Raw,
		ReceivedAt:      r.ReceivedAt,
		Filtered:        r.Filtered,
	}
	if r.FilterReasons.Valid && r.FilterReasons.String != "" {
		if err := json.Unmarshal([]byte(r.FilterReasons.String), &a.FilterReasons); err != nil {
			return nil, fmt.Errorf("failed to decode filter_reasons for alert %s: %w", r.ID, err)
		}
	}
	if r.GeoCountryCode.Valid && r.GeoCountryCode.String != "" {
		a.Geo = &models.GeoInfo{
			CountryCode: r.GeoCountryCode.String,
			CountryName: r.GeoCountryName.String,
			City:        r.GeoCity.String,
			Region:      r.GeoRegion.String,
			Latitude:    r.GeoLatitude.Float64,
			Longitude:   r.GeoLongitude.Float64,
			Timezone:    r.GeoTimezone.String,
		}
	}
	return a, nil
}

const postgresAlertColumns = `id, machine_id, scenario, scenario_hash, scenario_version, message, events_count, source_scope, source_value, source_ip,
	start_at, stop_at, raw, received_at, filtered, filter_reasons,
	geo_country_code, geo_country_name, geo_city, geo_region, geo_latitude, geo_longitude, geo_timezone`

func (s *PostgresStore) InsertAlerts(ctx context.Context, alerts []*models.StoredAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	receivedAt := time.Now().UTC()
	for _, a := range alerts {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.ReceivedAt = receivedAt
		args, err := alertInsertArgs(a)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alerts (`+postgresAlertColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
			ON CONFLICT (id) DO NOTHING
		`, args...)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*models.StoredAlert, error) {
	var row postgresAlertRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+postgresAlertColumns+` FROM alerts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter ListAlertsFilter) ([]*models.StoredAlert, error) {
	query := `SELECT ` + postgresAlertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}
	paramCount := 1

	if filter.Since != nil {
		query += fmt.Sprintf(" AND received_at >= $%d", paramCount)
		args = append(args, filter.Since.UTC())
		paramCount++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND received_at <= $%d", paramCount)
		args = append(args, filter.Until.UTC())
		paramCount++
	}
	if filter.Scenario != "" {
		query += fmt.Sprintf(" AND scenario = $%d", paramCount)
		args = append(args, filter.Scenario)
		paramCount++
	}
	if filter.MachineID != "" {
		query += fmt.Sprintf(" AND machine_id = $%d", paramCount)
		args = append(args, filter.MachineID)
		paramCount++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", paramCount)
	args = append(args, limit)

	var rows []postgresAlertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.StoredAlert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) DeleteAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AlertStats(ctx context.Context) (*models.AlertStats, error) {
	stats := &models.AlertStats{}

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM alerts`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Filtered, `SELECT COUNT(*) FROM alerts WHERE filtered`); err != nil {
		return nil, err
	}
	stats.Forwarded = stats.Total - stats.Filtered

	if err := s.db.SelectContext(ctx, &stats.TopScenarios, `
		SELECT scenario, COUNT(*) AS count FROM alerts
		WHERE scenario <> '' GROUP BY scenario ORDER BY count DESC LIMIT 10`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &stats.TopCountries, `
		SELECT geo_country_code AS country_code, COUNT(*) AS count FROM alerts
		WHERE geo_country_code IS NOT NULL AND geo_country_code <> ''
		GROUP BY geo_country_code ORDER BY count DESC LIMIT 10`); err != nil {
		return nil, err
	}

	var bounds struct {
		First sql.NullTime `db:"first"`
		Last  sql.NullTime `db:"last"`
	}
	if err := s.db.GetContext(ctx, &bounds,
		`SELECT MIN(received_at) AS first, MAX(received_at) AS last FROM alerts`); err != nil {
		return nil, err
	}
	if bounds.First.Valid {
		stats.FirstReceived = &bounds.First.Time
	}
	if bounds.Last.Valid {
		stats.LastReceived = &bounds.Last.Time
	}

	return stats, nil
}

func (s *PostgresStore) AlertDistribution(ctx context.Context) (*models.AlertDistribution, error) {
	dist := &models.AlertDistribution{}

	// DOW yields 0=Sunday..6=Saturday, matching the SQLite backend.
	if err := s.db.SelectContext(ctx, &dist.ByDayOfWeek, `
		SELECT EXTRACT(DOW FROM received_at AT TIME ZONE 'UTC')::int::text AS bucket, COUNT(*) AS count
		FROM alerts GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &dist.ByHourOfDay, `
		SELECT to_char(received_at AT TIME ZONE 'UTC', 'HH24') AS bucket, COUNT(*) AS count
		FROM alerts GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &dist.DailyTrend, `
		SELECT to_char(received_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS bucket, COUNT(*) AS count
		FROM alerts
		WHERE received_at >= NOW() - INTERVAL '30 days'
		GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}

	return dist, nil
}

// DecisionRepository implementation

func (s *PostgresStore) UpsertDecision(ctx context.Context, d *models.StoredDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, server_url, origin, scope, value, type, duration, scenario, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (server_url, origin, scope, value) DO UPDATE SET
			type = EXCLUDED.type,
			duration = EXCLUDED.duration,
			scenario = EXCLUDED.scenario,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, d.ID, d.ServerURL, d.Origin, d.Scope, d.Value, d.Type, d.Duration, d.Scenario, d.CreatedAt, d.ExpiresAt)
	return err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, activeOnly bool) ([]*models.StoredDecision, error) {
	query := `SELECT id, server_url, origin, scope, value, type, duration, scenario, created_at, expires_at FROM decisions`
	args := []interface{}{}
	if activeOnly {
		query += ` WHERE expires_at IS NULL OR expires_at > $1`
		args = append(args, time.Now().UTC())
	}
	query += ` ORDER BY created_at DESC`

	var decisions []*models.StoredDecision
	err := s.db.SelectContext(ctx, &decisions, query, args...)
	return decisions, err
}

func (s *PostgresStore) DeleteDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
