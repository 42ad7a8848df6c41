package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/migrations"
)

// SQLiteStore implements Store on an embedded SQLite database. This is the
// default backend: zero external dependencies, synchronous execution.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded SQLite schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema, err := migrations.FS.ReadFile("001_initial_schema.sqlite.sql")
	if err != nil {
		return fmt.Errorf("failed to read embedded migration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ValidationStore implementation

func (s *SQLiteStore) LookupClient(ctx context.Context, tokenHash string) (*models.ValidatedClient, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE validated_clients SET access_count = access_count + 1, last_accessed_at = ? WHERE token_hash = ?`,
		time.Now().UTC(), tokenHash,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, tx.Commit()
	}

	var entry models.ValidatedClient
	err = tx.GetContext(ctx, &entry,
		`SELECT token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count
		 FROM validated_clients WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) StoreClient(ctx context.Context, tokenHash string, ttl time.Duration, machineID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validated_clients (token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(token_hash) DO UPDATE SET
			machine_id = CASE WHEN excluded.machine_id != '' THEN excluded.machine_id ELSE validated_clients.machine_id END,
			validated_at = excluded.validated_at,
			expires_at = excluded.expires_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = validated_clients.access_count + 1
	`, tokenHash, machineID, now, now.Add(ttl), now)
	return err
}

func (s *SQLiteStore) CleanupExpiredClients(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM validated_clients WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AlertRepository implementation

// sqliteAlertRow mirrors the alerts table; SQLite has no native bool and the
// geo columns are nullable, so scanning goes through this row type.
type sqliteAlertRow struct {
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
	Filtered        int             `db:"filtered"`
	FilterReasons   sql.NullString  `db:"filter_reasons"`
	GeoCountryCode  sql.NullString  `db:"geo_country_code"`
	GeoCountryName  sql.NullString  `db:"geo_country_name"`
	GeoCity         sql.NullString  `db:"geo_city"`
	GeoRegion       sql.NullString  `db:"geo_region"`
	GeoLatitude     sql.NullFloat64 `db:"geo_latitude"`
	GeoLongitude    sql.NullFloat64 `db:"geo_longitude"`
	GeoTimezone     sql.NullString  `db:"geo_timezone"`
}

const sqliteAlertColumns = `id, machine_id, scenario, scenario_hash, scenario_version, message, events_count, source_scope, source_value, source_ip,
	start_at, stop_at, raw, received_at, filtered, filter_reasons,
	geo_country_code, geo_country_name, geo_city, geo_region, geo_latitude, geo_longitude, geo_timezone`

func (r *sqliteAlertRow) toModel() (*models.StoredAlert, error) {
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
		Filtered:        r.Filtered != 0,
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

func alertInsertArgs(a *models.StoredAlert) ([]interface{}, error) {
	var reasons interface{}
	if len(a.FilterReasons) > 0 {
		encoded, err := json.Marshal(a.FilterReasons)
		if err != nil {
			return nil, err
		}
		reasons = string(encoded)
	}
	var cc, cn, city, region, tz interface{}
	var lat, lon interface{}
	if a.Geo != nil {
		cc, cn, city, region, tz = a.Geo.CountryCode, a.Geo.CountryName, a.Geo.City, a.Geo.Region, a.Geo.Timezone
		lat, lon = a.Geo.Latitude, a.Geo.Longitude
	}
	return []interface{}{
		a.ID, a.MachineID, a.Scenario, a.ScenarioHash, a.ScenarioVersion,
		a.Message, a.EventsCount,
		a.SourceScope, a.SourceValue, a.SourceIP, a.StartAt, a.StopAt,
		a.Raw, a.ReceivedAt, a.Filtered, reasons,
		cc, cn, city, region, lat, lon, tz,
	}, nil
}

func (s *SQLiteStore) InsertAlerts(ctx context.Context, alerts []*models.StoredAlert) error {
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
			INSERT INTO alerts (`+sqliteAlertColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, args...)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*models.StoredAlert, error) {
	var row sqliteAlertRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sqliteAlertColumns+` FROM alerts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter ListAlertsFilter) ([]*models.StoredAlert, error) {
	query := `SELECT ` + sqliteAlertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}

	if filter.Since != nil {
		query += " AND received_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		query += " AND received_at <= ?"
		args = append(args, filter.Until.UTC())
	}
	if filter.Scenario != "" {
		query += " AND scenario = ?"
		args = append(args, filter.Scenario)
	}
	if filter.MachineID != "" {
		query += " AND machine_id = ?"
		args = append(args, filter.MachineID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY received_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []sqliteAlertRow
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

func (s *SQLiteStore) DeleteAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
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

func (s *SQLiteStore) AlertStats(ctx context.Context) (*models.AlertStats, error) {
	stats := &models.AlertStats{}

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM alerts`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Filtered, `SELECT COUNT(*) FROM alerts WHERE filtered = 1`); err != nil {
		return nil, err
	}
	stats.Forwarded = stats.Total - stats.Filtered

	if err := s.db.SelectContext(ctx, &stats.TopScenarios, `
		SELECT scenario, COUNT(*) AS count FROM alerts
		WHERE scenario != '' GROUP BY scenario ORDER BY count DESC LIMIT 10`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &stats.TopCountries, `
		SELECT geo_country_code AS country_code, COUNT(*) AS count FROM alerts
		WHERE geo_country_code IS NOT NULL AND geo_country_code != ''
		GROUP BY geo_country_code ORDER BY count DESC LIMIT 10`); err != nil {
		return nil, err
	}

	// MIN/MAX aggregates lose the column's DATETIME declared type under this
	// driver and come back as plain text, so the bounds are read as ordered
	// single-row selects instead.
	var first time.Time
	switch err := s.db.GetContext(ctx, &first,
		`SELECT received_at FROM alerts ORDER BY received_at ASC LIMIT 1`); err {
	case nil:
		stats.FirstReceived = &first
	case sql.ErrNoRows:
	default:
		return nil, err
	}
	var last time.Time
	switch err := s.db.GetContext(ctx, &last,
		`SELECT received_at FROM alerts ORDER BY received_at DESC LIMIT 1`); err {
	case nil:
		stats.LastReceived = &last
	case sql.ErrNoRows:
	default:
		return nil, err
	}

	return stats, nil
}

func (s *SQLiteStore) AlertDistribution(ctx context.Context) (*models.AlertDistribution, error) {
	dist := &models.AlertDistribution{}

	// %w yields 0=Sunday..6=Saturday on received_at stored in UTC.
	if err := s.db.SelectContext(ctx, &dist.ByDayOfWeek, `
		SELECT strftime('%w', received_at) AS bucket, COUNT(*) AS count
		FROM alerts GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &dist.ByHourOfDay, `
		SELECT strftime('%H', received_at) AS bucket, COUNT(*) AS count
		FROM alerts GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &dist.DailyTrend, `
		SELECT date(received_at) AS bucket, COUNT(*) AS count
		FROM alerts
		WHERE received_at >= datetime('now', '-30 days')
		GROUP BY bucket ORDER BY bucket`); err != nil {
		return nil, err
	}

	return dist, nil
}

// DecisionRepository implementation

func (s *SQLiteStore) UpsertDecision(ctx context.Context, d *models.StoredDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, server_url, origin, scope, value, type, duration, scenario, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_url, origin, scope, value) DO UPDATE SET
			type = excluded.type,
			duration = excluded.duration,
			scenario = excluded.scenario,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, d.ID, d.ServerURL, d.Origin, d.Scope, d.Value, d.Type, d.Duration, d.Scenario, d.CreatedAt, d.ExpiresAt)
	return err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, activeOnly bool) ([]*models.StoredDecision, error) {
	query := `SELECT id, server_url, origin, scope, value, type, duration, scenario, created_at, expires_at FROM decisions`
	args := []interface{}{}
	if activeOnly {
		query += ` WHERE expires_at IS NULL OR expires_at > ?`
		args = append(args, time.Now().UTC())
	}
	query += ` ORDER BY created_at DESC`

	var decisions []*models.StoredDecision
	err := s.db.SelectContext(ctx, &decisions, query, args...)
	return decisions, err
}

func (s *SQLiteStore) DeleteDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE id = ?`, id)
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
