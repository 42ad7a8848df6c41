// Package geoip resolves alert source IPs to coarse location data from a
// local MaxMind City database. Enrichment is strictly best-effort: a missing
// database, an unparseable IP or a lookup failure all yield nil, never an
// error surfaced to the interception path.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/capigate/capigate/internal/models"
)

// Enricher wraps an open GeoIP2 City database. The zero-value (or an
// Enricher built from an empty path) is a disabled enricher whose Lookup
// always returns nil.
type Enricher struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	log    *slog.Logger
}

// New opens the database at path. An empty or missing path disables
// enrichment rather than failing startup; a present but corrupt database is
// an error.
func New(path string, log *slog.Logger) (*Enricher, error) {
	e := &Enricher{log: log}
	if path == "" {
		log.Info("GeoIP enrichment disabled, no database configured")
		return e, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("GeoIP database not found, enrichment disabled", "path", path)
		return e, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info("GeoIP database loaded", "path", path)
	e.reader = reader
	return e, nil
}

// Enabled reports whether a database is loaded.
func (e *Enricher) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reader != nil
}

// Lookup resolves ip to location data, or nil when enrichment is disabled,
// the IP does not parse, or the database has no record for it.
func (e *Enricher) Lookup(ip string) *models.GeoInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.reader == nil || ip == "" {
		return nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}

	record, err := e.reader.City(parsed)
	if err != nil {
		e.log.Debug("GeoIP lookup failed", "ip", ip, "error", err)
		return nil
	}
	if record.Country.IsoCode == "" && record.City.Names["en"] == "" {
		return nil
	}

	info := &models.GeoInfo{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].Names["en"]
	}
	return info
}

// Close releases the database handle. Safe on a disabled enricher.
func (e *Enricher) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reader == nil {
		return nil
	}
	err := e.reader.Close()
	e.reader = nil
	return err
}
