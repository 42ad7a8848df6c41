package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AdminAPIKey    string   `mapstructure:"admin_api_key"` // Shared X-API-Key for the admin API; empty disables the admin surface

	Proxy       ProxyConfig        `mapstructure:"proxy"`
	Validation  ValidationConfig   `mapstructure:"validation"`
	GeoIP       GeoIPConfig        `mapstructure:"geoip"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Filters     []FilterConfig     `mapstructure:"filters"`
	Analyzers   []AnalyzerConfig   `mapstructure:"analyzers"`
	LAPIServers []LAPIServerConfig `mapstructure:"lapi_servers"`
}

type ProxyConfig struct {
	CAPIURL   string `mapstructure:"capi_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type ValidationConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	CacheTTLSeconds      int  `mapstructure:"cache_ttl_seconds"`
	CacheTTLErrorSeconds int  `mapstructure:"cache_ttl_error_seconds"` // Fail-open cache TTL; shorter than the success TTL so outages re-probe soon
	ValidationTimeoutMs  int  `mapstructure:"validation_timeout_ms"`
	MaxMemoryEntries     int  `mapstructure:"max_memory_entries"`
	FailClosed           bool `mapstructure:"fail_closed"`
	CleanupIntervalSec   int  `mapstructure:"cleanup_interval_sec"`
}

type GeoIPConfig struct {
	Path string `mapstructure:"path"` // Optional MMDB path; enrichment is disabled when empty or missing
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// FilterConfig declares one suppression rule. Type selects the variant;
// only the params for that variant are read. Composite rules nest children
// under "filters" and match when every child matches.
type FilterConfig struct {
	Name       string         `mapstructure:"name"`
	Type       string         `mapstructure:"type"` // scenario | ip_range | machine_id | composite
	Enabled    bool           `mapstructure:"enabled"`
	Scenarios  []string       `mapstructure:"scenarios"`
	Ranges     []string       `mapstructure:"ranges"`
	MachineIDs []string       `mapstructure:"machine_ids"`
	Filters    []FilterConfig `mapstructure:"filters"`
}

type AnalyzerConfig struct {
	ID         string           `mapstructure:"id"`
	Name       string           `mapstructure:"name"`
	Enabled    bool             `mapstructure:"enabled"`
	IntervalMs int              `mapstructure:"interval_ms"`
	Lookback   string           `mapstructure:"lookback"` // e.g. "15m", sent to Grafana as now-<lookback>
	Source     LogSourceConfig  `mapstructure:"source"`
	Query      string           `mapstructure:"query"`
	MaxLines   int              `mapstructure:"max_lines"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Detection  DetectionConfig  `mapstructure:"detection"`
}

type LogSourceConfig struct {
	GrafanaURL    string `mapstructure:"grafana_url"`
	Token         string `mapstructure:"token"`
	DatasourceUID string `mapstructure:"datasource_uid"`
}

type ExtractionConfig struct {
	Format string            `mapstructure:"format"` // currently "json"
	Fields map[string]string `mapstructure:"fields"` // output name -> dotted source path
}

type DetectionConfig struct {
	GroupBy          string `mapstructure:"group_by"` // extracted field to count by (typically an IP field)
	Threshold        int    `mapstructure:"threshold"`
	Scenario         string `mapstructure:"scenario"`
	DecisionType     string `mapstructure:"decision_type"`
	DecisionDuration string `mapstructure:"decision_duration"`
	Scope            string `mapstructure:"scope"`
}

type LAPIServerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/capigate/")
	viper.AddConfigPath("$HOME/.capigate")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("proxy.capi_url", "https://api.crowdsec.net")
	viper.SetDefault("proxy.timeout_ms", 30000)
	viper.SetDefault("validation.enabled", true)
	viper.SetDefault("validation.cache_ttl_seconds", 3600)
	viper.SetDefault("validation.cache_ttl_error_seconds", 60)
	viper.SetDefault("validation.validation_timeout_ms", 5000)
	viper.SetDefault("validation.max_memory_entries", 1000)
	viper.SetDefault("validation.fail_closed", false)
	viper.SetDefault("validation.cleanup_interval_sec", 600)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", "./capigate.db")

	// Environment variables
	viper.SetEnvPrefix("CAPIGATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Proxy.CAPIURL == "" {
		return fmt.Errorf("proxy.capi_url must be set")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q (want sqlite or postgres)", c.Database.Driver)
	}
	if c.Validation.CacheTTLErrorSeconds > c.Validation.CacheTTLSeconds {
		return fmt.Errorf("validation.cache_ttl_error_seconds must not exceed validation.cache_ttl_seconds")
	}
	for _, a := range c.Analyzers {
		if a.ID == "" {
			return fmt.Errorf("analyzer without id")
		}
		if a.IntervalMs <= 0 {
			return fmt.Errorf("analyzer %s: interval_ms must be positive", a.ID)
		}
	}
	return nil
}
