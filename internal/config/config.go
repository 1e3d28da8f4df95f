// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Index   IndexConfig   `mapstructure:"index"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	DB      DBConfig      `mapstructure:"db"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeout bounds a single API request; zero disables the limit.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// IndexConfig controls crawl index lookups.
type IndexConfig struct {
	// CDXAPI pins a single collection endpoint. Empty means discover via CollInfoURL.
	CDXAPI         string        `mapstructure:"cdx_api"`
	CollInfoURL    string        `mapstructure:"collinfo_url"`
	MaxCollections int           `mapstructure:"max_collections"`
	ArchiveOrigin  string        `mapstructure:"archive_origin"`
	LinksLimit     int           `mapstructure:"links_limit"`
	MatchType      string        `mapstructure:"match_type"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`

	// RequestsPerSecond throttles index requests per host; zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// FetchConfig governs archive transfers.
type FetchConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	TransferTimeout  time.Duration `mapstructure:"transfer_timeout"`
	ChunkBytes       int           `mapstructure:"chunk_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffInitialMs int           `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int           `mapstructure:"backoff_max_ms"`
	AllowPartial     bool          `mapstructure:"allow_partial"`
}

// IngestConfig governs a single ingestion run.
type IngestConfig struct {
	WorkDir             string        `mapstructure:"work_dir"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxConcurrentRuns   int           `mapstructure:"max_concurrent_runs"`
	ExtractConcurrency  int           `mapstructure:"extract_concurrency"`
	SkipCorruptArchives bool          `mapstructure:"skip_corrupt_archives"`
	RecordTypes         []string      `mapstructure:"record_types"`
	Language            string        `mapstructure:"language"`
	ExtraStopwords      []string      `mapstructure:"extra_stopwords"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN              string        `mapstructure:"dsn"`
	DataTable        string        `mapstructure:"data_table"`
	PredictionsTable string        `mapstructure:"predictions_table"`
	QueryLimit       int           `mapstructure:"query_limit"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOMAINTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "0s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("index.cdx_api", "")
	v.SetDefault("index.collinfo_url", "https://index.commoncrawl.org/collinfo.json")
	v.SetDefault("index.max_collections", 12)
	v.SetDefault("index.archive_origin", "https://commoncrawl.s3.amazonaws.com/")
	v.SetDefault("index.links_limit", 10)
	v.SetDefault("index.match_type", "exact")
	v.SetDefault("index.timeout", "2m")
	v.SetDefault("index.user_agent", "domaintext/0.1")
	v.SetDefault("index.requests_per_second", 1.0)
	v.SetDefault("index.burst", 1)
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.transfer_timeout", "10h")
	v.SetDefault("fetch.chunk_bytes", 32*1024)
	v.SetDefault("fetch.user_agent", "domaintext/0.1")
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 10000)
	v.SetDefault("fetch.allow_partial", false)
	v.SetDefault("ingest.work_dir", "")
	v.SetDefault("ingest.timeout", "12h")
	v.SetDefault("ingest.max_concurrent_runs", 1)
	v.SetDefault("ingest.extract_concurrency", 2)
	v.SetDefault("ingest.skip_corrupt_archives", false)
	v.SetDefault("ingest.record_types", []string{"conversion"})
	v.SetDefault("ingest.language", "english")
	v.SetDefault("ingest.extra_stopwords", []string{})
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.data_table", "url")
	v.SetDefault("db.predictions_table", "domain_preds")
	v.SetDefault("db.query_limit", 200)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.auto_migrate", false)
}

// bindLegacyEnv honors the LINKS_LIMIT and DB_* variables used by older deployments
// when the prefixed variables are not set.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("index.links_limit", "DOMAINTEXT_INDEX_LINKS_LIMIT", "LINKS_LIMIT")
	if dsn := legacyDSN(); dsn != "" {
		v.SetDefault("db.dsn", dsn)
	}
}

func legacyDSN() string {
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")
	if host == "" || name == "" {
		return ""
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + name}
	user, pass := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD")
	switch {
	case pass != "":
		u.User = url.UserPassword(user, pass)
	case user != "":
		u.User = url.User(user)
	}
	return u.String()
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Index.CDXAPI == "" && c.Index.CollInfoURL == "" {
		return fmt.Errorf("index.cdx_api or index.collinfo_url must be set")
	}
	if c.Index.MaxCollections <= 0 {
		return fmt.Errorf("index.max_collections must be > 0")
	}
	if c.Index.ArchiveOrigin == "" {
		return fmt.Errorf("index.archive_origin must be set")
	}
	if c.Index.LinksLimit <= 0 {
		return fmt.Errorf("index.links_limit must be > 0")
	}
	if c.Index.RequestsPerSecond < 0 {
		return fmt.Errorf("index.requests_per_second must be >= 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.TransferTimeout <= 0 {
		return fmt.Errorf("fetch.transfer_timeout must be > 0")
	}
	if c.Fetch.ChunkBytes <= 0 {
		return fmt.Errorf("fetch.chunk_bytes must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Ingest.Timeout <= 0 {
		return fmt.Errorf("ingest.timeout must be > 0")
	}
	if c.Ingest.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("ingest.max_concurrent_runs must be > 0")
	}
	if c.Ingest.ExtractConcurrency <= 0 {
		return fmt.Errorf("ingest.extract_concurrency must be > 0")
	}
	if c.Ingest.Language != "english" {
		return fmt.Errorf("ingest.language %q is not supported", c.Ingest.Language)
	}
	if c.DB.QueryLimit <= 0 {
		return fmt.Errorf("db.query_limit must be > 0")
	}
	return nil
}
