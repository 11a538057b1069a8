// Package config loads process configuration from defaults, an optional
// fingerprintd.yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ServerAddr   string
	TrustProxy   bool
	MaxBodyBytes int64    // bytes for /analyze payload
	Outputs      []string // enabled audit sinks: log, kafka
	LogPath      string   // NDJSON audit file; empty logs events through zap
	LogLevel     string

	StoreDriver string
	SQLitePath  string
	PGDSN       string
	Table       string

	MatchThreshold float64

	CookieName   string
	CookieMaxAge time.Duration
	CookieSecure bool

	HMACSecret    string
	HMACPublicKey string
	HMACRequire   bool

	TestMode bool

	Metrics MetricsConfig
	Kafka   KafkaConfig
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
	TLSCert string
	TLSKey  string
	// ClientCA enables mTLS on the metrics listener.
	ClientCA string
}

// KafkaConfig holds configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	TLSCAPath     string
	TLSSkipVerify bool
}

var defaults = map[string]any{
	"server_addr":    ":5001",
	"trust_proxy":    true,
	"max_body_bytes": 1 << 20,
	"outputs":        "log",
	"log_path":       "",
	"log_level":      "info",

	"store_driver": DriverSQLite,
	"sqlite_path":  "fingerprints.db",
	"pg_dsn":       "",
	"store_table":  "fingerprints",

	"match_threshold": 90.0,

	"cookie_name":    "fingerprint_user_id",
	"cookie_max_age": "8760h",
	"cookie_secure":  false,

	"hmac_secret":     "",
	"hmac_public_key": "",
	"hmac_require":    false,

	"test_mode": false,

	"metrics_enabled":   false,
	"metrics_addr":      ":9090",
	"metrics_tls_cert":  "",
	"metrics_tls_key":   "",
	"metrics_client_ca": "",

	"kafka_brokers":         "localhost:9092",
	"kafka_topic":           "fingerprintd.resolutions",
	"kafka_acks":            "all",
	"kafka_compression":     "",
	"kafka_sasl_mechanism":  "",
	"kafka_sasl_user":       "",
	"kafka_sasl_password":   "",
	"kafka_tls_ca":          "",
	"kafka_tls_skip_verify": false,
}

// Load reads fingerprintd.yaml from . or configs/ when present and applies
// environment overrides (SERVER_ADDR, STORE_DRIVER, KAFKA_TOPIC, ...).
func Load() (Config, error) {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.SetConfigName("fingerprintd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ServerAddr:   v.GetString("server_addr"),
		TrustProxy:   v.GetBool("trust_proxy"),
		MaxBodyBytes: v.GetInt64("max_body_bytes"),
		Outputs:      splitList(v.GetString("outputs")),
		LogPath:      v.GetString("log_path"),
		LogLevel:     strings.ToLower(v.GetString("log_level")),

		StoreDriver: strings.ToLower(v.GetString("store_driver")),
		SQLitePath:  v.GetString("sqlite_path"),
		PGDSN:       v.GetString("pg_dsn"),
		Table:       v.GetString("store_table"),

		MatchThreshold: v.GetFloat64("match_threshold"),

		CookieName:   v.GetString("cookie_name"),
		CookieMaxAge: v.GetDuration("cookie_max_age"),
		CookieSecure: v.GetBool("cookie_secure"),

		HMACSecret:    v.GetString("hmac_secret"),
		HMACPublicKey: v.GetString("hmac_public_key"),
		HMACRequire:   v.GetBool("hmac_require"),

		TestMode: v.GetBool("test_mode"),

		Metrics: MetricsConfig{
			Enabled:  v.GetBool("metrics_enabled"),
			Addr:     v.GetString("metrics_addr"),
			TLSCert:  v.GetString("metrics_tls_cert"),
			TLSKey:   v.GetString("metrics_tls_key"),
			ClientCA: v.GetString("metrics_client_ca"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("kafka_brokers")),
			Topic:         v.GetString("kafka_topic"),
			Acks:          v.GetString("kafka_acks"),
			Compression:   v.GetString("kafka_compression"),
			SASLMechanism: v.GetString("kafka_sasl_mechanism"),
			SASLUser:      v.GetString("kafka_sasl_user"),
			SASLPassword:  v.GetString("kafka_sasl_password"),
			TLSCAPath:     v.GetString("kafka_tls_ca"),
			TLSSkipVerify: v.GetBool("kafka_tls_skip_verify"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if c.PGDSN == "" {
			return errors.New("PG_DSN is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 100 {
		return fmt.Errorf("MATCH_THRESHOLD must be within [0, 100], got %v", c.MatchThreshold)
	}
	if c.CookieName == "" {
		return errors.New("COOKIE_NAME must not be empty")
	}
	if c.HMACRequire && c.HMACSecret == "" {
		return errors.New("HMAC_REQUIRE needs HMAC_SECRET")
	}
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
