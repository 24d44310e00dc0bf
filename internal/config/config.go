package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// Sink names accepted in SINKS.
const (
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
	SinkBigQuery = "bigquery"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// Ignition query API.
	IgnitionBaseURL    string
	IgnitionProjectID  string
	IgnitionToken      string
	IgnitionTokenFile  string
	MaxResults         int
	PollInterval       time.Duration
	JobTimeout         time.Duration
	RequestTimeout     time.Duration
	MaxRetries         int
	RetryInitial       time.Duration
	RetryMax           time.Duration
	RatePerSecond      float64
	RateBurst          int
	InsecureSkipVerify bool

	// Run control.
	Workers           int
	TokenRefreshAfter time.Duration
	PolicyFile        string
	Regions           []string
	Sinks             []string
	RunInterval       time.Duration

	// Sinks.
	PostgresDSN     string
	PostgresTable   string
	KafkaBrokers    []string
	KafkaSinkTopic  string
	BigQueryProject string
	BigQueryDataset string
	BigQueryTable   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		IgnitionBaseURL:   sharedcfg.EnvOrDefault("IGNITION_BASE_URL", "https://ignition.geotab.com"),
		IgnitionProjectID: sharedcfg.EnvOrDefault("IGNITION_PROJECT_ID", "geotab-public-intelligence"),
		IgnitionToken:     os.Getenv("IGNITION_TOKEN"),
		IgnitionTokenFile: os.Getenv("IGNITION_TOKEN_FILE"),

		PolicyFile: os.Getenv("POLICY_FILE"),
		Regions:    parseList(os.Getenv("REGIONS")),
		Sinks:      parseList(sharedcfg.EnvOrDefault("SINKS", SinkPostgres)),

		PostgresDSN:     sharedcfg.EnvOrDefault("POSTGRES_DSN", "postgres://localhost:5432/GeotabIgnition?sslmode=disable"),
		PostgresTable:   sharedcfg.EnvOrDefault("POSTGRES_TABLE", "hazardous_driving_areas"),
		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic:  sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "hazardous-driving-areas"),
		BigQueryProject: os.Getenv("BIGQUERY_PROJECT"),
		BigQueryDataset: sharedcfg.EnvOrDefault("BIGQUERY_DATASET", "ignition"),
		BigQueryTable:   sharedcfg.EnvOrDefault("BIGQUERY_TABLE", "hazardous_driving_areas"),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	durations := []struct {
		key    string
		def    string
		dst    *time.Duration
		allow0 bool
	}{
		{"IGNITION_POLL_INTERVAL", "2s", &cfg.PollInterval, false},
		{"IGNITION_JOB_TIMEOUT", "10m", &cfg.JobTimeout, true},
		{"IGNITION_REQUEST_TIMEOUT", "30s", &cfg.RequestTimeout, false},
		{"IGNITION_RETRY_INITIAL", "500ms", &cfg.RetryInitial, false},
		{"IGNITION_RETRY_MAX", "10s", &cfg.RetryMax, false},
		{"TOKEN_REFRESH_AFTER", "0", &cfg.TokenRefreshAfter, true},
		{"RUN_INTERVAL", "0", &cfg.RunInterval, true},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.def, d.allow0); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key     string
		def     int
		minimum int
		dst     *int
	}{
		{"IGNITION_MAX_RESULTS", 50000, 1, &cfg.MaxResults},
		{"IGNITION_MAX_RETRIES", 4, 0, &cfg.MaxRetries},
		{"IGNITION_RATE_BURST", 1, 1, &cfg.RateBurst},
		{"WORKERS", 4, 1, &cfg.Workers},
	}
	for _, n := range ints {
		if *n.dst, err = parseInt(n.key, n.def, n.minimum); err != nil {
			return nil, err
		}
	}

	if cfg.RatePerSecond, err = parseFloat("IGNITION_RATE_PER_SECOND", 5); err != nil {
		return nil, err
	}
	if cfg.InsecureSkipVerify, err = parseBool("IGNITION_INSECURE_SKIP_VERIFY", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IgnitionBaseURL == "" {
		return errors.New("IGNITION_BASE_URL is required")
	}
	if c.IgnitionProjectID == "" {
		return errors.New("IGNITION_PROJECT_ID is required")
	}
	if c.RetryMax < c.RetryInitial {
		return errors.New("IGNITION_RETRY_MAX must not be less than IGNITION_RETRY_INITIAL")
	}
	if len(c.Sinks) == 0 {
		return errors.New("SINKS is required")
	}
	for _, s := range c.Sinks {
		switch s {
		case SinkPostgres:
			if c.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required for the postgres sink")
			}
			if !domain.ValidIdentifier(c.PostgresTable) {
				return fmt.Errorf("invalid POSTGRES_TABLE %q", c.PostgresTable)
			}
		case SinkKafka:
			if len(c.KafkaBrokers) == 0 {
				return errors.New("KAFKA_BROKERS is required for the kafka sink")
			}
			if c.KafkaSinkTopic == "" {
				return errors.New("KAFKA_SINK_TOPIC is required for the kafka sink")
			}
		case SinkBigQuery:
			if c.BigQueryProject == "" {
				return errors.New("BIGQUERY_PROJECT is required for the bigquery sink")
			}
		default:
			return fmt.Errorf("unknown sink %q in SINKS", s)
		}
	}
	return nil
}

// HasSink reports whether name is listed in SINKS.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return f, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
