package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Database    DatabaseConfig
	HTTP        HTTPConfig
	Harvest     HarvestConfig
	Workflow    WorkflowConfig
	Jobs        JobsConfig
	Logging     LoggingConfig
	Tracing     TracingConfig
	Metrics     MetricsConfig
	Environment string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

// HTTPConfig controls how OAI-PMH repositories are contacted.
type HTTPConfig struct {
	Timeout       time.Duration
	UserAgent     string
	RateLimit     float64 // requests per second, 0 = unlimited
	RespectRobots bool
}

type HarvestConfig struct {
	MaxPages       int
	Concurrency    int
	RecordsPerFile int
	SourcesDir     string
	OutputDir      string
}

// WorkflowConfig points at the downstream service that receives records
// when output is "workflow".
type WorkflowConfig struct {
	URL    string
	APIKey string
}

type JobsConfig struct {
	Workers            int
	RetryListRecords   int
	RetryGetRecords    int
	ScheduleInterval   time.Duration
	ScheduleRunOnStart bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

type MetricsConfig struct {
	Addr string
}

func Load() (Config, error) {
	cfg := Config{
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		HTTP: HTTPConfig{
			Timeout:       getEnvDuration("HARVEST_HTTP_TIMEOUT", 60*time.Second),
			UserAgent:     getEnv("HARVEST_USER_AGENT", "oaiharvest/1.0"),
			RateLimit:     getEnvFloat("HARVEST_RATE_LIMIT", 0),
			RespectRobots: getEnvBool("HARVEST_RESPECT_ROBOTS", false),
		},
		Harvest: HarvestConfig{
			MaxPages:       getEnvInt("HARVEST_MAX_PAGES", 10000),
			Concurrency:    getEnvInt("HARVEST_CONCURRENCY", 1),
			RecordsPerFile: getEnvInt("HARVEST_RECORDS_PER_FILE", 1000),
			SourcesDir:     getEnv("HARVEST_SOURCES_DIR", "configs/sources"),
			OutputDir:      getEnv("HARVEST_OUTPUT_DIR", "."),
		},
		Workflow: WorkflowConfig{
			URL:    getEnv("WORKFLOW_URL", ""),
			APIKey: getEnv("WORKFLOW_API_KEY", ""),
		},
		Jobs: JobsConfig{
			Workers:            getEnvInt("JOB_WORKERS", 4),
			RetryListRecords:   getEnvInt("JOB_RETRY_LIST_RECORDS", 3),
			RetryGetRecords:    getEnvInt("JOB_RETRY_GET_RECORDS", 5),
			ScheduleInterval:   getEnvDuration("JOB_SCHEDULE_INTERVAL", 0),
			ScheduleRunOnStart: getEnvBool("JOB_SCHEDULE_RUN_ON_START", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "stdout"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "oaiharvest"),
			OTLPEndpoint: getEnv("TRACING_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if cfg.Harvest.MaxPages < 1 {
		return Config{}, fmt.Errorf("HARVEST_MAX_PAGES must be at least 1")
	}
	if cfg.Harvest.Concurrency < 1 {
		return Config{}, fmt.Errorf("HARVEST_CONCURRENCY must be at least 1")
	}
	if cfg.Harvest.RecordsPerFile < 1 {
		return Config{}, fmt.Errorf("HARVEST_RECORDS_PER_FILE must be at least 1")
	}
	if cfg.HTTP.Timeout <= 0 {
		return Config{}, fmt.Errorf("HARVEST_HTTP_TIMEOUT must be positive")
	}
	if cfg.HTTP.RateLimit < 0 {
		return Config{}, fmt.Errorf("HARVEST_RATE_LIMIT must not be negative")
	}
	return cfg, nil
}

// RequireDatabase returns an error when no database is configured.
func (c Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
