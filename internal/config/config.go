package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string
	Port      int
	AuthToken string
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultsConfig holds fallback executor settings.
type DefaultsConfig struct {
	ProjectPath string
	Model       string
}

// RateLimitConfig holds rate limiting middleware settings.
type RateLimitConfig struct {
	Enabled     bool
	WindowMs    int
	MaxRequests int
}

// TaskQueueConfig holds scheduler tuning.
type TaskQueueConfig struct {
	Concurrency    int
	DefaultTimeout time.Duration
}

// WebhookConfig holds dispatcher tuning.
type WebhookConfig struct {
	Enabled    bool
	DefaultURL string
	Timeout    time.Duration
	Retries    int
}

// StatisticsConfig holds the stats collector settings.
type StatisticsConfig struct {
	Enabled            bool
	CollectionInterval time.Duration
}

// RetentionConfig holds cleanup cutoffs and the maintenance schedule.
type RetentionConfig struct {
	TaskDays    int
	SessionDays int
	StatsDays   int
	// Schedule is a 5-field cron expression for the daily cleanup pass.
	Schedule string
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server     ServerConfig
	Defaults   DefaultsConfig
	RateLimit  RateLimitConfig
	TaskQueue  TaskQueueConfig
	Webhook    WebhookConfig
	Statistics StatisticsConfig
	Retention  RetentionConfig

	ExecutorBinary string
	StateDir       string
	LogFile        string
	LogLevel       string
	PidFile        string
	Mode           string
	ShutdownGrace  time.Duration
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 7080
	defaultModel           = "claude-sonnet-4-5"
	defaultConcurrency     = 3
	defaultTaskTimeout     = 300 * time.Second
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookRetries  = 3
	defaultStatsInterval   = 60 * time.Second
	defaultTaskRetention   = 30
	defaultSessionRetain   = 30
	defaultStatsRetention  = 90
	defaultMaintenanceCron = "30 3 * * *"
	defaultLogLevel        = "info"
	defaultShutdownGrace   = 10 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration. Priority: CLI flags > environment
// variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "claudebroker", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnvString("CLAUDEBROKER_HOST", defaultHost),
			Port:      getEnvInt("CLAUDEBROKER_PORT", defaultPort),
			AuthToken: getEnvString("CLAUDEBROKER_AUTH_TOKEN", ""),
		},
		Defaults: DefaultsConfig{
			ProjectPath: getEnvString("CLAUDEBROKER_DEFAULT_PROJECT_PATH", ""),
			Model:       getEnvString("CLAUDEBROKER_DEFAULT_MODEL", defaultModel),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("CLAUDEBROKER_RATE_LIMIT_ENABLED", false),
			WindowMs:    getEnvInt("CLAUDEBROKER_RATE_LIMIT_WINDOW_MS", 60000),
			MaxRequests: getEnvInt("CLAUDEBROKER_RATE_LIMIT_MAX_REQUESTS", 60),
		},
		TaskQueue: TaskQueueConfig{
			Concurrency:    getEnvInt("CLAUDEBROKER_QUEUE_CONCURRENCY", defaultConcurrency),
			DefaultTimeout: getEnvDuration("CLAUDEBROKER_QUEUE_DEFAULT_TIMEOUT", defaultTaskTimeout),
		},
		Webhook: WebhookConfig{
			Enabled:    getEnvBool("CLAUDEBROKER_WEBHOOK_ENABLED", true),
			DefaultURL: getEnvString("CLAUDEBROKER_WEBHOOK_DEFAULT_URL", ""),
			Timeout:    getEnvDuration("CLAUDEBROKER_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
			Retries:    getEnvInt("CLAUDEBROKER_WEBHOOK_RETRIES", defaultWebhookRetries),
		},
		Statistics: StatisticsConfig{
			Enabled:            getEnvBool("CLAUDEBROKER_STATISTICS_ENABLED", true),
			CollectionInterval: getEnvDuration("CLAUDEBROKER_STATISTICS_INTERVAL", defaultStatsInterval),
		},
		Retention: RetentionConfig{
			TaskDays:    getEnvInt("CLAUDEBROKER_TASK_RETENTION_DAYS", defaultTaskRetention),
			SessionDays: getEnvInt("CLAUDEBROKER_SESSION_RETENTION_DAYS", defaultSessionRetain),
			StatsDays:   getEnvInt("CLAUDEBROKER_STATS_RETENTION_DAYS", defaultStatsRetention),
			Schedule:    getEnvString("CLAUDEBROKER_MAINTENANCE_SCHEDULE", defaultMaintenanceCron),
		},
		ExecutorBinary: getEnvString("CLAUDEBROKER_EXECUTOR_BINARY", "claude"),
		StateDir:       getEnvString("CLAUDEBROKER_STATE_DIR", ""),
		LogFile:        getEnvString("CLAUDEBROKER_LOG_FILE", ""),
		LogLevel:       getEnvString("CLAUDEBROKER_LOG_LEVEL", defaultLogLevel),
		PidFile:        getEnvString("CLAUDEBROKER_PID_FILE", ""),
		Mode:           getEnvString("CLAUDEBROKER_MODE", "http"),
		ShutdownGrace:  getEnvDuration("CLAUDEBROKER_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("claudebrokerd", flag.ContinueOnError)
	var (
		host          = fs.String("host", "", "bind address (overrides env)")
		port          = fs.Int("port", 0, "listen port (overrides env)")
		stateDir      = fs.String("state-dir", "", "directory for JSON state documents")
		logLevel      = fs.String("log-level", "", "log level (debug, info, warn, error)")
		logFile       = fs.String("log-file", "", "log file path (default stdout)")
		pidFile       = fs.String("pid-file", "", "pid file path")
		mode          = fs.String("mode", "", "run mode: http, mcp, or both")
		concurrency   = fs.Int("concurrency", 0, "max concurrent task executions")
		taskTimeout   = fs.Duration("task-timeout", 0, "per-task execution timeout")
		webhookURL    = fs.String("webhook-url", "", "default webhook callback URL")
		shutdownGrace = fs.Duration("shutdown-grace", 0, "grace period when shutting down")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *pidFile != "" {
		cfg.PidFile = *pidFile
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *concurrency > 0 {
		cfg.TaskQueue.Concurrency = *concurrency
	}
	if *taskTimeout > 0 {
		cfg.TaskQueue.DefaultTimeout = *taskTimeout
	}
	if *webhookURL != "" {
		cfg.Webhook.DefaultURL = *webhookURL
	}
	if *shutdownGrace > 0 {
		cfg.ShutdownGrace = *shutdownGrace
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Server.Port)
	}
	if c.TaskQueue.Concurrency <= 0 {
		return fmt.Errorf("taskQueue.concurrency must be positive")
	}
	if c.TaskQueue.DefaultTimeout <= 0 {
		return fmt.Errorf("taskQueue.defaultTimeout must be positive")
	}
	if c.Webhook.DefaultURL != "" {
		if _, err := url.ParseRequestURI(c.Webhook.DefaultURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (expected http, mcp, or both)", c.Mode)
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "claudebroker")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
