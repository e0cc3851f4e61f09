// Package config provides configuration management for taskmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for taskmesh.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. There is no write timeout
// knob: the server streams SSE and WebSocket responses, which must outlive
// any fixed deadline.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
}

// StorageConfig selects the task store driver.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file (sqlite driver only).
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds PostgreSQL connection configuration (postgres driver only).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds priority queue configuration.
type QueueConfig struct {
	// MaxSize caps the number of waiting entries; 0 means unbounded.
	MaxSize int `mapstructure:"maxSize"`
	// HistoryLimit bounds the completed/failed history kept for inspection.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	MaxConcurrentTasks int `mapstructure:"maxConcurrentTasks"`
	MaxRetries         int `mapstructure:"maxRetries"`
	BaseBackoffMS      int `mapstructure:"baseBackoffMs"`
	ProcessIntervalMS  int `mapstructure:"processIntervalMs"`
	// LeaseMS is how long a worker's claim on a task remains exclusive.
	LeaseMS int `mapstructure:"leaseMs"`
}

// PlannerConfig holds multi-agent planner configuration.
type PlannerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Mode          string `mapstructure:"mode"`    // auto, force
	Planner       string `mapstructure:"planner"` // rule, none
	FinalAgentID  string `mapstructure:"finalAgentId"`
	TemplatesPath string `mapstructure:"templatesPath"`
	NodeTimeoutMS int    `mapstructure:"nodeTimeoutMs"`
	Retries       int    `mapstructure:"retries"`
	DefaultAction string `mapstructure:"defaultAction"` // continue, stop
}

// IntakeConfig holds request validation and context-building configuration.
type IntakeConfig struct {
	MaxInputLength   int `mapstructure:"maxInputLength"`
	MaxTimeoutMS     int `mapstructure:"maxTimeoutMs"`
	HistoryTurns     int `mapstructure:"historyTurns"`
	HistoryTurnChars int `mapstructure:"historyTurnChars"`
}

// DispatchConfig holds inter-worker dispatch configuration.
type DispatchConfig struct {
	Subject    string `mapstructure:"subject"`
	QueueGroup string `mapstructure:"queueGroup"`
	MaxDeliver int    `mapstructure:"maxDeliver"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// BaseBackoff returns the retry base backoff as a time.Duration.
func (s *SchedulerConfig) BaseBackoff() time.Duration {
	return time.Duration(s.BaseBackoffMS) * time.Millisecond
}

// ProcessInterval returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) ProcessInterval() time.Duration {
	return time.Duration(s.ProcessIntervalMS) * time.Millisecond
}

// NodeTimeout returns the per-node timeout as a time.Duration.
func (p *PlannerConfig) NodeTimeout() time.Duration {
	return time.Duration(p.NodeTimeoutMS) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TASKMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)

	// Storage defaults - sqlite file next to the binary
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./taskmesh.db")

	// Database defaults (postgres driver only)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskmesh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskmesh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskmesh-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.maxSize", 0)
	v.SetDefault("queue.historyLimit", 1000)

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrentTasks", 10)
	v.SetDefault("scheduler.maxRetries", 2)
	v.SetDefault("scheduler.baseBackoffMs", 1000)
	v.SetDefault("scheduler.processIntervalMs", 100)
	v.SetDefault("scheduler.leaseMs", 60000)

	// Planner defaults
	v.SetDefault("planner.enabled", true)
	v.SetDefault("planner.mode", "auto")
	v.SetDefault("planner.planner", "rule")
	v.SetDefault("planner.finalAgentId", "")
	v.SetDefault("planner.templatesPath", "")
	v.SetDefault("planner.nodeTimeoutMs", 120000)
	v.SetDefault("planner.retries", 0)
	v.SetDefault("planner.defaultAction", "stop")

	// Intake defaults
	v.SetDefault("intake.maxInputLength", 10000)
	v.SetDefault("intake.maxTimeoutMs", 600000)
	v.SetDefault("intake.historyTurns", 4)
	v.SetDefault("intake.historyTurnChars", 2000)

	// Dispatch defaults
	v.SetDefault("dispatch.subject", "task.dispatch")
	v.SetDefault("dispatch.queueGroup", "workers")
	v.SetDefault("dispatch.maxDeliver", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("storage.path", "TASKMESH_DB_PATH", "TASKMESH_STORAGE_PATH")
	_ = v.BindEnv("scheduler.maxConcurrentTasks", "TASKMESH_SCHEDULER_MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("intake.maxInputLength", "TASKMESH_INTAKE_MAX_INPUT_LENGTH")
	_ = v.BindEnv("planner.finalAgentId", "TASKMESH_PLANNER_FINAL_AGENT_ID")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Storage validation
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		errs = append(errs, "storage.path is required for the sqlite driver")
	}

	// Database validation - only for the postgres driver
	if cfg.Storage.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Scheduler validation
	if cfg.Scheduler.MaxConcurrentTasks <= 0 {
		errs = append(errs, "scheduler.maxConcurrentTasks must be positive")
	}
	if cfg.Scheduler.BaseBackoffMS <= 0 {
		errs = append(errs, "scheduler.baseBackoffMs must be positive")
	}

	// Planner validation
	switch cfg.Planner.Mode {
	case "auto", "force":
	default:
		errs = append(errs, "planner.mode must be one of: auto, force")
	}
	switch cfg.Planner.DefaultAction {
	case "continue", "stop":
	default:
		errs = append(errs, "planner.defaultAction must be one of: continue, stop")
	}

	// Intake validation
	if cfg.Intake.MaxInputLength <= 0 {
		errs = append(errs, "intake.maxInputLength must be positive")
	}
	if cfg.Intake.MaxTimeoutMS < 1000 {
		errs = append(errs, "intake.maxTimeoutMs must be at least 1000")
	}

	// Dispatch validation
	if cfg.Dispatch.Subject == "" {
		errs = append(errs, "dispatch.subject is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
