package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete knowflow engine configuration.
type Config struct {
	// Server holds the observability endpoint settings used by serve.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Orchestrator controls submission validation and the monitor loops.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Coordinator controls agent selection and fan-out.
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`

	// Queue selects and tunes the task queue backend.
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Registry selects and tunes the agent registry backend.
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Cache tunes the pipeline node output cache.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Redis is shared by every Redis-backed component.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database configures the durable task/result store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Monitoring configures metric-driven alerting.
	Monitoring MonitoringConfig `yaml:"monitoring" env:"MONITORING"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the ports and timeouts for the serve command.
type ServerConfig struct {
	// MetricsPort serves /metrics, /healthz and /readyz.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// ReadTimeout bounds request header reads.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// OrchestratorConfig tunes task submission and the background monitors.
type OrchestratorConfig struct {
	// MaxRetries is the retry budget per task before it stays failed.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// TaskPollInterval is the cadence of the task health loop.
	TaskPollInterval time.Duration `yaml:"task_poll_interval" env:"TASK_POLL_INTERVAL"`
	// AgentMonitorInterval is the cadence of the agent health loop.
	AgentMonitorInterval time.Duration `yaml:"agent_monitor_interval" env:"AGENT_MONITOR_INTERVAL"`
	// ErrorBackoff is the pause after a loop-level failure.
	ErrorBackoff time.Duration `yaml:"error_backoff" env:"ERROR_BACKOFF"`
	// SupportedTaskTypes restricts submission; empty accepts any type.
	SupportedTaskTypes []string `yaml:"supported_task_types" env:"SUPPORTED_TASK_TYPES"`
}

// CoordinatorConfig tunes agent selection and per-agent concurrency.
type CoordinatorConfig struct {
	// DefaultMaxConcurrent caps in-flight tasks per agent when the agent's
	// own config does not set a limit.
	DefaultMaxConcurrent int `yaml:"default_max_concurrent" env:"DEFAULT_MAX_CONCURRENT"`
	// CapabilityGroups maps task-type keywords to capability tags. A task
	// whose type contains a keyword is routed to agents carrying any of the
	// mapped tags. Empty uses the built-in table.
	CapabilityGroups map[string][]string `yaml:"capability_groups" env:"-"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Workers is the consumer pool size delivering tasks to agents.
	Workers int `yaml:"workers" env:"WORKERS"`
	// Capacity bounds the number of queued tasks; 0 means unbounded.
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// RatePerMinute throttles task consumption; 0 disables the limiter.
	RatePerMinute int `yaml:"rate_per_minute" env:"RATE_PER_MINUTE"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// PollInterval is the Redis consumer poll cadence when lists are empty.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// RegistryConfig selects the agent registry backend.
type RegistryConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// TTL is the registration lifetime absent a heartbeat or lookup.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CacheConfig tunes the pipeline node output cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// MaxSize bounds the entry count of the in-memory cache.
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`
	// TTL expires entries absent in the configured backend.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig holds the shared Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig holds the durable store settings.
type DatabaseConfig struct {
	// Driver is postgres, mysql or sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	User   string `yaml:"user" env:"USER"`
	// Password is read from the environment in deployments.
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite.
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// MaxOpenConns caps the pool size.
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// ConnMaxLifetime recycles connections past this age.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MonitoringConfig configures the alert rule engine.
type MonitoringConfig struct {
	// Enabled switches alert evaluation on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// SampleInterval is how often the engine samples engine-level gauges
	// (queue depth, in-flight counts) for rule evaluation.
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	// DefaultCooldown applies to rules that do not set their own.
	DefaultCooldown time.Duration `yaml:"default_cooldown" env:"DEFAULT_COOLDOWN"`
	// Rules is the closed set of comparison rules evaluated against
	// observed metric samples. There is no expression language.
	Rules []AlertRuleConfig `yaml:"rules" env:"-"`
}

// AlertRuleConfig is one comparison rule: fire when
// `metric <operator> threshold` holds for an observed sample.
type AlertRuleConfig struct {
	Name        string            `yaml:"name"`
	Metric      string            `yaml:"metric"`
	Operator    string            `yaml:"operator"`
	Threshold   float64           `yaml:"threshold"`
	Severity    string            `yaml:"severity"`
	Cooldown    time.Duration     `yaml:"cooldown"`
	Labels      map[string]string `yaml:"labels"`
	Description string            `yaml:"description"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists zap sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with file:line.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stacktraces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Coordinator:  DefaultCoordinatorConfig(),
		Queue:        DefaultQueueConfig(),
		Registry:     DefaultRegistryConfig(),
		Cache:        DefaultCacheConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Monitoring:   DefaultMonitoringConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultOrchestratorConfig returns the default orchestrator settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRetries:           3,
		TaskPollInterval:     5 * time.Second,
		AgentMonitorInterval: 30 * time.Second,
		ErrorBackoff:         time.Second,
	}
}

// DefaultCoordinatorConfig returns the default coordinator settings with
// the built-in keyword→capability-group table.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultMaxConcurrent: 5,
		CapabilityGroups:     DefaultCapabilityGroups(),
	}
}

// DefaultCapabilityGroups maps task-type keywords to the capability tags
// that serve them.
func DefaultCapabilityGroups() map[string][]string {
	return map[string][]string{
		"video":     {"youtube", "media"},
		"web":       {"web_research"},
		"code":      {"github"},
		"knowledge": {"rag"},
		"research":  {"web_research", "rag"},
		"analysis":  {"rag", "github"},
	}
}

// DefaultQueueConfig returns the default queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:       "memory",
		Workers:       4,
		Capacity:      1024,
		RatePerMinute: 600,
		KeyPrefix:     "knowflow:queue:",
		PollInterval:  200 * time.Millisecond,
	}
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backend:   "memory",
		TTL:       time.Hour,
		KeyPrefix: "knowflow:registry:",
	}
}

// DefaultCacheConfig returns the default node cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:   "memory",
		MaxSize:   1000,
		TTL:       time.Hour,
		KeyPrefix: "knowflow:cache:",
	}
}

// DefaultRedisConfig returns the default Redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default store settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "knowflow.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMonitoringConfig returns alerting defaults with no rules.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		Enabled:         true,
		SampleInterval:  time.Minute,
		DefaultCooldown: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "knowflow",
		SampleRate:   1.0,
	}
}

// Validate checks cross-field invariants after loading.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, "max_retries must be non-negative")
	}
	if c.Orchestrator.TaskPollInterval <= 0 || c.Orchestrator.AgentMonitorInterval <= 0 {
		errs = append(errs, "monitor intervals must be positive")
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown queue backend %q", c.Queue.Backend))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue workers must be positive")
	}
	switch c.Registry.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown registry backend %q", c.Registry.Backend))
	}
	if c.Registry.TTL <= 0 {
		errs = append(errs, "registry ttl must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Coordinator.DefaultMaxConcurrent <= 0 {
		errs = append(errs, "default_max_concurrent must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
