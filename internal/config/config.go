// Package config loads the gamewatch YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/monitor"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/paths"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/provider"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// Config represents the main configuration
type Config struct {
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	Logging    LoggingConfig       `yaml:"logging"`
	Provider   ProviderConfig      `yaml:"provider"`
	Monitor    MonitorConfig       `yaml:"monitor"`
	Games      []paths.Profile     `yaml:"games,omitempty"`
	Feeds      FeedsConfig         `yaml:"feeds"`
	SystemLog  parser.SystemConfig `yaml:"system_log"`
	Tenants    []TenantConfig      `yaml:"tenants,omitempty"`
	Store      StoreConfig         `yaml:"store"`
	Checkpoint CheckpointConfig    `yaml:"checkpoint"`
	Outputs    OutputsConfig       `yaml:"outputs"`
	DeadLetter DeadLetterConfig    `yaml:"dead_letter"`
	Metrics    MetricsConfig       `yaml:"metrics"`
	Health     HealthConfig        `yaml:"health"`
	Server     ServerConfig        `yaml:"server"`
	Tracing    TracingConfig       `yaml:"tracing"`
	Profiling  profiling.Config    `yaml:"profiling"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ProviderConfig configures the hosting provider API client
type ProviderConfig struct {
	BaseURL          string                           `yaml:"base_url"`
	Timeout          time.Duration                    `yaml:"timeout,omitempty"`
	RateLimit        float64                          `yaml:"rate_limit,omitempty"`
	Burst            int                              `yaml:"burst,omitempty"`
	MaxDownloadBytes int64                            `yaml:"max_download_bytes,omitempty"`
	UserAgent        string                           `yaml:"user_agent,omitempty"`
	Retry            reliability.RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker   reliability.CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// MonitorConfig configures polling
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MinInterval      time.Duration `yaml:"min_interval,omitempty"`
	CallTimeout      time.Duration `yaml:"call_timeout,omitempty"`
	ProbeConcurrency int           `yaml:"probe_concurrency,omitempty"`
	Extensions       []string      `yaml:"extensions,omitempty"`
	FromBeginning    bool          `yaml:"from_beginning,omitempty"`
	Game             string        `yaml:"game,omitempty"`
	Platform         string        `yaml:"platform,omitempty"`
	PathRoots        []string      `yaml:"path_roots,omitempty"`
	ResumeOnStart    *bool         `yaml:"resume_on_start,omitempty"`
}

// FeedsConfig points at an optional feed table file. The built-in table is
// used when File is empty.
type FeedsConfig struct {
	File string `yaml:"file,omitempty"`
}

// TenantConfig seeds a tenant's upstream credentials. APIToken may be a
// literal, env:VAR or file:/path.
type TenantConfig struct {
	ID        string `yaml:"id"`
	ServiceID string `yaml:"service_id"`
	APIToken  string `yaml:"api_token"`
	UserID    string `yaml:"user_id,omitempty"`
}

// StoreConfig configures the bbolt store
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// CheckpointConfig configures the file tracker's persistence
type CheckpointConfig struct {
	Dir      string        `yaml:"dir,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// OutputsConfig configures delivery. Channels left nil are disabled.
type OutputsConfig struct {
	Delivery      output.NotifierConfig       `yaml:"delivery"`
	Relay         *output.RelayConfig         `yaml:"relay,omitempty"`
	Kafka         *output.KafkaConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *output.ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
	S3            *output.S3Config            `yaml:"s3,omitempty"`
	Live          *LiveConfig                 `yaml:"live,omitempty"`
}

// LiveConfig configures the websocket live feed
type LiveConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir,omitempty"`
	MaxSize        int64         `yaml:"max_size,omitempty"`
	MaxAge         time.Duration `yaml:"max_age,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
	FlushInterval  time.Duration `yaml:"flush_interval,omitempty"`
	ReplaySchedule string        `yaml:"replay_schedule,omitempty"`
	WarnAt         float64       `yaml:"warn_at,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ServerConfig configures the HTTP API. AuthToken may be a literal,
// env:VAR or file:/path.
type ServerConfig struct {
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultDataDir            = "/var/lib/gamewatch"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultServerAddress      = ":8080"
	DefaultCheckpointInterval = 5 * time.Second
	DefaultReplaySchedule     = "@every 5m"
	DefaultShutdownTimeout    = 30 * time.Second
)

// Load loads configuration from a YAML file with environment variable
// overrides. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML content
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := baseConfig()
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = provider.DefaultBaseURL
	}

	mon := monitor.DefaultConfig()
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = mon.Interval
	}
	if c.Monitor.MinInterval == 0 {
		c.Monitor.MinInterval = mon.MinInterval
	}
	if c.Monitor.CallTimeout == 0 {
		c.Monitor.CallTimeout = mon.CallTimeout
	}
	if c.Monitor.ProbeConcurrency == 0 {
		c.Monitor.ProbeConcurrency = mon.ProbeConcurrency
	}
	if len(c.Monitor.Extensions) == 0 {
		c.Monitor.Extensions = mon.Extensions
	}
	if len(c.Monitor.PathRoots) == 0 {
		c.Monitor.PathRoots = mon.PathRoots
	}
	if len(c.Games) == 0 {
		c.Games = paths.DefaultProfiles()
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "gamewatch.db")
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = DefaultCheckpointInterval
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = filepath.Join(c.DataDir, "dlq")
	}
	if c.DeadLetter.ReplaySchedule == "" {
		c.DeadLetter.ReplaySchedule = DefaultReplaySchedule
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Monitor.Interval < 0 || c.Monitor.MinInterval < 0 {
		return errors.New("monitor intervals must not be negative")
	}
	if c.Monitor.ProbeConcurrency < 0 {
		return errors.New("monitor probe_concurrency must not be negative")
	}
	for _, ext := range c.Monitor.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("monitor extension %q must start with a dot", ext)
		}
	}

	for i, p := range c.Games {
		if p.Game == "" {
			return fmt.Errorf("game profile %d has no game", i)
		}
		if len(p.PathTemplates) == 0 {
			return fmt.Errorf("game profile %s/%s has no path templates", p.Game, p.Platform)
		}
		for _, tmpl := range p.PathTemplates {
			if !strings.Contains(tmpl, "{serviceId}") && !strings.Contains(tmpl, "{userId}") {
				return fmt.Errorf("game profile %s/%s: template %q has no {serviceId} or {userId} placeholder", p.Game, p.Platform, tmpl)
			}
		}
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant %d has no id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s is configured twice", t.ID)
		}
		seen[t.ID] = true
		if t.ServiceID == "" || t.APIToken == "" {
			return fmt.Errorf("tenant %s needs service_id and api_token", t.ID)
		}
	}

	for et := range c.SystemLogTypes() {
		if !et.Valid() {
			return fmt.Errorf("system_log rule has unknown event type: %s", et)
		}
	}

	if o := c.Outputs.Relay; o != nil && o.URL == "" {
		return errors.New("outputs.relay.url is required")
	}
	if o := c.Outputs.Kafka; o != nil && len(o.Brokers) == 0 {
		return errors.New("outputs.kafka.brokers is required")
	}
	if o := c.Outputs.Elasticsearch; o != nil && len(o.Addresses) == 0 && o.CloudID == "" {
		return errors.New("outputs.elasticsearch needs addresses or cloud_id")
	}
	if o := c.Outputs.S3; o != nil && (o.Bucket == "" || o.Region == "") {
		return errors.New("outputs.s3 needs bucket and region")
	}

	if c.DeadLetter.WarnAt < 0 || c.DeadLetter.WarnAt > 100 {
		return fmt.Errorf("dead_letter.warn_at must be a percentage, got %v", c.DeadLetter.WarnAt)
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	if c.Profiling.Enabled && c.Profiling.Address == c.Server.Address {
		return errors.New("profiling.address must differ from server.address")
	}

	return nil
}

// SystemLogTypes returns the event types named by system log rules
func (c *Config) SystemLogTypes() map[types.EventType]bool {
	out := make(map[types.EventType]bool, len(c.SystemLog.Rules))
	for _, r := range c.SystemLog.Rules {
		out[r.Type] = true
	}
	return out
}

// ResumeOnStart reports whether registered monitors restart with the process
func (c *Config) ResumeOnStart() bool {
	return c.Monitor.ResumeOnStart == nil || *c.Monitor.ResumeOnStart
}

// MonitorManagerConfig converts the monitor section for the monitor manager
func (c *Config) MonitorManagerConfig() monitor.Config {
	return monitor.Config{
		Interval:         c.Monitor.Interval,
		MinInterval:      c.Monitor.MinInterval,
		CallTimeout:      c.Monitor.CallTimeout,
		ProbeConcurrency: c.Monitor.ProbeConcurrency,
		Extensions:       c.Monitor.Extensions,
		FromBeginning:    c.Monitor.FromBeginning,
		Game:             c.Monitor.Game,
		Platform:         c.Monitor.Platform,
		Profiles:         c.Games,
		PathRoots:        c.Monitor.PathRoots,
	}
}

// ProviderClientConfig converts the provider section for the API client
func (c *Config) ProviderClientConfig() provider.Config {
	return provider.Config{
		BaseURL:          c.Provider.BaseURL,
		Timeout:          c.Provider.Timeout,
		RateLimit:        c.Provider.RateLimit,
		Burst:            c.Provider.Burst,
		MaxDownloadBytes: c.Provider.MaxDownloadBytes,
		UserAgent:        c.Provider.UserAgent,
		Retry:            c.Provider.Retry,
		CircuitBreaker:   c.Provider.CircuitBreaker,
	}
}

// TenantCredentials resolves every configured tenant's token
func (c *Config) TenantCredentials(sm *security.SecretManager) (map[string]types.Credentials, error) {
	out := make(map[string]types.Credentials, len(c.Tenants))
	for _, t := range c.Tenants {
		token, err := sm.GetSecret(t.APIToken)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		out[t.ID] = types.Credentials{ServiceID: t.ServiceID, APIToken: token, UserID: t.UserID}
	}
	return out, nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a runnable configuration with the built-in game
// profiles and feed table
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.applyDefaults()
	return cfg
}

// baseConfig holds the defaults that do not derive from other fields
func baseConfig() *Config {
	mon := monitor.DefaultConfig()
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Provider: ProviderConfig{
			BaseURL: provider.DefaultBaseURL,
		},
		Monitor: MonitorConfig{
			Interval:         mon.Interval,
			MinInterval:      mon.MinInterval,
			CallTimeout:      mon.CallTimeout,
			ProbeConcurrency: mon.ProbeConcurrency,
			Extensions:       mon.Extensions,
			PathRoots:        mon.PathRoots,
		},
		Outputs: OutputsConfig{
			Delivery: output.DefaultNotifierConfig(),
		},
		DeadLetter: DeadLetterConfig{Enabled: true},
		Metrics:    MetricsConfig{Enabled: true},
		Health:     HealthConfig{Enabled: true},
	}
}
