package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
data_dir: ` + tmpDir + `

logging:
  level: debug
  format: console

provider:
  base_url: https://provider.example.com
  rate_limit: 2
  retry:
    max_retries: 5
    initial_backoff: 200ms

monitor:
  interval: 30s
  probe_concurrency: 5
  game: dayz
  platform: playstation

tenants:
  - id: guild-1
    service_id: "123"
    api_token: plain-token

outputs:
  relay:
    url: https://relay.example.com
    batch_size: 10
  kafka:
    brokers: [localhost:9092]
    topic_prefix: gamewatch

dead_letter:
  enabled: true
  max_size: 500
  replay_schedule: "@every 1m"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Expected debug/console logging, got %+v", cfg.Logging)
	}
	if cfg.Provider.BaseURL != "https://provider.example.com" || cfg.Provider.Retry.InitialBackoff != 200*time.Millisecond {
		t.Errorf("Unexpected provider config: %+v", cfg.Provider)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.ProbeConcurrency != 5 {
		t.Errorf("Unexpected monitor config: %+v", cfg.Monitor)
	}
	if len(cfg.Monitor.Extensions) != 2 || cfg.Monitor.Extensions[0] != ".ADM" {
		t.Errorf("Expected default extensions, got %v", cfg.Monitor.Extensions)
	}
	if len(cfg.Games) == 0 {
		t.Error("Expected built-in game profiles")
	}
	if cfg.Outputs.Relay == nil || cfg.Outputs.Relay.BatchSize != 10 {
		t.Errorf("Expected relay output, got %+v", cfg.Outputs.Relay)
	}
	if cfg.Outputs.Kafka == nil || cfg.Outputs.Kafka.TopicPrefix != "gamewatch" {
		t.Errorf("Expected kafka output, got %+v", cfg.Outputs.Kafka)
	}
	if cfg.Outputs.S3 != nil || cfg.Outputs.Elasticsearch != nil {
		t.Error("Expected unconfigured outputs to stay disabled")
	}
	if cfg.Store.Path != filepath.Join(tmpDir, "gamewatch.db") {
		t.Errorf("Expected store under data_dir, got %s", cfg.Store.Path)
	}
	if cfg.Checkpoint.Dir != filepath.Join(tmpDir, "checkpoints") {
		t.Errorf("Expected checkpoints under data_dir, got %s", cfg.Checkpoint.Dir)
	}
	if cfg.DeadLetter.MaxSize != 500 || cfg.DeadLetter.ReplaySchedule != "@every 1m" {
		t.Errorf("Unexpected dead letter config: %+v", cfg.DeadLetter)
	}
	if !cfg.Metrics.Enabled || !cfg.Health.Enabled {
		t.Error("Expected metrics and health enabled by default")
	}
	if !cfg.ResumeOnStart() {
		t.Error("Expected resume_on_start to default to true")
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("GAMEWATCH_LOG_LEVEL", "warn")
	t.Setenv("GAMEWATCH_SERVER_TOKEN", "s3cret")

	cfg, err := Parse([]byte(`
logging:
  level: ${GAMEWATCH_LOG_LEVEL}
server:
  auth_token: ${GAMEWATCH_SERVER_TOKEN}
`))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn (from env var), got %s", cfg.Logging.Level)
	}
	if cfg.Server.AuthToken != "s3cret" {
		t.Errorf("Expected token from env var, got %s", cfg.Server.AuthToken)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Server.Address != DefaultServerAddress {
		t.Errorf("Expected default config, got address %s", cfg.Server.Address)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, true},
		{"negative interval", func(c *Config) { c.Monitor.Interval = -time.Second }, true},
		{"extension without dot", func(c *Config) { c.Monitor.Extensions = []string{"ADM"} }, true},
		{"profile without placeholder", func(c *Config) {
			c.Games[0].PathTemplates = []string{"/games/fixed/config"}
		}, true},
		{"tenant without token", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "guild-1", ServiceID: "123"}}
		}, true},
		{"duplicate tenant", func(c *Config) {
			c.Tenants = []TenantConfig{
				{ID: "guild-1", ServiceID: "1", APIToken: "a"},
				{ID: "guild-1", ServiceID: "2", APIToken: "b"},
			}
		}, true},
		{"relay without url", func(c *Config) { c.Outputs.Relay = &output.RelayConfig{} }, true},
		{"warn_at out of range", func(c *Config) { c.DeadLetter.WarnAt = 150 }, true},
		{"sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Expected default log level %s, got %s", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Monitor.Interval != time.Minute {
		t.Errorf("Expected default interval 1m, got %v", cfg.Monitor.Interval)
	}

	mc := cfg.MonitorManagerConfig()
	if mc.ProbeConcurrency != 3 || len(mc.Profiles) == 0 {
		t.Errorf("Unexpected monitor manager config: %+v", mc)
	}
	if pc := cfg.ProviderClientConfig(); pc.BaseURL == "" {
		t.Error("Expected provider base URL")
	}
}

func TestTenantCredentials(t *testing.T) {
	t.Setenv("GUILD_TWO_TOKEN", "from-env")
	secretFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Tenants = []TenantConfig{
		{ID: "guild-1", ServiceID: "1", APIToken: "plain"},
		{ID: "guild-2", ServiceID: "2", APIToken: "env:GUILD_TWO_TOKEN", UserID: "u2"},
		{ID: "guild-3", ServiceID: "3", APIToken: "file:" + secretFile},
	}

	creds, err := cfg.TenantCredentials(security.NewSecretManager())
	if err != nil {
		t.Fatalf("Failed to resolve credentials: %v", err)
	}

	want := map[string]types.Credentials{
		"guild-1": {ServiceID: "1", APIToken: "plain"},
		"guild-2": {ServiceID: "2", APIToken: "from-env", UserID: "u2"},
		"guild-3": {ServiceID: "3", APIToken: "from-file"},
	}
	for id, w := range want {
		if creds[id] != w {
			t.Errorf("Expected %s credentials %+v, got %+v", id, w, creds[id])
		}
	}

	cfg.Tenants = []TenantConfig{{ID: "guild-4", ServiceID: "4", APIToken: "env:GAMEWATCH_UNSET_TOKEN"}}
	if _, err := cfg.TenantCredentials(security.NewSecretManager()); err == nil {
		t.Error("Expected error for unset token variable")
	}
}
