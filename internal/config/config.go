package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Docker    DockerConfig    `yaml:"docker"`
	Provision ProvisionConfig `yaml:"provision"`
	Testing   TestingConfig   `yaml:"testing"`
	UAT       UATConfig       `yaml:"uat"`
	Pricing   PricingConfig   `yaml:"pricing"`
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DockerConfig struct {
	NetworkName   string `yaml:"network_name"`
	NamePrefix    string `yaml:"name_prefix"`    // container name prefix for all session containers
	PostgresImage string `yaml:"postgres_image"` // database tier image
}

// ProvisionConfig controls environment bring-up timeouts and polling.
type ProvisionConfig struct {
	DatabaseReadyTimeout time.Duration `yaml:"database_ready_timeout"`
	DatabasePollInterval time.Duration `yaml:"database_poll_interval"`
	AppReadyTimeout      time.Duration `yaml:"app_ready_timeout"`
	AppPollInterval      time.Duration `yaml:"app_poll_interval"`
	ArtifactTimeout      time.Duration `yaml:"artifact_timeout"`
	OrphanReapInterval   time.Duration `yaml:"orphan_reap_interval"`
}

type TestingConfig struct {
	PythonBin      string        `yaml:"python_bin"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	BrowserInstall bool          `yaml:"browser_install"` // run "playwright install chromium" on first use
}

type UATConfig struct {
	TunnelBin           string        `yaml:"tunnel_bin"`
	TunnelURLTimeout    time.Duration `yaml:"tunnel_url_timeout"`
	SessionDuration     time.Duration `yaml:"session_duration"`
	DefaultExtension    time.Duration `yaml:"default_extension"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

type PricingConfig struct {
	BasePrice float64 `yaml:"base_price"`
	MaxPrice  float64 `yaml:"max_price"`
}

type LLMConfig struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8001,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  8 << 20, // module bundles ride in the request body
		},
		Docker: DockerConfig{
			NetworkName:   "omb-test-network",
			NamePrefix:    "omb",
			PostgresImage: "postgres:13",
		},
		Provision: ProvisionConfig{
			DatabaseReadyTimeout: 60 * time.Second,
			DatabasePollInterval: 2 * time.Second,
			AppReadyTimeout:      120 * time.Second,
			AppPollInterval:      5 * time.Second,
			ArtifactTimeout:      60 * time.Second,
			OrphanReapInterval:   5 * time.Minute,
		},
		Testing: TestingConfig{
			PythonBin:      "python",
			ExecTimeout:    10 * time.Minute,
			BrowserInstall: true,
		},
		UAT: UATConfig{
			TunnelBin:           "cloudflared",
			TunnelURLTimeout:    30 * time.Second,
			SessionDuration:     time.Hour,
			DefaultExtension:    30 * time.Minute,
			HealthCheckInterval: 2 * time.Minute,
		},
		Pricing: PricingConfig{
			BasePrice: 50,
			MaxPrice:  100,
		},
		LLM: LLMConfig{
			Model:       "claude-3-5-sonnet-20241022",
			MaxTokens:   8000,
			Temperature: 0.1,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Docker.NetworkName == "" {
		return fmt.Errorf("docker.network_name must not be empty")
	}
	if c.Docker.NamePrefix == "" {
		return fmt.Errorf("docker.name_prefix must not be empty")
	}
	if c.Provision.DatabasePollInterval <= 0 || c.Provision.AppPollInterval <= 0 {
		return fmt.Errorf("provision poll intervals must be positive")
	}
	if c.Provision.DatabasePollInterval > c.Provision.DatabaseReadyTimeout {
		return fmt.Errorf("provision.database_poll_interval (%s) must be <= database_ready_timeout (%s)",
			c.Provision.DatabasePollInterval, c.Provision.DatabaseReadyTimeout)
	}
	if c.Provision.AppPollInterval > c.Provision.AppReadyTimeout {
		return fmt.Errorf("provision.app_poll_interval (%s) must be <= app_ready_timeout (%s)",
			c.Provision.AppPollInterval, c.Provision.AppReadyTimeout)
	}
	if c.Testing.ExecTimeout < time.Minute {
		return fmt.Errorf("testing.exec_timeout must be >= 1m, got %s", c.Testing.ExecTimeout)
	}
	if c.UAT.SessionDuration < time.Minute {
		return fmt.Errorf("uat.session_duration must be >= 1m, got %s", c.UAT.SessionDuration)
	}
	if c.UAT.TunnelURLTimeout <= 0 {
		return fmt.Errorf("uat.tunnel_url_timeout must be positive")
	}
	if c.Pricing.BasePrice < 0 || c.Pricing.MaxPrice < c.Pricing.BasePrice {
		return fmt.Errorf("pricing: max_price (%.2f) must be >= base_price (%.2f) and base_price >= 0",
			c.Pricing.MaxPrice, c.Pricing.BasePrice)
	}
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
