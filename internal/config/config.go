// Package config loads the platform configuration from YAML with
// environment-variable expansion and overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for all components.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the LLM service and its provider adapters.
type LLMConfig struct {
	// DefaultProvider is used when no model-prefix route matches.
	DefaultProvider string `yaml:"default_provider"`

	DefaultModel    string  `yaml:"default_model"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	// Timeout bounds every provider call; MaxRetries bounds the in-adapter
	// retry loop.
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds per-provider credentials and endpoints. A provider is
// constructible iff its required fields are present.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
	DefaultModel string `yaml:"default_model"`

	// Region is used by the Bedrock adapter.
	Region string `yaml:"region"`
}

// Configured reports whether the provider has enough configuration to be
// constructed. Bedrock needs only a region (credentials come from the AWS
// default chain).
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" || p.Region != ""
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	TTLHours  int    `yaml:"ttl_hours"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

// MaxSizeBytes returns the cache size bound in bytes.
func (c CacheConfig) MaxSizeBytes() int64 {
	if c.MaxSizeMB <= 0 {
		return 100 << 20
	}
	return int64(c.MaxSizeMB) << 20
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig configures the queue transport and observation store.
// URL takes precedence over the discrete fields when set.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port address for the discrete-field form.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// QueueConfig configures task submission and worker behavior.
type QueueConfig struct {
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Handlers maps additional task types to the flow each one runs. The
	// default flow handler executes the flow named in the job; entries here
	// pin a task type to a fixed flow.
	Handlers map[string]string `yaml:"handlers"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration used when no file is given.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			DefaultModel:    "gpt-4o",
			Temperature:     0.7,
			MaxOutputTokens: 4096,
			Timeout:         120 * time.Second,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			Providers:       map[string]ProviderConfig{},
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".cache/llm",
			TTLHours:  24,
			MaxSizeMB: 100,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Queue: QueueConfig{
			Name:              "flows",
			HeartbeatInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the config file at path, expands ${VAR} references from the
// environment, and applies environment overrides on top. An empty path
// returns the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := envPattern.ReplaceAllStringFunc(string(raw), func(m string) string {
			return os.Getenv(envPattern.FindStringSubmatch(m)[1])
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}
	return cfg, nil
}

// applyEnv fills provider credentials and connection settings from well-known
// environment variables when the file did not set them.
func applyEnv(cfg *Config) {
	setProviderKey := func(name, env string) {
		if v := os.Getenv(env); v != "" {
			p := cfg.LLM.Providers[name]
			if p.APIKey == "" {
				p.APIKey = v
			}
			cfg.LLM.Providers[name] = p
		}
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}
	setProviderKey("anthropic", "ANTHROPIC_API_KEY")
	setProviderKey("openai", "OPENAI_API_KEY")
	setProviderKey("azure", "AZURE_OPENAI_API_KEY")
	setProviderKey("google", "GEMINI_API_KEY")
	setProviderKey("openrouter", "OPENROUTER_API_KEY")
	setProviderKey("venice", "VENICE_API_KEY")

	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		p := cfg.LLM.Providers["azure"]
		if p.BaseURL == "" {
			p.BaseURL = v
		}
		cfg.LLM.Providers["azure"] = p
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		p := cfg.LLM.Providers["bedrock"]
		if p.Region == "" {
			p.Region = v
		}
		cfg.LLM.Providers["bedrock"] = p
	}

	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.DSN == "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.Redis.URL == "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.MaxRetries = n
		}
	}
}
