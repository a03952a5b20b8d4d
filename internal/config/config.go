package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
//
// The LLM model name, temperature, output token cap, and call concurrency
// are deliberately NOT here: they are compile-time constants in the
// summarizer package so the free-tier cost envelope cannot drift via
// deployment config.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Google   GoogleConfig   `yaml:"google"`
	Mistral  MistralConfig  `yaml:"mistral"`
	Sync     SyncConfig     `yaml:"sync"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings. When URL is empty the
// per-account sync lock falls back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// GoogleConfig holds the OAuth client used to refresh delegated mailbox
// access tokens. The login flow itself lives outside this service.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// MistralConfig holds the LLM provider credentials and endpoint. Only the
// key and base URL are configurable; generation parameters are compiled in.
type MistralConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c MistralConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Configured reports whether an LLM key is present. When false, manual
// summarize requests answer "no_key" and the summarizer worker stays off.
func (c MistralConfig) Configured() bool { return c.APIKey != "" }

// SyncConfig holds mailbox sync engine settings.
type SyncConfig struct {
	IntervalSeconds   int   `yaml:"interval_seconds"`
	MaxEmailsPerCycle int   `yaml:"max_emails_per_cycle"`
	StripReplyChains  *bool `yaml:"strip_reply_chains"`
}

// ReplyChainStripEnabled reports whether quoted reply chains are removed
// during preprocessing. Defaults to on when unset.
func (c SyncConfig) ReplyChainStripEnabled() bool {
	if c.StripReplyChains == nil {
		return true
	}
	return *c.StripReplyChains
}

// Interval returns the background sync poll interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// WorkerConfig holds summarizer worker settings.
type WorkerConfig struct {
	Mode             bool `yaml:"mode"`              // run background loops in this process
	SummarizeEnabled bool `yaml:"summarize_enabled"` // run the summarizer worker
	JobsBatch        int  `yaml:"jobs_batch"`
	IdleSleepSeconds int  `yaml:"idle_sleep_seconds"`
}

// IdleSleep returns the worker idle sleep as a duration.
func (c WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepSeconds) * time.Second
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Mistral.BaseURL == "" {
		cfg.Mistral.BaseURL = "https://api.mistral.ai"
	}
	if cfg.Mistral.TimeoutSeconds == 0 {
		cfg.Mistral.TimeoutSeconds = 60
	}
	if cfg.Sync.IntervalSeconds == 0 {
		cfg.Sync.IntervalSeconds = 60
	}
	if cfg.Sync.MaxEmailsPerCycle == 0 {
		cfg.Sync.MaxEmailsPerCycle = 30
	}
	if cfg.Worker.JobsBatch == 0 {
		cfg.Worker.JobsBatch = 5
	}
	if cfg.Worker.IdleSleepSeconds == 0 {
		cfg.Worker.IdleSleepSeconds = 5
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
// If the YAML file is missing, env-only configuration is used.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("MISTRAL_API_KEY"); v != "" {
		cfg.Mistral.APIKey = v
	}
	if v := os.Getenv("MISTRAL_BASE_URL"); v != "" {
		cfg.Mistral.BaseURL = v
	}

	if v := os.Getenv("WORKER_MODE"); v != "" {
		cfg.Worker.Mode = parseBool(v)
	}
	if v := os.Getenv("AI_SUMM_ENABLED"); v != "" {
		cfg.Worker.SummarizeEnabled = parseBool(v)
	}
	if v := os.Getenv("AI_JOBS_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.JobsBatch = n
		}
	}
	if v := os.Getenv("AI_IDLE_SLEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.IdleSleepSeconds = n
		}
	}
	if v := os.Getenv("STRIP_REPLY_CHAINS"); v != "" {
		b := parseBool(v)
		cfg.Sync.StripReplyChains = &b
	}
	if v := os.Getenv("MAX_EMAILS_PER_CYCLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.MaxEmailsPerCycle = n
		}
	}

	return cfg, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "on" || v == "yes"
	}
	return b
}
