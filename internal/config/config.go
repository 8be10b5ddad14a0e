package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"missionline/internal/domain"
)

const FileName = "missionline.yml"

// Config models missionline.yml.
type Config struct {
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Retry      Retry      `yaml:"retry"`
	Chain      Chain      `yaml:"chain"`
	Bridge     Bridge     `yaml:"bridge"`
	Server     Server     `yaml:"server"`
	Metrics    struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Tracing struct {
		Exporter string `yaml:"exporter"`
	} `yaml:"tracing"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Dispatcher struct {
	MaxQueueDepth int           `yaml:"max_queue_depth"`
	MaxInflight   int           `yaml:"max_inflight"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseSeconds  int           `yaml:"lease_seconds"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
}

type RateLimit struct {
	PerSourcePerMinute int    `yaml:"per_source_per_minute"`
	Policy             string `yaml:"policy"`
}

const (
	RatePolicySkipSource = "skip_source"
	RatePolicyStopPass   = "stop_pass"
)

type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type Chain struct {
	PollInterval      time.Duration      `yaml:"poll_interval"`
	ClaimLeaseSeconds int                `yaml:"claim_lease_seconds"`
	BatchLimit        int                `yaml:"batch_limit"`
	StrictTemplates   bool               `yaml:"strict_templates"`
	DefaultLimits     domain.ChainLimits `yaml:"default_limits"`
}

type Bridge struct {
	Kind string `yaml:"kind"`
	File struct {
		Outbox string `yaml:"outbox"`
		Inbox  string `yaml:"inbox"`
	} `yaml:"file"`
	Redis struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		QueueKey   string `yaml:"queue_key"`
		ResultsKey string `yaml:"results_key"`
	} `yaml:"redis"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	// WebhookInterval is how often new events are pushed to webhooks.
	WebhookInterval time.Duration `yaml:"webhook_interval"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatcher.MaxQueueDepth <= 0 {
		return fmt.Errorf("dispatcher.max_queue_depth must be positive")
	}
	if c.Dispatcher.MaxInflight <= 0 {
		return fmt.Errorf("dispatcher.max_inflight must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Dispatcher.LeaseSeconds <= 0 {
		return fmt.Errorf("dispatcher.lease_seconds must be positive")
	}
	if c.Dispatcher.RateLimit.PerSourcePerMinute < 0 {
		return fmt.Errorf("dispatcher.rate_limit.per_source_per_minute must not be negative")
	}
	switch c.Dispatcher.RateLimit.Policy {
	case RatePolicySkipSource, RatePolicyStopPass:
	default:
		return fmt.Errorf("dispatcher.rate_limit.policy must be %s or %s", RatePolicySkipSource, RatePolicyStopPass)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelayMS <= 0 {
		return fmt.Errorf("retry.base_delay_ms must be positive")
	}
	if c.Chain.PollInterval <= 0 {
		return fmt.Errorf("chain.poll_interval must be positive")
	}
	if c.Chain.ClaimLeaseSeconds <= 0 {
		return fmt.Errorf("chain.claim_lease_seconds must be positive")
	}
	if c.Chain.BatchLimit <= 0 {
		return fmt.Errorf("chain.batch_limit must be positive")
	}
	switch c.Bridge.Kind {
	case "file":
		if c.Bridge.File.Outbox == "" || c.Bridge.File.Inbox == "" {
			return fmt.Errorf("bridge.file.outbox and bridge.file.inbox are required")
		}
	case "redis":
		if c.Bridge.Redis.Addr == "" {
			return fmt.Errorf("bridge.redis.addr is required")
		}
	default:
		return fmt.Errorf("bridge.kind must be file or redis")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(DefaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// LeaseDuration is the dispatcher lease as a duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Dispatcher.LeaseSeconds) * time.Second
}

// ClaimLeaseDuration is the chain spec claim lease as a duration.
func (c *Config) ClaimLeaseDuration() time.Duration {
	return time.Duration(c.Chain.ClaimLeaseSeconds) * time.Second
}

// RetryBaseDelay is the first backoff step.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

const DefaultTemplate = `dispatcher:
  max_queue_depth: 500
  max_inflight: 20
  poll_interval: 2s
  lease_seconds: 300
  rate_limit:
    per_source_per_minute: 120
    policy: skip_source

retry:
  max_attempts: 3
  base_delay_ms: 500

chain:
  poll_interval: 1s
  claim_lease_seconds: 90
  batch_limit: 20
  strict_templates: false
  default_limits:
    max_files: 50
    max_total_bytes: 200000
    max_bytes_per_file: 50000

bridge:
  kind: file
  file:
    outbox: relay/out
    inbox: relay/in
  redis:
    addr: ""
    db: 0
    queue_key: missionline:jobs
    results_key: missionline:results

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  webhook_interval: 2s

metrics:
  enabled: true

tracing:
  exporter: none
`
