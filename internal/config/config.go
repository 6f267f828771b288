package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bidreach.yml.
type Config struct {
	Server struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		BasePath string `yaml:"base_path"`
		Auth     struct {
			JWTSecret string `yaml:"jwt_secret"`
		} `yaml:"auth"`
	} `yaml:"server"`
	Discovery struct {
		Provider     string             `yaml:"provider"`
		BaseURL      string             `yaml:"base_url"`
		APIKey       string             `yaml:"api_key"`
		RadiusMeters int                `yaml:"radius_meters"`
		MaxResults   int                `yaml:"max_results"`
		Timeout      string             `yaml:"timeout"`
		Static       []StaticContractor `yaml:"static"`
	} `yaml:"discovery"`
	Channels struct {
		Email struct {
			ChannelConfig `yaml:",inline"`
			From          string `yaml:"from"`
			Subject       string `yaml:"subject"`
			SMTP          struct {
				Host     string `yaml:"host"`
				Port     int    `yaml:"port"`
				Username string `yaml:"username"`
				Password string `yaml:"password"`
			} `yaml:"smtp"`
		} `yaml:"email"`
		SMS struct {
			ChannelConfig `yaml:",inline"`
			FromNumber    string         `yaml:"from_number"`
			Provider      ProviderConfig `yaml:"provider"`
		} `yaml:"sms"`
		Voice struct {
			ChannelConfig `yaml:",inline"`
			FromNumber    string         `yaml:"from_number"`
			ScriptURL     string         `yaml:"script_url"`
			Provider      ProviderConfig `yaml:"provider"`
		} `yaml:"voice"`
	} `yaml:"channels"`
	Dispatch struct {
		PollInterval string `yaml:"poll_interval"`
		DryRun       bool   `yaml:"dry_run"`
	} `yaml:"dispatch"`
	Personalize struct {
		ServiceURL string `yaml:"service_url"`
		APIKey     string `yaml:"api_key"`
		Template   string `yaml:"template"`
	} `yaml:"personalize"`
	Notify []WebhookConfig `yaml:"notify"`
}

// WebhookConfig is one outbound event subscription. Every stored event whose
// type matches Events is POSTed to URL in insertion order.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// ChannelConfig carries the retry policy for one channel.
type ChannelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MaxAttempts  int    `yaml:"max_attempts"`
	Backoff      string `yaml:"backoff"`
	BackoffShape string `yaml:"backoff_shape"`
	AckDeadline  string `yaml:"ack_deadline"`
}

// BackoffBase returns the parsed backoff duration. Validate guarantees parseability.
func (c ChannelConfig) BackoffBase() time.Duration {
	d, _ := time.ParseDuration(c.Backoff)
	return d
}

// AckTimeout returns how long a dispatched attempt may stay unacknowledged.
func (c ChannelConfig) AckTimeout() time.Duration {
	d, _ := time.ParseDuration(c.AckDeadline)
	return d
}

// ProviderConfig points at a Twilio-style messaging/voice HTTP provider.
type ProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// StaticContractor seeds the static discovery provider.
type StaticContractor struct {
	Name      string  `yaml:"name"`
	Address   string  `yaml:"address"`
	ZipCode   string  `yaml:"zip_code"`
	Phone     string  `yaml:"phone"`
	Email     string  `yaml:"email"`
	Website   string  `yaml:"website"`
	Relevance float64 `yaml:"relevance"`
}

// Channel returns the policy block for a channel name.
func (c *Config) Channel(name string) ChannelConfig {
	switch name {
	case "email":
		return c.Channels.Email.ChannelConfig
	case "sms":
		return c.Channels.SMS.ChannelConfig
	case "voice":
		return c.Channels.Voice.ChannelConfig
	}
	return ChannelConfig{}
}

// PollInterval returns the parsed dispatch loop interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Dispatch.PollInterval)
	return d
}

// DiscoveryTimeout returns the parsed discovery request timeout.
func (c *Config) DiscoveryTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Discovery.Timeout)
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with br config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be 1-65535")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Discovery.Provider {
	case "places":
		if c.Discovery.BaseURL == "" {
			return fmt.Errorf("config.discovery.base_url is required for the places provider")
		}
	case "static":
	default:
		return fmt.Errorf("config.discovery.provider must be places or static")
	}
	if c.Discovery.MaxResults < 1 {
		return fmt.Errorf("config.discovery.max_results must be >= 1")
	}
	if c.Discovery.RadiusMeters < 1 {
		return fmt.Errorf("config.discovery.radius_meters must be >= 1")
	}
	if err := validDuration("config.discovery.timeout", c.Discovery.Timeout); err != nil {
		return err
	}
	channels := map[string]ChannelConfig{
		"email": c.Channels.Email.ChannelConfig,
		"sms":   c.Channels.SMS.ChannelConfig,
		"voice": c.Channels.Voice.ChannelConfig,
	}
	enabled := 0
	for name, ch := range channels {
		if !ch.Enabled {
			continue
		}
		enabled++
		if ch.MaxAttempts < 1 {
			return fmt.Errorf("config.channels.%s.max_attempts must be >= 1", name)
		}
		if ch.BackoffShape != "exponential" && ch.BackoffShape != "linear" {
			return fmt.Errorf("config.channels.%s.backoff_shape must be exponential or linear", name)
		}
		if err := validDuration(fmt.Sprintf("config.channels.%s.backoff", name), ch.Backoff); err != nil {
			return err
		}
		if err := validDuration(fmt.Sprintf("config.channels.%s.ack_deadline", name), ch.AckDeadline); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config.channels: at least one channel must be enabled")
	}
	if err := validDuration("config.dispatch.poll_interval", c.Dispatch.PollInterval); err != nil {
		return err
	}
	if strings.TrimSpace(c.Personalize.Template) == "" {
		return fmt.Errorf("config.personalize.template is required as the fallback message")
	}
	for i, hook := range c.Notify {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify[%d].url is required", i)
		}
	}
	return nil
}

func validDuration(field, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bidreach.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  host: 127.0.0.1
  port: 8085
  base_path: /v0
  auth:
    jwt_secret: ""

discovery:
  provider: static
  base_url: ""
  api_key: ""
  radius_meters: 25000
  max_results: 20
  timeout: 10s
  static: []

channels:
  email:
    enabled: true
    max_attempts: 3
    backoff: 5m
    backoff_shape: exponential
    ack_deadline: 6h
    from: ""
    subject: "Bid Request: {{.ProjectType}}"
    smtp:
      host: ""
      port: 587
      username: ""
      password: ""
  sms:
    enabled: true
    max_attempts: 3
    backoff: 2m
    backoff_shape: exponential
    ack_deadline: 1h
    from_number: ""
    provider:
      base_url: https://api.twilio.com/2010-04-01
      account_sid: ""
      auth_token: ""
  voice:
    enabled: true
    max_attempts: 2
    backoff: 30m
    backoff_shape: linear
    ack_deadline: 15m
    from_number: ""
    script_url: ""
    provider:
      base_url: https://api.twilio.com/2010-04-01
      account_sid: ""
      auth_token: ""

dispatch:
  poll_interval: 5s
  dry_run: true

notify: []

personalize:
  service_url: ""
  api_key: ""
  template: |
    Hello {{.ContractorName}},

    We're currently accepting bids for a {{.ProjectType}} project and would
    like to invite you to submit a proposal. Here are the project details:
    {{.ProjectDetails}}

    If you're interested, use the link in this message to submit your bid.
    We look forward to working with you.

    Thank you,
    The Project Team
`
