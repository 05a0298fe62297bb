package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"govline/internal/domain"
)

// Config models govline.yml. Secrets never live here; the JWT and broker
// HMAC secrets come from GOVLINE_JWT_SECRET and GOVLINE_BROKER_SECRET.
type Config struct {
	Kernel struct {
		PrivilegedActor   string   `yaml:"privileged_actor"`
		StrictTransitions bool     `yaml:"strict_transitions"`
		AllowedGroups     []string `yaml:"allowed_groups"`
		PolicyVersion     int      `yaml:"policy_version"`
	} `yaml:"kernel"`
	Gates    map[string]string `yaml:"gates"`
	Dispatch struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"dispatch"`
	Broker struct {
		CallTimeoutSeconds int                       `yaml:"call_timeout_seconds"`
		RetryBudget        int                       `yaml:"retry_budget"`
		RetryBackoffMillis int                       `yaml:"retry_backoff_ms"`
		QueueDepth         int                       `yaml:"queue_depth"`
		GrantTTLDays       int                       `yaml:"grant_ttl_days"`
		Providers          map[string]ProviderConfig `yaml:"providers"`
	} `yaml:"broker"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ProviderConfig maps an action name to the capability level it requires.
// Actions absent from the map are denied outright. Endpoint is the base URL
// of the provider adapter; when empty the provider is check-only.
type ProviderConfig struct {
	Endpoint string            `yaml:"endpoint,omitempty"`
	Actions  map[string]string `yaml:"actions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Actions        []string `yaml:"actions"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// cronParser matches the loop's schedule syntax, seconds field included.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Kernel.PrivilegedActor == "" {
		return fmt.Errorf("config.kernel.privileged_actor is required")
	}
	for _, g := range c.Kernel.AllowedGroups {
		if g == "" {
			return fmt.Errorf("config.kernel.allowed_groups contains an empty group")
		}
	}
	if c.Kernel.PolicyVersion < 1 {
		return fmt.Errorf("config.kernel.policy_version must be >= 1")
	}
	for gateType, role := range c.Gates {
		if !domain.ValidGate(gateType) || gateType == domain.GateNone {
			return fmt.Errorf("config.gates references unknown gate %s", gateType)
		}
		if role == "" {
			return fmt.Errorf("config.gates.%s has empty approver role", gateType)
		}
	}
	for _, gateType := range domain.Gates {
		if gateType == domain.GateNone {
			continue
		}
		if _, ok := c.Gates[gateType]; !ok {
			return fmt.Errorf("config.gates must map gate %s to an approver role", gateType)
		}
	}
	if c.Dispatch.Schedule == "" {
		return fmt.Errorf("config.dispatch.schedule is required")
	}
	if _, err := cronParser.Parse(c.Dispatch.Schedule); err != nil {
		return fmt.Errorf("config.dispatch.schedule is not a valid cron expression: %w", err)
	}
	if c.Broker.CallTimeoutSeconds < 1 {
		return fmt.Errorf("config.broker.call_timeout_seconds must be >= 1")
	}
	if c.Broker.RetryBudget < 0 {
		return fmt.Errorf("config.broker.retry_budget must be >= 0")
	}
	if c.Broker.QueueDepth < 1 {
		return fmt.Errorf("config.broker.queue_depth must be >= 1")
	}
	if c.Broker.GrantTTLDays < 1 {
		return fmt.Errorf("config.broker.grant_ttl_days must be >= 1")
	}
	for provider, pc := range c.Broker.Providers {
		if provider == "" {
			return fmt.Errorf("config.broker.providers contains an empty provider name")
		}
		if len(pc.Actions) == 0 {
			return fmt.Errorf("provider %s has no actions; every allowed action needs a level", provider)
		}
		for action, level := range pc.Actions {
			if action == "" {
				return fmt.Errorf("provider %s has an empty action name", provider)
			}
			if !domain.ValidLevel(level) {
				return fmt.Errorf("provider %s action %s has unknown level %s", provider, action, level)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// ApproverFor returns the role authorized to approve a gate, or "".
func (c *Config) ApproverFor(gateType string) string {
	return c.Gates[gateType]
}

// RequiredLevel resolves the capability level an action needs. ok=false
// means the provider/action pair is not allowlisted and must be denied.
func (c *Config) RequiredLevel(provider, action string) (string, bool) {
	pc, ok := c.Broker.Providers[provider]
	if !ok {
		return "", false
	}
	level, ok := pc.Actions[action]
	return level, ok
}

// GroupAllowed reports whether a group may submit commands.
func (c *Config) GroupAllowed(group string) bool {
	if group == c.Kernel.PrivilegedActor {
		return true
	}
	for _, g := range c.Kernel.AllowedGroups {
		if g == group {
			return true
		}
	}
	return false
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Broker.CallTimeoutSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	if c.Broker.RetryBackoffMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Broker.RetryBackoffMillis) * time.Millisecond
}

func (c *Config) GrantTTL() time.Duration {
	return time.Duration(c.Broker.GrantTTLDays) * 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with gov config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `kernel:
  privileged_actor: main
  strict_transitions: true
  policy_version: 1
  allowed_groups:
    - dev-team
    - ops-team
    - content-team
    - security
    - revops
    - claims
    - product

gates:
  Security: security
  RevOps: revops
  Claims: claims
  Product: product

dispatch:
  schedule: "@every 5s"

broker:
  call_timeout_seconds: 10
  retry_budget: 2
  retry_backoff_ms: 250
  queue_depth: 4
  grant_ttl_days: 7
  providers:
    github:
      actions:
        read: L1
        comment: L2
        push: L2
        merge: L3
    railway:
      actions:
        status: L1
        deploy: L3
    stripe:
      actions:
        read: L1
        refund: L3

server:
  addr: "127.0.0.1:8787"
  base_path: /v0
`
