package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models overseer.yml.
type Config struct {
	Pipeline struct {
		ID         string `yaml:"id"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"pipeline"`
	Checkpoints struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		Phases map[string]string `yaml:"phases"`
	} `yaml:"checkpoints"`
	Documents struct {
		LockTTLSeconds        int      `yaml:"lock_ttl_seconds"`
		LockPollMillis        int      `yaml:"lock_poll_millis"`
		LockTimeoutSeconds    int      `yaml:"lock_timeout_seconds"`
		MaxEntryBytes         int      `yaml:"max_entry_bytes"`
		Immutable             []string `yaml:"immutable"`
		Mutable               []string `yaml:"mutable"`
		Feature               []string `yaml:"feature"`
		ForbiddenContent      []string `yaml:"forbidden_content"`
		ForbiddenContentExtra []string `yaml:"forbidden_content_extra"`
	} `yaml:"documents"`
	RateLimits struct {
		WindowSeconds int            `yaml:"window_seconds"`
		Ceilings      map[string]int `yaml:"ceilings"`
	} `yaml:"rate_limits"`
	Security struct {
		HighPerMinute        int      `yaml:"high_per_minute"`
		AnomalyResetSeconds  int      `yaml:"anomaly_reset_seconds"`
		ImmediateHaltEvents  []string `yaml:"immediate_halt_events"`
		EventHistoryCapacity int      `yaml:"event_history_capacity"`
	} `yaml:"security"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with ovs config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace, pipelineID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(pipelineID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("config.pipeline.max_retries must be >= 0")
	}
	for phase, checkpoint := range c.Checkpoints.Phases {
		if checkpoint == "" {
			return fmt.Errorf("checkpoint for phase %s is empty", phase)
		}
		if len(c.Checkpoints.Catalog) > 0 {
			if _, ok := c.Checkpoints.Catalog[checkpoint]; !ok {
				return fmt.Errorf("phase %s references unknown checkpoint %s", phase, checkpoint)
			}
		}
	}
	if c.Documents.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.documents.lock_ttl_seconds must be > 0")
	}
	if c.Documents.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("config.documents.lock_timeout_seconds must be > 0")
	}
	if c.Documents.MaxEntryBytes <= 0 {
		return fmt.Errorf("config.documents.max_entry_bytes must be > 0")
	}
	if c.RateLimits.WindowSeconds <= 0 {
		return fmt.Errorf("config.rate_limits.window_seconds must be > 0")
	}
	for key, ceiling := range c.RateLimits.Ceilings {
		if key == "" {
			return fmt.Errorf("config.rate_limits.ceilings contains empty key")
		}
		if ceiling <= 0 {
			return fmt.Errorf("ceiling for %s must be > 0", key)
		}
	}
	if c.Security.HighPerMinute <= 0 {
		return fmt.Errorf("config.security.high_per_minute must be > 0")
	}
	for _, evt := range c.Security.ImmediateHaltEvents {
		if evt == "" {
			return fmt.Errorf("config.security.immediate_halt_events contains empty type")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "overseer.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pipelineID string) string {
	return fmt.Sprintf(defaultTemplate, pipelineID)
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, pipelineID)), &cfg)
	cfg.Pipeline.ID = pipelineID
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

const defaultTemplate = `pipeline:
  id: %s
  max_retries: 3

checkpoints:
  catalog:
    REQUIREMENT_REVIEW:
      description: "Inferred task parameters need human confirmation"
    RISKY_ACTION_REVIEW:
      description: "A destructive or irreversible action is queued"
    DESIGN_APPROVAL:
      description: "Generated design needs sign-off before build phases"
    MANUAL_FIX:
      description: "Automated retries exhausted; manual repair required"
    DEPLOYMENT_APPROVAL:
      description: "Final artifacts need sign-off before release"

  phases:
    design: DESIGN_APPROVAL
    deploy: DEPLOYMENT_APPROVAL

documents:
  lock_ttl_seconds: 30
  lock_poll_millis: 250
  lock_timeout_seconds: 15
  max_entry_bytes: 65536

  immutable:
    - "*.policy.md"
    - "requirements/**"
    - "contracts/**"
  mutable:
    - "docs/**"
    - "*.md"
  feature:
    - "work/**"
    - "artifacts/**"

  forbidden_content:
    - '(?i)rm\s+-rf\s+/'
    - '(?i)drop\s+table'
    - '(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?'
    - '(?i)bearer\s+[A-Za-z0-9_\-./+=]{16,}'
    - '-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----'
    - '(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?'
    - '<script[\s>]'

rate_limits:
  window_seconds: 60
  ceilings:
    produce: 30
    validate: 60
    document.write: 20
    document.delete: 5

security:
  high_per_minute: 5
  anomaly_reset_seconds: 60
  event_history_capacity: 100
  immediate_halt_events:
    - CHAIN_BREAK
    - UNAUTHORIZED_RELEASE_STORM
`
