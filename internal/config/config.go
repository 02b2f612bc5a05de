package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bailmobilite.yml, the operational policy of a workspace.
type Config struct {
	Notifications struct {
		ExitReminderDaysBefore int           `yaml:"exit_reminder_days_before"`
		SweepInterval          time.Duration `yaml:"sweep_interval"`
		BatchSize              int           `yaml:"batch_size"`
		MaxDeliveryAttempts    int           `yaml:"max_delivery_attempts"`
		Webhook                Webhook       `yaml:"webhook"`
		Redis                  Redis         `yaml:"redis"`
	} `yaml:"notifications"`
	CorrectiveActions struct {
		DueDays map[string]int `yaml:"due_days"`
	} `yaml:"corrective_actions"`
	Incidents struct {
		SeverityOverrides        map[string]string `yaml:"severity_overrides"`
		OverdueMissionGraceHours int               `yaml:"overdue_mission_grace_hours"`
	} `yaml:"incidents"`
	Signatures struct {
		InvitationBaseURL   string              `yaml:"invitation_base_url"`
		DefaultTimeoutHours int                 `yaml:"default_timeout_hours"`
		RoleRules           map[string][]string `yaml:"role_rules"`
	} `yaml:"signatures"`
	Storage Storage `yaml:"storage"`
}

type Webhook struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxElapsed     string `yaml:"max_elapsed"`
}

type Redis struct {
	Addr string `yaml:"addr"`
	List string `yaml:"list"`
}

type Storage struct {
	Driver   string `yaml:"driver"`
	LocalDir string `yaml:"local_dir"`
	S3       struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		PathStyle bool   `yaml:"path_style"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"s3"`
}

var priorities = []string{"urgent", "high", "medium", "low"}

var knownRules = map[string]bool{
	"signature_required":         true,
	"timestamp_required":         true,
	"ip_address_required":        true,
	"license_number_required":    true,
	"seal_data_required":         true,
	"identity_document_required": true,
}

// KnownRule reports whether a signature validation rule name is understood.
func KnownRule(name string) bool {
	return knownRules[name]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Notifications.ExitReminderDaysBefore <= 0 {
		return fmt.Errorf("notifications.exit_reminder_days_before must be positive")
	}
	if c.Notifications.SweepInterval <= 0 {
		return fmt.Errorf("notifications.sweep_interval must be positive")
	}
	if c.Notifications.BatchSize <= 0 {
		return fmt.Errorf("notifications.batch_size must be positive")
	}
	if c.Notifications.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("notifications.max_delivery_attempts must be positive")
	}
	if c.Notifications.Webhook.MaxElapsed != "" {
		if _, err := time.ParseDuration(c.Notifications.Webhook.MaxElapsed); err != nil {
			return fmt.Errorf("notifications.webhook.max_elapsed: %w", err)
		}
	}
	for _, p := range priorities {
		days, ok := c.CorrectiveActions.DueDays[p]
		if !ok {
			return fmt.Errorf("corrective_actions.due_days.%s is required", p)
		}
		if days <= 0 {
			return fmt.Errorf("corrective_actions.due_days.%s must be positive", p)
		}
	}
	for typ, sev := range c.Incidents.SeverityOverrides {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("incidents.severity_overrides.%s has unknown severity %q", typ, sev)
		}
	}
	if c.Incidents.OverdueMissionGraceHours < 0 {
		return fmt.Errorf("incidents.overdue_mission_grace_hours must be >= 0")
	}
	if c.Signatures.InvitationBaseURL == "" {
		return fmt.Errorf("signatures.invitation_base_url is required")
	}
	if c.Signatures.DefaultTimeoutHours < 0 {
		return fmt.Errorf("signatures.default_timeout_hours must be >= 0")
	}
	for role, rules := range c.Signatures.RoleRules {
		for _, rule := range rules {
			if !KnownRule(rule) {
				return fmt.Errorf("signatures.role_rules.%s references unknown rule %s", role, rule)
			}
		}
	}
	switch c.Storage.Driver {
	case "", "local", "none":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.driver must be local, s3 or none")
	}
	return nil
}

// DueDays returns the corrective action window for a priority.
func (c *Config) DueDays(priority string) int {
	if d, ok := c.CorrectiveActions.DueDays[priority]; ok {
		return d
	}
	return c.CorrectiveActions.DueDays["medium"]
}

// InvitationURL builds the public signing link for a token.
func (c *Config) InvitationURL(token string) string {
	return strings.TrimRight(c.Signatures.InvitationBaseURL, "/") + "/" + token
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bailmobilite.yml")
}

// Load reads config from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in policy.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
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

const defaultTemplate = `notifications:
  exit_reminder_days_before: 10
  sweep_interval: 1m
  batch_size: 100
  max_delivery_attempts: 5
  webhook:
    url: ""
    timeout_seconds: 5
    max_elapsed: 30s
  redis:
    addr: ""
    list: bm:notifications

corrective_actions:
  due_days:
    urgent: 1
    high: 3
    medium: 7
    low: 14

incidents:
  overdue_mission_grace_hours: 24

signatures:
  invitation_base_url: http://localhost:8080/v1/sign
  default_timeout_hours: 72
  role_rules:
    landlord: [license_number_required]
    notary: [seal_data_required]
    witness: [identity_document_required]

storage:
  driver: local
  local_dir: .bailmobilite/archive
`
