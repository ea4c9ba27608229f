package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models responder.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"org"`
	Playbooks struct {
		// StepTimeout bounds each automated playbook step. Zero means the
		// built-in default of 5m.
		StepTimeout Duration `yaml:"step_timeout"`
	} `yaml:"playbooks"`
	Notifications struct {
		Channels map[string]NotificationChannel `yaml:"channels"`
		// Routes maps a severity to the channel names notified for it.
		Routes map[string][]string `yaml:"routes"`
	} `yaml:"notifications"`
	Monitoring struct {
		Enabled bool `yaml:"enabled"`
		// Systems lists identifiers the monitor tags as watched after an
		// incident touches them.
		Systems []string `yaml:"systems"`
	} `yaml:"monitoring"`
}

// Duration wraps time.Duration so YAML values like "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type NotificationChannel struct {
	URL         string `yaml:"url"`
	Secret      string `yaml:"secret"`
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rsp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Org.Kind != "incident-response" {
		return fmt.Errorf("config.org.kind must be 'incident-response'")
	}
	if c.Playbooks.StepTimeout < 0 {
		return fmt.Errorf("config.playbooks.step_timeout must not be negative")
	}
	for name, ch := range c.Notifications.Channels {
		if name == "" {
			return fmt.Errorf("config.notifications.channels contains empty channel name")
		}
		if ch.URL == "" {
			return fmt.Errorf("channel %s has empty url", name)
		}
	}
	for severity, channels := range c.Notifications.Routes {
		switch severity {
		case "critical", "high", "medium", "low":
		default:
			return fmt.Errorf("config.notifications.routes has unknown severity %s", severity)
		}
		for _, name := range channels {
			if name == "" {
				return fmt.Errorf("route for severity %s has empty channel name", severity)
			}
			if _, ok := c.Notifications.Channels[name]; !ok {
				return fmt.Errorf("route for severity %s references unknown channel %s", severity, name)
			}
		}
	}
	return nil
}

// StepTimeout returns the configured playbook step timeout or the default.
func (c *Config) StepTimeout() time.Duration {
	if c != nil && c.Playbooks.StepTimeout > 0 {
		return time.Duration(c.Playbooks.StepTimeout)
	}
	return 5 * time.Minute
}

// ChannelsFor resolves the channels routed for a severity.
func (c *Config) ChannelsFor(severity string) []NotificationChannel {
	if c == nil {
		return nil
	}
	var out []NotificationChannel
	for _, name := range c.Notifications.Routes[severity] {
		if ch, ok := c.Notifications.Channels[name]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// WatchedSystems returns the subset of systems on the monitoring watch
// list, preserving the input order.
func (c *Config) WatchedSystems(systems []string) []string {
	if c == nil || len(c.Monitoring.Systems) == 0 {
		return nil
	}
	watched := make(map[string]bool, len(c.Monitoring.Systems))
	for _, s := range c.Monitoring.Systems {
		watched[s] = true
	}
	var out []string
	for _, s := range systems {
		if watched[s] {
			out = append(out, s)
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "responder.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	cfg.Org.Kind = "incident-response"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
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

const defaultTemplate = `org:
  id: %s
  kind: incident-response

playbooks:
  step_timeout: 5m

notifications:
  channels: {}
  routes: {}

monitoring:
  enabled: true
  systems: []
`
