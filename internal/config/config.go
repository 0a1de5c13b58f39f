package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LivenessPID   = "pid"
	LivenessTrust = "trust"

	RoleDriver   = "driver"
	RoleOperator = "operator"
)

// Config models trunkline.yml.
type Config struct {
	Trunk struct {
		Dir       string `yaml:"dir"`
		Ref       string `yaml:"ref"`
		Integrate bool   `yaml:"integrate"`
	} `yaml:"trunk"`
	Readiness struct {
		Command []string      `yaml:"command"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"readiness"`
	Liveness struct {
		Mode string `yaml:"mode"`
	} `yaml:"liveness"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		Stdout       bool   `yaml:"stdout"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
	RBAC struct {
		Roles  map[string]RBACRole `yaml:"roles"`
		Actors map[string][]string `yaml:"actors"`
	} `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Webhook subscribes url to events. An empty event list means every event.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Trunk.Ref == "" {
		return fmt.Errorf("config.trunk.ref is required")
	}
	switch c.Liveness.Mode {
	case LivenessPID, LivenessTrust:
	default:
		return fmt.Errorf("config.liveness.mode must be %q or %q", LivenessPID, LivenessTrust)
	}
	if c.Readiness.Timeout < 0 {
		return fmt.Errorf("config.readiness.timeout must not be negative")
	}
	for i, arg := range c.Readiness.Command {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("config.readiness.command[%d] is empty", i)
		}
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config.logging.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logging.Level)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles[RoleOperator]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", RoleOperator)
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for actor, roles := range c.RBAC.Actors {
		if actor == "" {
			return fmt.Errorf("config.rbac.actors has empty actor id")
		}
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("actor %s references unknown role %s", actor, roleID)
			}
		}
	}
	for i, wh := range c.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q must be an http(s) URL", i, wh.URL)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trunkline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ref string) string {
	if ref == "" {
		ref = "main"
	}
	return fmt.Sprintf(defaultTemplate, ref)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default(ref string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(ref))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it. Roles named
// in the file replace the default role of the same name.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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

// TrunkDir resolves the trunk directory against workspace.
func (c *Config) TrunkDir(workspace string) string {
	dir := c.Trunk.Dir
	if dir == "" {
		dir = "."
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

const defaultTemplate = `trunk:
  dir: .
  ref: %s
  integrate: false

readiness:
  # command prints {"score": 0-10, "verdict": "...", "issues": [...]} for the
  # slug passed as its last argument
  command: []
  timeout: 2m

liveness:
  mode: pid

server:
  addr: 127.0.0.1:7420
  base_path: ""

logging:
  level: INFO
  file: .trunkline/logs/trunkline.log

telemetry:
  enabled: false
  stdout: false
  otlp_endpoint: ""

rbac:
  roles:
    driver:
      description: "Worker driver: reads next actions, reports outcomes, holds leases"
      permissions: [item.read, item.report, lease.write, deferral.submit, deferral.process, finalize.run]
    operator:
      description: "Operator: everything a driver can do plus authoring and overrides"
      permissions: [item.read, item.report, item.write, lease.write, lease.admin, deferral.submit, deferral.process, finalize.run, finalize.admin, rbac.admin]
  actors: {}

webhooks: []
`
