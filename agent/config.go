package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides the apiKey field of the config file.
const EnvAPIKey = "AGENT_API_KEY"

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Target is one monitored host. A non-zero Port switches the probe from
// ICMP echo to a TCP connect.
type Target struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config is the agent configuration file. JSON files are accepted since
// JSON is valid YAML.
type Config struct {
	Targets         []Target `yaml:"targets"`
	Endpoint        string   `yaml:"endpoint"`
	APIKey          string   `yaml:"apiKey"`
	IntervalSeconds int      `yaml:"intervalSeconds"`
	TimeoutSeconds  int      `yaml:"timeoutSeconds"`
}

// Interval returns the polling period.
func (c *Config) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return defaultInterval
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the per-target probe timeout.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

var (
	ErrConfigExtension = errors.New("config path must be a .yaml, .yml or .json file")
	ErrNoTargets       = errors.New(`missing or invalid "targets" in config`)
	ErrNoEndpoint      = errors.New(`missing "endpoint" in config`)
	ErrNoAPIKey        = errors.New("API key not configured (set " + EnvAPIKey + " or apiKey)")
	ErrInsecure        = errors.New("endpoint must use HTTPS unless it points at localhost")
)

// LoadConfig reads the agent config at path, applies the AGENT_API_KEY
// override and validates the result.
func LoadConfig(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, ErrConfigExtension
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the agent can run with cfg.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return ErrNoTargets
	}
	for i, t := range c.Targets {
		if t.Name == "" || t.Host == "" {
			return fmt.Errorf("target %d: name and host are required", i)
		}
		if t.Port < 0 || t.Port > 65535 {
			return fmt.Errorf("target %q: invalid port %d", t.Name, t.Port)
		}
	}
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.APIKey == "" || strings.Contains(c.APIKey, "CHANGE_ME") {
		return ErrNoAPIKey
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", c.Endpoint)
	}
	if u.Scheme != "https" && !isLocalHost(u.Hostname()) {
		return ErrInsecure
	}
	return nil
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// MaskedKey shows only the first and last four characters of the key.
func (c *Config) MaskedKey() string {
	if len(c.APIKey) <= 8 {
		return "****"
	}
	return c.APIKey[:4] + "..." + c.APIKey[len(c.APIKey)-4:]
}
