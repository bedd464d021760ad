package keyrouter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Preset    string            `yaml:"preset"`
	Store     StoreConfig       `yaml:"store"`
	Resources map[string]Policy `yaml:"resources"`
	Aliases   map[string]string `yaml:"aliases"`
	Keys      []KeyConfig       `yaml:"keys"`
	Seed      bool              `yaml:"seed"`
}

// StoreConfig selects and configures the quota store backend.
type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	Prefix    string        `yaml:"prefix"`
	Timeout   time.Duration `yaml:"timeout"`
	Retention time.Duration `yaml:"retention"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// KeyConfig configures a single pooled upstream key.
type KeyConfig struct {
	ID     string `yaml:"id"`
	APIKey string `yaml:"api_key"`
	// Resources limits the key to these resources. Empty means all.
	Resources []string `yaml:"resources"`
}

// Serves reports whether the key may be used for resource.
func (k KeyConfig) Serves(resource string) bool {
	if len(k.Resources) == 0 {
		return true
	}
	for _, r := range k.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keyrouter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML config data.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keyrouter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Policies returns the preset table overlaid with explicit resources.
func (c Config) Policies() map[string]Policy {
	out := make(map[string]Policy)
	for name, p := range presetPolicies(c.Preset) {
		out[name] = p
	}
	for name, p := range c.Resources {
		out[name] = p
	}
	return out
}

// AliasTable returns the preset aliases overlaid with explicit ones.
func (c Config) AliasTable() map[string]string {
	out := make(map[string]string)
	if c.Preset == PresetGroq {
		for alias, target := range GroqAliases() {
			out[alias] = target
		}
	}
	for alias, target := range c.Aliases {
		out[alias] = target
	}
	return out
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Preset != "" && presetPolicies(c.Preset) == nil {
		return fmt.Errorf("keyrouter: config: unknown preset %q", c.Preset)
	}

	switch c.Store.Driver {
	case "", DriverMemory, DriverSQLite, DriverRedis, DriverPostgres:
	default:
		return fmt.Errorf("keyrouter: config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Timeout < 0 {
		return fmt.Errorf("keyrouter: config: store timeout must not be negative")
	}

	policies := c.Policies()
	if len(policies) == 0 {
		return fmt.Errorf("keyrouter: config: at least one resource is required")
	}
	for name, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("keyrouter: config: resource %q: %w", name, err)
		}
	}

	if len(c.Keys) == 0 {
		return fmt.Errorf("keyrouter: config: at least one key is required")
	}

	ids := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.ID == "" {
			return fmt.Errorf("keyrouter: config: keys[%d]: id is required", i)
		}
		if ids[k.ID] {
			return fmt.Errorf("keyrouter: config: duplicate key id %q", k.ID)
		}
		ids[k.ID] = true

		for _, r := range k.Resources {
			if _, ok := policies[r]; !ok {
				return fmt.Errorf("keyrouter: config: keys[%d] (%s): unknown resource %q", i, k.ID, r)
			}
		}
	}

	for alias, target := range c.AliasTable() {
		if _, ok := policies[target]; !ok {
			return fmt.Errorf("keyrouter: config: alias %q: unknown resource %q", alias, target)
		}
	}

	return nil
}
