package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"http"`
	Auth struct {
		JWTPublicKeys []string `yaml:"jwt_public_keys"` // rutas a PEM
		Issuer        string   `yaml:"issuer"`
		Audience      string   `yaml:"audience"`
	} `yaml:"auth"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Plugins struct {
		Dir         string                    `yaml:"dir"`      // base para rutas relativas
		Manifest    string                    `yaml:"manifest"` // plugins.json
		Watch       bool                      `yaml:"watch"`
		Concurrency int                       `yaml:"concurrency"`
		Builtin     []string                  `yaml:"builtin"`
		Config      map[string]map[string]any `yaml:"config"`
	} `yaml:"plugins"`
	Events struct {
		LogCapacity int    `yaml:"log_capacity"` // < 0 keeps the full history
		MaxDepth    int    `yaml:"max_depth"`
		AuditDB     string `yaml:"audit_db"`
	} `yaml:"events"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "."
	}
	if c.Plugins.Concurrency <= 0 {
		c.Plugins.Concurrency = 4
	}
	if c.Plugins.Builtin == nil {
		c.Plugins.Builtin = []string{"validator", "notifier", "articles", "push-notifications", "metrics"}
	}
	if c.Events.LogCapacity == 0 {
		c.Events.LogCapacity = 1024
	}
	if c.Events.MaxDepth <= 0 {
		c.Events.MaxDepth = 32
	}
}

// PluginConfig returns the settings block for one plugin, never nil.
func (c *Config) PluginConfig(name string) map[string]any {
	if m, ok := c.Plugins.Config[name]; ok && m != nil {
		return m
	}
	return map[string]any{}
}
