// Package config loads the application configuration from a YAML file and
// applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"` // HMAC signing secret.
	Expiry time.Duration `yaml:"expiry"` // Token lifetime.
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	Root string `yaml:"root"` // Filesystem root for stored blobs.
}

// SearchConfig holds instance search settings.
type SearchConfig struct {
	CaseSensitive bool `yaml:"case-sensitive"` // Substring match case sensitivity.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`       // logrus level name.
	File       string `yaml:"file"`        // Optional log file path; stdout when empty.
	MaxSizeMB  int    `yaml:"max-size"`    // Rotation size threshold in MB.
	MaxBackups int    `yaml:"max-backups"` // Rotated files to keep.
}

// Config is the full application configuration.
type Config struct {
	Addr     string        `yaml:"addr"`     // HTTP listen address.
	Database string        `yaml:"database"` // GORM DSN (sqlite path or postgres URL).
	JWT      JWTConfig     `yaml:"jwt"`
	Storage  StorageConfig `yaml:"storage"`
	Search   SearchConfig  `yaml:"search"`
	Log      LogConfig     `yaml:"log"`
}

// Load reads and parses the config file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	var cfg Config
	if errParse := yaml.Unmarshal(data, &cfg); errParse != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errParse)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, fmt.Errorf("config: jwt.secret is required")
	}
	return &cfg, nil
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = "data/schemaforge.db"
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = 24 * time.Hour
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		c.Storage.Root = "data/files"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
}
