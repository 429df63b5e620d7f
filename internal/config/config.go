// Package config loads server settings from the environment, with an
// optional YAML file for the same keys. Environment variables win over the
// file so containers can override a baked-in config.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects log verbosity and format.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// DefaultDatabaseName is used when MONGO_DATABASE_NAME is unset.
const DefaultDatabaseName = "exosphere-state-manager"

var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:3001",
}

// Config is the full server configuration.
type Config struct {
	MongoURI      string `yaml:"mongo_uri"`
	DatabaseName  string `yaml:"mongo_database_name"`
	APIKey        string `yaml:"state_manager_secret"`
	EncryptionKey string `yaml:"secrets_encryption_key"`

	CORSOrigins []string `yaml:"cors_origins"`
	Mode        Mode     `yaml:"mode"`
}

// Load reads path (may be empty) and overlays the environment. It fails when
// a required setting is missing.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DatabaseName: DefaultDatabaseName,
		Mode:         ModeProduction,
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	overlay(&cfg.MongoURI, "MONGO_URI")
	overlay(&cfg.DatabaseName, "MONGO_DATABASE_NAME")
	overlay(&cfg.APIKey, "STATE_MANAGER_SECRET")
	overlay(&cfg.EncryptionKey, "SECRETS_ENCRYPTION_KEY")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitOrigins(v)
	}
	if v := os.Getenv("MODE"); v != "" {
		cfg.Mode = Mode(v)
	}

	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGO_URI is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("STATE_MANAGER_SECRET is required")
	}
	if cfg.DatabaseName == "" {
		cfg.DatabaseName = DefaultDatabaseName
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = append([]string(nil), defaultCORSOrigins...)
	}
	switch cfg.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return nil, fmt.Errorf("MODE must be %q or %q, got %q", ModeDevelopment, ModeProduction, cfg.Mode)
	}
	return cfg, nil
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitOrigins(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
