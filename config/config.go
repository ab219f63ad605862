// Package config loads client configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root client configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds chat server connection settings.
type ServerConfig struct {
	Host    string `yaml:"host"     env:"MSGR_SERVER_HOST"  env-default:"localhost:6060"`
	UseTLS  bool   `yaml:"use_tls"  env:"MSGR_SERVER_TLS"   env-default:"false"`
	APIKey  string `yaml:"api_key"  env:"MSGR_API_KEY"`
	AppName string `yaml:"app_name" env:"MSGR_APP_NAME"     env-default:"msgr"`
}

// DatabaseConfig holds local-store settings. Backend selects the storage
// engine implementation: "postgres", "mongo" or "memory".
type DatabaseConfig struct {
	Backend         string        `yaml:"backend"            env:"MSGR_DB_BACKEND"        env-default:"memory"`
	DSN             string        `yaml:"dsn"                env:"MSGR_DB_DSN"`
	MongoURI        string        `yaml:"mongo_uri"          env:"MSGR_DB_MONGO_URI"`
	MongoDatabase   string        `yaml:"mongo_database"     env:"MSGR_DB_MONGO_DATABASE" env-default:"msgr"`
	MaxConns        int32         `yaml:"max_conns"          env:"MSGR_DB_MAX_CONNS"      env-default:"4"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"MSGR_DB_MAX_CONN_LIFE"  env-default:"1h"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"MSGR_LOG_LEVEL" env-default:"info"`
}

// Load reads configuration from a YAML file and the environment.
// Priority: ENV > YAML > defaults. The file path comes from MSGR_CONFIG
// (fallback "./config.yaml"); a missing default file is not an error.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("MSGR_CONFIG")
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	return nil
}
