// Package config loads the application configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncwirehq/syncwire/internal/identity"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Store    StoreConfig     `yaml:"store"`
	PubSub   PubSubConfig    `yaml:"pubsub"`
	Identity identity.Config `yaml:"identity"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Heartbeat settings for realtime sessions
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	// AllowedOrigins restricts websocket upgrades; empty means any origin
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig selects and configures the document store backend
type StoreConfig struct {
	Backend string      `yaml:"backend"` // memory, mongodb
	MongoDB MongoConfig `yaml:"mongodb"`

	// Changefeed publishes document change events to the pubsub provider
	// (memory backend only; mongodb relies on change streams)
	Changefeed ChangefeedConfig `yaml:"changefeed"`
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ChangefeedConfig controls the store change event feed
type ChangefeedConfig struct {
	Enabled       bool   `yaml:"enabled"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// PubSubConfig selects and configures the pubsub provider
type PubSubConfig struct {
	Provider string     `yaml:"provider"` // memory, nats
	NATS     NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			HeartbeatInterval: 45 * time.Second,
			HeartbeatTimeout:  15 * time.Second,
		},
		Logging: DefaultLoggingConfig(),
		Store: StoreConfig{
			Backend: "memory",
			MongoDB: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "syncwire",
			},
			Changefeed: ChangefeedConfig{
				StreamName:    "SYNCWIRE_CHANGES",
				SubjectPrefix: "syncwire.changes",
			},
		},
		PubSub: PubSubConfig{
			Provider: "memory",
			NATS: NATSConfig{
				URL: "nats://localhost:4222",
			},
		},
		Identity: identity.DefaultConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> env overrides -> Validate
func LoadConfig(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	loadFile(configDir+"/config.yml", cfg)
	loadFile(configDir+"/config.local.yml", cfg)

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SYNCWIRE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SYNCWIRE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCWIRE_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("SYNCWIRE_MONGODB_URI"); v != "" {
		c.Store.MongoDB.URI = v
	}
	if v := os.Getenv("SYNCWIRE_MONGODB_DATABASE"); v != "" {
		c.Store.MongoDB.Database = v
	}
	if v := os.Getenv("SYNCWIRE_PUBSUB_PROVIDER"); v != "" {
		c.PubSub.Provider = v
	}
	if v := os.Getenv("SYNCWIRE_NATS_URL"); v != "" {
		c.PubSub.NATS.URL = v
	}
	if v := os.Getenv("SYNCWIRE_IDENTITY_SECRET"); v != "" {
		c.Identity.Secret = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.Server.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}

	switch c.Store.Backend {
	case "memory":
	case "mongodb":
		if c.Store.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri cannot be empty")
		}
		if c.Store.MongoDB.Database == "" {
			return fmt.Errorf("mongodb database cannot be empty")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory or mongodb)", c.Store.Backend)
	}

	switch c.PubSub.Provider {
	case "memory":
	case "nats":
		if c.PubSub.NATS.URL == "" {
			return fmt.Errorf("nats url cannot be empty")
		}
	default:
		return fmt.Errorf("invalid pubsub provider: %s (must be memory or nats)", c.PubSub.Provider)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	// Identity secret is only required once a client logs in; validated lazily
	// by identity.NewService so a store-only deployment can run without it.

	return nil
}
