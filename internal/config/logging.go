package config

import (
	"fmt"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`  // debug, info, warn, error
	Format   string         `yaml:"format"` // text, json
	Dir      string         `yaml:"dir"`    // log directory path
	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     FileConfig     `yaml:"file"`
}

// RotationConfig holds log rotation settings
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // number of files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`    // gzip old files
}

// ConsoleConfig holds console output configuration
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// FileConfig holds file output configuration
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// DefaultLoggingConfig returns default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: ConsoleConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
		File: FileConfig{
			Enabled: false,
			Level:   "info",
			Format:  "text",
		},
	}
}

// Validate validates the configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}

	validFormats := map[string]bool{
		"text": true,
		"json": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}

	if c.Console.Enabled {
		if c.Console.Level != "" && !validLevels[c.Console.Level] {
			return fmt.Errorf("invalid console log level: %s", c.Console.Level)
		}
		if c.Console.Format != "" && !validFormats[c.Console.Format] {
			return fmt.Errorf("invalid console log format: %s", c.Console.Format)
		}
	}

	if c.File.Enabled {
		if c.Dir == "" {
			return fmt.Errorf("log directory cannot be empty when file logging is enabled")
		}
		if c.File.Level != "" && !validLevels[c.File.Level] {
			return fmt.Errorf("invalid file log level: %s", c.File.Level)
		}
		if c.File.Format != "" && !validFormats[c.File.Format] {
			return fmt.Errorf("invalid file log format: %s", c.File.Format)
		}
	}

	return nil
}
