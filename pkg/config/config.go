// Package config loads and validates mktreplay settings from INI files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Config holds all server settings. durations are expressed in milliseconds
// to match the config file keys.
type Config struct {
	Listen          string // address the HTTP server binds to
	CatalogueSource string // path or http(s) url of the event catalogue CSV

	PublishTickMs   int // publication tick period
	SessionTTLMs    int // idle time before a session is evicted
	OutboundCap     int // outbound channel capacity per session
	EvictIntervalMs int // how often the eviction sweep runs
}

// Default returns the configuration used when no file and no flags are given.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		PublishTickMs:   1,
		SessionTTLMs:    3600000,
		OutboundCap:     1024,
		EvictIntervalMs: 60000,
	}
}

// Load reads configuration from the given INI file on top of the defaults.
// an empty path returns the defaults; a named file has to exist.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's command line
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := c.parseBytes(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// parseBytes parses INI data into c, overriding only the keys present.
func (c *Config) parseBytes(data []byte) error {
	// ignoreInlineComment keeps # usable inside values, e.g. url fragments
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return fmt.Errorf("parse ini: %w", err)
	}

	section := cfg.Section("") // default section (no section header)

	if key, err := section.GetKey("listen"); err == nil {
		c.Listen = key.String()
	}
	if key, err := section.GetKey("catalogueSource"); err == nil {
		c.CatalogueSource = key.String()
	}
	if key, err := section.GetKey("publishTickMillis"); err == nil {
		val, err := key.Int()
		if err != nil {
			return fmt.Errorf("invalid publishTickMillis: %w", err)
		}
		c.PublishTickMs = val
	}
	if key, err := section.GetKey("sessionTtlMillis"); err == nil {
		val, err := key.Int()
		if err != nil {
			return fmt.Errorf("invalid sessionTtlMillis: %w", err)
		}
		c.SessionTTLMs = val
	}
	if key, err := section.GetKey("outboundCapacity"); err == nil {
		val, err := key.Int()
		if err != nil {
			return fmt.Errorf("invalid outboundCapacity: %w", err)
		}
		c.OutboundCap = val
	}
	if key, err := section.GetKey("evictIntervalMillis"); err == nil {
		val, err := key.Int()
		if err != nil {
			return fmt.Errorf("invalid evictIntervalMillis: %w", err)
		}
		c.EvictIntervalMs = val
	}

	return nil
}

// Validate checks that the effective configuration can run a server.
// called after command line overrides are applied.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.CatalogueSource == "" {
		return fmt.Errorf("catalogueSource required, set it in the config file or with --source")
	}
	if c.PublishTickMs < 1 {
		return fmt.Errorf("publishTickMillis must be positive, got %d", c.PublishTickMs)
	}
	if c.SessionTTLMs < 1 {
		return fmt.Errorf("sessionTtlMillis must be positive, got %d", c.SessionTTLMs)
	}
	if c.OutboundCap < 1 {
		return fmt.Errorf("outboundCapacity must be positive, got %d", c.OutboundCap)
	}
	if c.EvictIntervalMs < 1 {
		return fmt.Errorf("evictIntervalMillis must be positive, got %d", c.EvictIntervalMs)
	}
	return nil
}
