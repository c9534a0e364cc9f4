package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks the configuration for errors after defaults are applied.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url: unsupported scheme %q", u.Scheme)
	}

	if c.API.Token == "" {
		return errors.New("api.token is required")
	}

	if c.Stream.WarmAttempts <= c.Stream.ColdAttempts {
		return fmt.Errorf("stream.warm_attempts (%d) must exceed stream.cold_attempts (%d)",
			c.Stream.WarmAttempts, c.Stream.ColdAttempts)
	}

	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be positive")
	}
	if c.Registry.Retention < 0 {
		return errors.New("registry.retention must not be negative")
	}

	if c.Database != nil {
		if c.Database.Host == "" {
			return errors.New("database.host is required when a database is configured")
		}
		if c.Database.Name == "" {
			return errors.New("database.name is required when a database is configured")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required when a database is configured")
		}
	}

	return nil
}
