package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without I/O. The watch path
// runs it before committing a reload, so a bad edit never reaches running
// services.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3", "memory":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			return fmt.Errorf("engine.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("engine.tolerance", c.Engine.Tolerance); err != nil {
		return err
	}

	if e := c.Executor; e != nil {
		if _, err := ParseDurationField("executor.default_timeout", e.DefaultTimeout); err != nil {
			return err
		}
	}
	if s := c.Sender; s != nil {
		for path, raw := range map[string]string{
			"sender.retry_base":      s.RetryBase,
			"sender.retry_max_delay": s.RetryMaxDelay,
			"sender.call_timeout":    s.CallTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if o := c.OpenAI; o != nil {
		if o.Enabled && strings.TrimSpace(o.APIKey) == "" {
			return fmt.Errorf("openai.api_key is required when openai is enabled")
		}
		if _, err := ParseDurationField("openai.timeout", o.Timeout); err != nil {
			return err
		}
	}
	if mc := c.Maintenance; mc != nil {
		if _, err := ParseDurationField("maintenance.log_retention", mc.LogRetention); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the engine timezone, defaulting to the system zone.
func (c *Config) Location() *time.Location {
	if c.Engine.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
