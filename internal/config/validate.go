package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks what can be checked without the network. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or TELEGRAM_BOT_TOKEN)"))
	}
	if strings.TrimSpace(c.Relay.Destination) == "" {
		errs = append(errs, errors.New("relay.destination is required (or PRIMARY_CHANNEL)"))
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"relay.quiet_interval":  c.Relay.QuietInterval,
		"relay.forward_timeout": c.Relay.ForwardTimeout,
		"admin.read_timeout":    c.Admin.ReadTimeout,
		"admin.write_timeout":   c.Admin.WriteTimeout,
		"admin.idle_timeout":    c.Admin.IdleTimeout,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "json":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Logging.Telegram.Target) == "" {
		errs = append(errs, errors.New("logging.telegram.target is required when enabled"))
	}
	return errors.Join(errs...)
}
