package app

import (
	"strings"
	"time"

	"chanrelay/internal/admin"
	"chanrelay/internal/config"
	"chanrelay/internal/relay"
	"chanrelay/internal/resync"
	"chanrelay/internal/storage"
	telegram "chanrelay/internal/transport/telegram/adapter"
	"chanrelay/pkg/logx"
)

// The map* functions convert the file config into component configs. They
// only parse; nothing is started.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	quiet, err := config.DurationOr("relay.quiet_interval", rc.QuietInterval, relay.DefaultQuietInterval)
	if err != nil {
		return relay.Config{}, err
	}
	fwd, err := config.DurationOr("relay.forward_timeout", rc.ForwardTimeout, 30*time.Second)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Destination:    strings.TrimSpace(rc.Destination),
		QuietInterval:  quiet,
		DropAuthor:     config.BoolOr(rc.DropAuthor, true),
		Silent:         rc.Silent,
		ForwardTimeout: fwd,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       config.BoolOr(ac.Enabled, true),
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		CORSOrigin:    config.StringOr(ac.CORSOrigin, "*"),
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("admin.read_timeout", ac.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.DurationOr("admin.write_timeout", ac.WriteTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.DurationOr("admin.idle_timeout", ac.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapResyncConfig(cfg *config.Config) resync.Config {
	return resync.Config{
		Schedule: strings.TrimSpace(cfg.Resync.Schedule),
		Timezone: strings.TrimSpace(cfg.Resync.Timezone),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled,
			Target:     lc.Telegram.Target,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// validate is installed as the config manager's validator so a bad hot
// reload is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return resync.Validate(mapResyncConfig(cfg))
}
