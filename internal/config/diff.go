package config

import (
	"sort"
	"strings"

	"chanrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace

	if trim(oldCfg.Telegram.Token) != trim(newCfg.Telegram.Token) ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) ||
		trim(oldCfg.Telegram.APIURL) != trim(newCfg.Telegram.APIURL) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
			logx.String("telegram.api_url", trim(newCfg.Telegram.APIURL)),
			logx.Bool("telegram.token_changed", trim(oldCfg.Telegram.Token) != trim(newCfg.Telegram.Token)),
		)
	}

	o, n := oldCfg.Relay, newCfg.Relay
	if trim(o.Destination) != trim(n.Destination) ||
		trim(o.QuietInterval) != trim(n.QuietInterval) ||
		BoolOr(o.DropAuthor, true) != BoolOr(n.DropAuthor, true) ||
		o.Silent != n.Silent ||
		trim(o.ForwardTimeout) != trim(n.ForwardTimeout) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.destination", trim(n.Destination)),
			logx.String("relay.quiet_interval", trim(n.QuietInterval)),
			logx.Bool("relay.drop_author", BoolOr(n.DropAuthor, true)),
			logx.Bool("relay.silent", n.Silent),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	if BoolOr(oa.Enabled, true) != BoolOr(na.Enabled, true) ||
		trim(oa.Addr) != trim(na.Addr) ||
		oa.AllowInsecure != na.AllowInsecure ||
		StringOr(oa.CORSOrigin, "*") != StringOr(na.CORSOrigin, "*") ||
		trim(oa.ReadTimeout) != trim(na.ReadTimeout) ||
		trim(oa.WriteTimeout) != trim(na.WriteTimeout) ||
		trim(oa.IdleTimeout) != trim(na.IdleTimeout) ||
		trim(oa.Token) != trim(na.Token) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", BoolOr(na.Enabled, true)),
			logx.String("admin.addr", trim(na.Addr)),
			logx.Bool("admin.token_set", trim(na.Token) != ""),
			logx.Bool("admin.allow_insecure", na.AllowInsecure),
		)
	}

	if trim(oldCfg.Storage.Driver) != trim(newCfg.Storage.Driver) ||
		trim(oldCfg.Storage.Path) != trim(newCfg.Storage.Path) ||
		trim(oldCfg.Storage.BusyTimeout) != trim(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
		)
	}

	if trim(oldCfg.Resync.Schedule) != trim(newCfg.Resync.Schedule) ||
		trim(oldCfg.Resync.Timezone) != trim(newCfg.Resync.Timezone) {
		changed = append(changed, "resync")
		attrs = append(attrs,
			logx.String("resync.schedule", trim(newCfg.Resync.Schedule)),
			logx.String("resync.timezone", trim(newCfg.Resync.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// BoolOr returns *p, or def when the field was omitted.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func StringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return strings.TrimSpace(*p)
}
