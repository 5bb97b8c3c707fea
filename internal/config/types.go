package config

// Config is the on-disk configuration. It is read from JSON, YAML or TOML
// (by file extension) and then overlaid with environment variables.
//
// Durations are Go duration strings ("500ms", "5s") or bare milliseconds ("5000").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Admin    AdminConfig    `json:"admin"`
	Storage  StorageConfig  `json:"storage"`
	Resync   ResyncConfig   `json:"resync"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty" env:"TELEGRAM_BOT_TOKEN"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL points at a self-hosted Bot API server; empty means Telegram's.
	APIURL string `json:"api_url,omitempty"`
}

// RelayConfig controls forwarding.
//
// Defaults (when fields are omitted/zero):
//   - quiet_interval: "5s"
//   - drop_author: true
//   - silent: false
//   - forward_timeout: "30s"
type RelayConfig struct {
	// Destination is the target channel: "@handle" or a numeric chat id.
	Destination    string `json:"destination" env:"PRIMARY_CHANNEL"`
	QuietInterval  string `json:"quiet_interval,omitempty"`
	DropAuthor     *bool  `json:"drop_author,omitempty"`
	Silent         bool   `json:"silent,omitempty"`
	ForwardTimeout string `json:"forward_timeout,omitempty"`
}

// AdminConfig controls the HTTP watch-list API. It is enabled unless
// enabled is explicitly false.
type AdminConfig struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	Addr          string  `json:"addr,omitempty" env:"ADMIN_ADDR"`
	Token         string  `json:"token,omitempty" env:"ADMIN_TOKEN"`
	AllowInsecure bool    `json:"allow_insecure,omitempty"`
	CORSOrigin    *string `json:"cors_origin,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "file".
	Driver      string `json:"driver,omitempty" env:"DATABASE_CLIENT"`
	Path        string `json:"path,omitempty" env:"DATABASE_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ResyncConfig schedules re-applying the stored watch list to the relay.
// Schedule is a cron spec ("@every 10m", "*/5 * * * *"); empty means the
// default and "off" disables resync.
type ResyncConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  bool            `json:"console"`
	File     LogFileConfig   `json:"file"`
	Telegram LogAlertsConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogAlertsConfig forwards log records at or above MinLevel to a Telegram chat.
type LogAlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
