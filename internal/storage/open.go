package storage

import (
	"errors"
	"strings"

	"chanrelay/pkg/logx"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"

	DefaultPath = "./data/chanrelay.db"
)

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}

	switch driver {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	case DriverFile, "json":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func nameKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
