package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration reads a config duration. Besides Go duration strings, a bare
// integer is taken as milliseconds ("5000" == "5s"). Empty means zero.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %s is negative", path, s)
	}
	return d, nil
}

// DurationOr is ParseDuration with def for empty or zero values.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
