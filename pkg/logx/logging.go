package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./chanrelay.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig controls the Telegram alert sink.
// Target is a chat id ("-100123...") or a public handle ("@ops").
type AlertConfig struct {
	Enabled    bool
	Target     string
	MinLevel   string
	RatePerSec int
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Field adds one key to an event. Later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field       { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Ints(k string, v []int) Field             { return func(e *zerolog.Event) { e.Ints(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a value type; copies are cheap and With never mutates the
// receiver. A Logger from a Service follows later Service.Apply calls.
// The zero value discards everything.
type Logger struct {
	svc    *Service
	base   *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{base: &zl}
}

// NewConsole returns a human-readable stdout logger for code that runs
// before a Service exists.
func NewConsole(level string) Logger {
	setGlobals()
	zl := newRoot(newConsoleWriter(os.Stdout), level, zerolog.InfoLevel)
	return Logger{base: &zl}
}

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := newRoot(w, level, zerolog.DebugLevel)
	return Logger{base: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.base == nil && len(l.fields) == 0 }

func (l Logger) zl() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.root.Load()
	case l.base != nil:
		return l.base
	}
	return nil
}

func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return zl != nil && level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(slices.Clip(l.fields), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// emit <- Debug/Info/... <- caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

// Service owns the process-wide sinks. Apply rebuilds them in place and
// every Logger handed out by the Service picks up the new root.
type Service struct {
	root   atomic.Pointer[zerolog.Logger]
	alerts *alertSink

	mu   sync.Mutex
	file *os.File
}

// New builds the Service from cfg. A nil sender disables alert delivery.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	setGlobals()
	s := &Service{alerts: newAlertSink(sender)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps outputs and levels at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts.configure(cfg.Alerts)

	var out []io.Writer
	if cfg.Console {
		out = append(out, newConsoleWriter(os.Stdout))
	}
	if f := s.reopenFile(cfg.File); f != nil {
		out = append(out, zerolog.SyncWriter(f))
	}
	if cfg.Alerts.Enabled {
		if strings.TrimSpace(cfg.Alerts.Target) == "" {
			fmt.Fprintln(os.Stderr, "logx: alerts enabled but logging.alerts.target is empty")
		}
		out = append(out, s.alerts)
	}
	if len(out) == 0 {
		out = append(out, newConsoleWriter(os.Stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(out...), cfg.Level, zerolog.InfoLevel)
	s.root.Store(&zl)
}

// reopenFile closes the current log file and opens the configured one.
// Caller holds s.mu.
func (s *Service) reopenFile(fc FileConfig) *os.File {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if !fc.Enabled {
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file = f
	return f
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.alerts.close()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func setGlobals() {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
}

func newRoot(w io.Writer, level string, def zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, def)).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
