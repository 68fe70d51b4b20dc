package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog behind a variadic field API. Error-level entries
// additionally feed the alert collector when one is attached.
type Logger struct {
	zl        zerolog.Logger
	collector *AlertCollector
}

// Config selects level, format, and destination.
type Config struct {
	Level      string // debug, info, warn, error, fatal, panic
	Format     string // json or console
	Output     string // stdout, stderr, or a file path
	TimeFormat string
}

// New builds a logger. The level applies globally; unknown outputs are
// treated as file paths and opened in append mode.
func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		out = file
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat}
	}

	zl := zerolog.New(out).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()

	return &Logger{zl: zl}, nil
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }

func (l *Logger) Info(msg string, fields ...Field) { l.emit(l.zl.Info(), msg, fields) }

// Warn logs without feeding the collector; warn-level noise stays out of
// the alert stream.
func (l *Logger) Warn(msg string, fields ...Field) { l.emit(l.zl.Warn(), msg, fields) }

func (l *Logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), msg, fields)
	l.alert("error", msg, fields)
}

func (l *Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		f.apply(e)
	}
	e.Msg(msg)
}

// alert forwards an entry to the collector, tagged with the logging call
// site two frames up (alert <- Error <- caller).
func (l *Logger) alert(level, msg string, fields []Field) {
	if l.collector == nil {
		return
	}

	caller := "unknown"
	if _, file, line, ok := runtime.Caller(2); ok {
		parts := strings.Split(file, "BOT-AI-V3-sub001")
		caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
	}

	fieldMap := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		fieldMap[f.key] = f.plain()
	}
	l.collector.Observe(level, msg, fieldMap, caller)
}

// AddCollector attaches an alert collector, replacing and flushing any
// previous one.
func (l *Logger) AddCollector(config *CollectionConfig) {
	if l.collector != nil {
		l.collector.Close()
	}
	l.collector = NewAlertCollector(config)
}

// RemoveCollector flushes and detaches the collector.
func (l *Logger) RemoveCollector() {
	if l.collector != nil {
		l.collector.Close()
	}
}

// Field is one structured key/value pair.
type Field struct {
	key string
	val interface{}
}

func (f Field) apply(e *zerolog.Event) {
	switch v := f.val.(type) {
	case string:
		e.Str(f.key, v)
	case int:
		e.Int(f.key, v)
	case int64:
		e.Int64(f.key, v)
	case float64:
		e.Float64(f.key, v)
	case bool:
		e.Bool(f.key, v)
	case error:
		e.Err(v)
	default:
		e.Interface(f.key, v)
	}
}

// plain flattens the value for the collector's JSON payload.
func (f Field) plain() interface{} {
	if err, ok := f.val.(error); ok && err != nil {
		return err.Error()
	}
	return f.val
}

func String(key, value string) Field { return Field{key: key, val: value} }

func Int(key string, value int) Field { return Field{key: key, val: value} }

func Int64(key string, value int64) Field { return Field{key: key, val: value} }

func Float64(key string, value float64) Field { return Field{key: key, val: value} }

func Bool(key string, value bool) Field { return Field{key: key, val: value} }

func Error(err error) Field { return Field{key: "error", val: err} }

func Any(key string, value interface{}) Field { return Field{key: key, val: value} }

// Duration records the value as integer milliseconds.
func Duration(key string, value time.Duration) Field {
	return Field{key: key, val: int(value / time.Millisecond)}
}

func Strings(key string, value []string) Field {
	return Field{key: key, val: strings.Join(value, ", ")}
}
