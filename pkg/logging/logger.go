// Package logging provides structured, leveled logging for the transport
// stack. It is deliberately small: one writer, one mutex for the writer,
// and a lock-free atomic level so hot paths (per-frame, per-envelope) can
// check whether Debug is enabled without taking a lock.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the severity of a log message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured key-value pairs for a single log line.
type Fields map[string]interface{}

// Logger writes leveled, field-annotated lines to an io.Writer.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	level     atomic.Int32
	component string
}

// Config configures a new Logger.
type Config struct {
	Output    io.Writer
	Level     Level
	Component string
}

// DefaultConfig returns the default logger configuration: Info level,
// writing to stderr, with no component tag.
func DefaultConfig() Config {
	return Config{Output: os.Stderr, Level: LevelInfo}
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	l := &Logger{output: cfg.Output, component: cfg.Component}
	l.level.Store(int32(cfg.Level))
	return l
}

// WithComponent returns a derived Logger tagging every line with component.
func (l *Logger) WithComponent(component string) *Logger {
	child := &Logger{output: l.output, component: component}
	child.level.Store(l.level.Load())
	return child
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Level returns the current minimum level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

func (l *Logger) enabled(level Level) bool { return int32(level) >= l.level.Load() }

func (l *Logger) log(level Level, msg string, fields Fields) {
	if !l.enabled(level) {
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteString(" [")
	sb.WriteString(level.String())
	sb.WriteString("]")
	if l.component != "" {
		sb.WriteString(" [")
		sb.WriteString(l.component)
		sb.WriteString("]")
	}
	sb.WriteString(" ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, fields[k])
		}
	}
	sb.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.output, sb.String())
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, mergeFields(fields)) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, mergeFields(fields)) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, mergeFields(fields)) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, mergeFields(fields)) }

func mergeFields(fields []Fields) Fields {
	if len(fields) == 0 {
		return nil
	}
	if len(fields) == 1 {
		return fields[0]
	}
	out := make(Fields, len(fields)*2)
	for _, f := range fields {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(DefaultConfig())
)

// SetGlobal replaces the package-level logger used by the free functions.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the package-level logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func Debug(msg string, fields ...Fields) { Global().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { Global().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { Global().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { Global().Error(msg, fields...) }

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}
