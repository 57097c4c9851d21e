// Package logging provides structured logging for the worktally sync core.
//
// The package-level helpers mirror the call shape used across the codebase:
// a message plus optional context maps. Records are rendered by
// charmbracelet/log (JSON by default) and can be routed to a rotating file.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatText   Format = "text"
	FormatLogfmt Format = "logfmt"
)

// Options configures a Logger built by Configure.
type Options struct {
	Level      string
	Format     string
	File       string // empty means stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured logging on top of charmbracelet/log.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	closer   io.Closer // set when the logger owns out
	minLevel LogLevel
	base     *log.Logger
}

var (
	// global logger instance
	global   *Logger
	globalMu sync.RWMutex
	once     sync.Once
)

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		setGlobal(New(out, minLevel, FormatJSON))
	})
}

// Configure builds a logger from options and installs it as the global
// logger, closing the file of the one it replaces.
func Configure(opts Options) *Logger {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 10),
			MaxBackups: defaultInt(opts.MaxBackups, 3),
			MaxAge:     defaultInt(opts.MaxAgeDays, 28),
		}
		out, closer = lj, lj
	}

	l := New(out, ParseLevel(opts.Level), Format(strings.ToLower(opts.Format)))
	l.closer = closer
	once.Do(func() {})

	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return l
}

// Close releases the file of the global logger, if it has one.
func Close() error {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Get returns the global logger instance.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		globalMu.RLock()
		l = global
		globalMu.RUnlock()
	}
	return l
}

func setGlobal(l *Logger) {
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// New creates a standalone logger writing to out.
func New(out io.Writer, minLevel LogLevel, format Format) *Logger {
	if out == nil {
		out = os.Stdout
	}
	base := log.NewWithOptions(out, log.Options{
		Level:           charmLevel(minLevel),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       charmFormatter(format),
	})
	return &Logger{
		out:      out,
		minLevel: minLevel,
		base:     base,
	}
}

// ParseLevel converts a config string into a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.base.SetLevel(charmLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

// Close releases the underlying writer when it owns one (rotating files).
// A rotating file reopens on the next write.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.base.Debug(message, keyvals(nil, "", context...)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.base.Info(message, keyvals(nil, "", context...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.base.Warn(message, keyvals(nil, "", context...)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.base.Error(message, keyvals(err, "", context...)...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	l.base.Error(message, keyvals(err, code, context...)...)
}

// keyvals flattens context maps into sorted key/value pairs.
func keyvals(err error, code string, context ...map[string]interface{}) []interface{} {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(keys)*2+4)
	if code != "" {
		kv = append(kv, "code", code)
	}
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	for _, k := range keys {
		kv = append(kv, k, merged[k])
	}
	return kv
}

func charmLevel(level LogLevel) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func charmFormatter(format Format) log.Formatter {
	switch format {
	case FormatText:
		return log.TextFormatter
	case FormatLogfmt:
		return log.LogfmtFormatter
	default:
		return log.JSONFormatter
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
