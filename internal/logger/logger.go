package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG:  "\033[36m", // Cyan
		INFO:   "\033[32m", // Green
		WARN:   "\033[33m", // Yellow
		ERROR:  "\033[31m", // Red
		SILENT: "",
	}

	resetColor = "\033[0m"
)

// Logger provides leveled logging with module support
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	out      *log.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		setDefault(New(level, output, useColor))
	})
}

// SetDefault replaces the global logger. Tests use it to capture output.
func SetDefault(l *Logger) {
	setDefault(l)
}

func setDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level < SILENT && level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, module)
	}

	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// ModuleLogger is a logger bound to one module tag.
// It resolves the global logger on every call, so it can be created
// before Init runs.
type ModuleLogger struct {
	module string
	base   *Logger
}

// For returns a logger tagged with module that writes through the global logger
func For(module string) *ModuleLogger {
	return &ModuleLogger{module: module}
}

// Module returns a logger tagged with module that writes through l
func (l *Logger) Module(module string) *ModuleLogger {
	return &ModuleLogger{module: module, base: l}
}

// Sub returns a logger whose tag is extended with name, e.g. "Chain/calories"
func (m *ModuleLogger) Sub(name string) *ModuleLogger {
	return &ModuleLogger{module: m.module + "/" + name, base: m.base}
}

// Name returns the module tag
func (m *ModuleLogger) Name() string {
	return m.module
}

func (m *ModuleLogger) target() *Logger {
	if m.base != nil {
		return m.base
	}
	return current()
}

func (m *ModuleLogger) Debug(format string, args ...interface{}) {
	if l := m.target(); l != nil {
		l.log(DEBUG, m.module, format, args...)
	}
}

func (m *ModuleLogger) Info(format string, args ...interface{}) {
	if l := m.target(); l != nil {
		l.log(INFO, m.module, format, args...)
	}
}

func (m *ModuleLogger) Warn(format string, args ...interface{}) {
	if l := m.target(); l != nil {
		l.log(WARN, m.module, format, args...)
	}
}

func (m *ModuleLogger) Error(format string, args ...interface{}) {
	if l := m.target(); l != nil {
		l.log(ERROR, m.module, format, args...)
	}
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if l := current(); l != nil {
		l.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if l := current(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none", "off":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// UnmarshalText lets a LogLevel be read straight from YAML config
func (l *LogLevel) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// MarshalText writes the level name in lowercase
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}
