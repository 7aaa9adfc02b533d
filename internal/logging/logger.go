// Package logging provides the process-wide structured logger.
//
// The Logger interface intentionally stays printf-style so packages can
// depend on it without pulling in a concrete backend. Every emitted line is
// passed through the redaction masker before it reaches disk or stdout.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"

	"necrocode/internal/redaction"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

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

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch value {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	rootInstance *FileLogger
	rootOnce     sync.Once
)

// FileLogger writes timestamped, caller-annotated lines to a log file and
// stdout. Construct through Root or NewComponentLogger.
type FileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        *sync.Mutex
	component string
	stdout    bool
}

// Root returns the singleton logger writing to necrocode.log in the user's
// home directory, falling back to stdout-only when the file cannot be opened.
func Root() *FileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger("", LevelDebug)
	})
	return rootInstance
}

// NewComponentLogger creates a logger for a specific component sharing the
// root log file.
func NewComponentLogger(component string) *FileLogger {
	root := Root()
	return &FileLogger{
		file:      root.file,
		logger:    root.logger,
		level:     root.level,
		mu:        root.mu,
		component: component,
		stdout:    root.stdout,
	}
}

func newFileLogger(component string, level Level) *FileLogger {
	l := &FileLogger{
		level:     level,
		component: component,
		mu:        &sync.Mutex{},
		stdout:    true,
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return l
	}

	logPath := filepath.Join(home, "necrocode.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0)
	return l
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "NECROCODE"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level.String(), component, file, line, message)

	sanitized := redaction.MaskText(logLine)

	if l.logger != nil {
		l.logger.Print(sanitized)
	}
	if l.stdout {
		fmt.Print(sanitized)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
