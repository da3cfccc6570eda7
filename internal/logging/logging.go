package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	currentLevel atomic.Int32
	levelOnce    sync.Once
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

// initLevel initializes the log level from environment variables
func initLevel() {
	levelOnce.Do(func() {
		// DEBUG wins over LOG_LEVEL
		if debug := os.Getenv("DEBUG"); debug != "" {
			switch strings.ToLower(debug) {
			case "1", "true", "yes", "on":
				currentLevel.Store(int32(LevelDebug))
				return
			}
		}

		level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
		if err != nil {
			level = LevelInfo
		}
		currentLevel.Store(int32(level))
	})
}

// ParseLevel converts a level name into a LogLevel. An empty string is Info.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel overrides the level picked up from the environment
func SetLevel(level LogLevel) {
	initLevel()
	currentLevel.Store(int32(level))
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	return LogLevel(currentLevel.Load())
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// SetOutput redirects all log output, mainly for tests
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	if GetLevel() <= LevelDebug {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	if GetLevel() <= LevelInfo {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	if GetLevel() <= LevelWarn {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	if GetLevel() <= LevelError {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf("[FATAL] "+format, args...)
}

// Printf is a pass-through to log.Printf for messages that should always print
func Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Fields is a set of key/value pairs rendered as "key=value" in sorted key
// order. The "event" key, when present, is always printed first.
type Fields map[string]interface{}

func (f Fields) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		if k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := f["event"]; ok {
		keys = append([]string{"event"}, keys...)
	}

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(f[k]))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
