package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	baseInstance *ComponentLogger
	baseOnce     sync.Once
)

// ComponentLogger provides structured logging to postpilot-debug.log
type ComponentLogger struct {
	file       *os.File
	logger     *log.Logger
	level      Level
	mu         sync.Mutex
	component  string
	enableFile bool
}

// Base returns the singleton logger instance shared by all components.
func Base() *ComponentLogger {
	baseOnce.Do(func() {
		baseInstance = newComponentLogger("", LevelDebug, true)
	})
	return baseInstance
}

// NewComponentLogger creates a logger for a specific component
func NewComponentLogger(component string) *ComponentLogger {
	base := Base()
	return &ComponentLogger{
		file:       base.file,
		logger:     base.logger,
		level:      base.level,
		component:  component,
		enableFile: base.enableFile,
	}
}

func newComponentLogger(component string, level Level, enableFile bool) *ComponentLogger {
	l := &ComponentLogger{
		level:      level,
		component:  component,
		enableFile: enableFile,
	}

	if enableFile {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Printf("Failed to get home directory: %v", err)
			return l
		}

		logPath := filepath.Join(home, "postpilot-debug.log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("Failed to open log file: %v", err)
			return l
		}

		l.file = file
		l.logger = log.New(file, "", 0) // We'll format ourselves
	}

	return l
}

// SetLevel sets the minimum log level
func (l *ComponentLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the log file
func (l *ComponentLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *ComponentLogger) log(level Level, format string, args ...interface{}) {
	if level < l.level || !l.enableFile {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Get caller info
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [ComponentName] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	levelStr := levelToString(level)
	component := l.component
	if component == "" {
		component = "POSTPILOT"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelStr, component, file, line, message)

	sanitizedLine := sanitizeLogLine(logLine)

	// Write to file if available
	if l.logger != nil {
		l.logger.Print(sanitizedLine)
	}

	// Also write to stdout for deploy log redirection
	fmt.Print(sanitizedLine)
}

// Debug logs a debug message
func (l *ComponentLogger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *ComponentLogger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *ComponentLogger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *ComponentLogger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func levelToString(level Level) string {
	switch level {
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

const redactedPlaceholder = "[REDACTED]"

// Cookie payloads are the credentials of this system; never let their values
// reach the debug log. The patterns also cover generic token/secret dumps
// from struct formatting.
var (
	cookieHeaderPattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:set-)?cookie(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\r\n]+)((?:"|')?)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:access[_-]?token|refresh[_-]?token|token|secret|password|session[_-]?id|sessionid|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	platformSessionPattern = regexp.MustCompile(
		`(?i)(web_session|sessionid|passport_csrf_token|kuaishou\.web\.st)=([A-Za-z0-9\-\._~%+/]{8,})`,
	)
)

func sanitizeLogLine(line string) string {
	sanitized := cookieHeaderPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := cookieHeaderPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})

	sanitized = platformSessionPattern.ReplaceAllString(sanitized, "$1="+redactedPlaceholder)
	return sanitized
}
