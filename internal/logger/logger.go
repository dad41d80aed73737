package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelPrefixes = map[Level]string{
	DebugLevel: "[DEBUG] ",
	InfoLevel:  "[INFO]  ",
	WarnLevel:  "[WARN]  ",
	ErrorLevel: "[ERROR] ",
	FatalLevel: "[FATAL] ",
}

// ParseLevel maps a level name to a Level. Unknown names fall back to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Options controls where a DefaultLogger writes.
type Options struct {
	// Dir receives a timestamped log file per process. Empty means stdout only.
	Dir   string
	Level Level
	// Writer overrides stdout, mostly for tests.
	Writer io.Writer
}

// DefaultLogger implements the Logger interface
type DefaultLogger struct {
	mu     sync.RWMutex
	logger *log.Logger
	file   *os.File
	level  Level
	prefix string
}

// New creates a logger for appName. When opts.Dir is set the output is
// written to both a file in that directory and stdout.
func New(appName string, opts Options) (*DefaultLogger, error) {
	var out io.Writer = os.Stdout
	if opts.Writer != nil {
		out = opts.Writer
	}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}

		timestamp := time.Now().Format("2006-01-02_15_04")
		logPath := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", appName, timestamp))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(file, out)
	}

	return &DefaultLogger{
		logger: log.New(out, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile),
		file:   file,
		level:  opts.Level,
		prefix: "[" + appName + "] ",
	}, nil
}

func (l *DefaultLogger) log(level Level, format string, v ...interface{}) {
	l.mu.RLock()
	min := l.level
	l.mu.RUnlock()

	if level >= min {
		msg := fmt.Sprintf(format, v...)
		l.logger.Output(3, levelPrefixes[level]+l.prefix+msg)
	}
}

func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *DefaultLogger) Debug(format string, v ...interface{}) {
	l.log(DebugLevel, format, v...)
}

func (l *DefaultLogger) Info(format string, v ...interface{}) {
	l.log(InfoLevel, format, v...)
}

func (l *DefaultLogger) Warn(format string, v ...interface{}) {
	l.log(WarnLevel, format, v...)
}

func (l *DefaultLogger) Error(format string, v ...interface{}) {
	l.log(ErrorLevel, format, v...)
}

func (l *DefaultLogger) Fatal(format string, v ...interface{}) {
	l.log(FatalLevel, format, v...)
	l.Close()
	os.Exit(1)
}

// Close releases the log file, if any.
func (l *DefaultLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
