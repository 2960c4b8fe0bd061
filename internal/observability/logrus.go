package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the logrus backed logger.
type LogOptions struct {
	Level  string
	Format string
	// Output is "stdout", "stderr" or a file path rotated by lumberjack.
	Output     string
	MaxSizeMB  int
	MaxAgeDays int
	Component  string
}

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a logger writing JSON (or text) records to the configured output.
func NewLogrusLogger(opts LogOptions) (*LogrusLogger, error) {
	logger := logrus.New()
	logger.SetReportCaller(true)

	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(lvl)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	}

	out, err := logOutput(opts)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)

	entry := logrus.NewEntry(logger)
	if component := strings.TrimSpace(opts.Component); component != "" {
		entry = entry.WithField("component", component)
	}
	return &LogrusLogger{entry: entry}, nil
}

// NewLogrusLoggerFrom wraps an existing logrus logger.
func NewLogrusLoggerFrom(logger *logrus.Logger) *LogrusLogger {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

func logOutput(opts LogOptions) (io.Writer, error) {
	output := strings.TrimSpace(opts.Output)
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", output, err)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename: output,
		MaxSize:  maxSize,
		MaxAge:   opts.MaxAgeDays,
		Compress: true,
	}, nil
}

// With returns a child logger carrying the extra fields on every record.
func (l *LogrusLogger) With(fields ...Field) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Error(msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}
