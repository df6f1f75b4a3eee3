// Package logger provides structured logging for the site login automation tool.
// It supports multiple log levels, output formats, and contextual information.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus to provide structured logging
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config holds logger configuration
type Config struct {
	Level      string
	Format     string
	OutputFile string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output replaces stdout; used by tests.
	Output io.Writer
}

// New creates a new logger instance with the given configuration
func New(cfg Config) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			ForceColors:     cfg.Output == nil,
		})
	}

	var console io.Writer = os.Stdout
	if cfg.Output != nil {
		console = cfg.Output
	}
	writers := []io.Writer{console}

	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}

		// lumberjack rotates and prunes old files.
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}

	log.SetOutput(io.MultiWriter(writers...))

	return &Logger{
		Logger: log,
		fields: make(logrus.Fields),
	}, nil
}

// Discard returns a logger that writes nowhere. Handy in tests.
func Discard() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{Logger: log, fields: make(logrus.Fields)}
}

// WithField returns a new logger with the given field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(logrus.Fields)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

// WithFields returns a new logger with multiple fields added
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(logrus.Fields)
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

// WithModule returns a new logger with the module field set
func (l *Logger) WithModule(module string) *Logger {
	return l.WithField("module", module)
}

// WithSite returns a new logger with the site field set
func (l *Logger) WithSite(site string) *Logger {
	return l.WithField("site", site)
}

// Debug logs a debug message with context fields
func (l *Logger) Debug(msg string) {
	l.Logger.WithFields(l.fields).Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Debugf(format, args...)
}

// Info logs an info message with context fields
func (l *Logger) Info(msg string) {
	l.Logger.WithFields(l.fields).Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Infof(format, args...)
}

// Warn logs a warning message with context fields
func (l *Logger) Warn(msg string) {
	l.Logger.WithFields(l.fields).Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Warnf(format, args...)
}

// Error logs an error message with context fields
func (l *Logger) Error(msg string) {
	l.Logger.WithFields(l.fields).Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Errorf(format, args...)
}

// WithError returns a new logger with error field added
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

// StealthAction logs a stealth action with details
func (l *Logger) StealthAction(action string, details map[string]interface{}) {
	fields := make(map[string]interface{})
	fields["stealth_action"] = action
	for k, v := range details {
		fields[k] = v
	}
	l.WithFields(fields).Debug("Stealth action performed")
}

// BrowserAction logs a browser action
func (l *Logger) BrowserAction(action string, url string) {
	l.WithFields(map[string]interface{}{
		"browser_action": action,
		"url":            url,
	}).Info("Browser action")
}

// PageEvent logs an event emitted by the page (console output, uncaught exceptions, HTTP errors)
func (l *Logger) PageEvent(kind, text, url string, status int) {
	entry := l.WithFields(map[string]interface{}{
		"page_event": kind,
		"text":       text,
	})
	if url != "" {
		entry = entry.WithField("url", url)
	}
	if status != 0 {
		entry = entry.WithField("status", status)
	}

	if kind == "console" {
		entry.Debug("Page event")
		return
	}
	entry.Warn("Page event")
}

// LoginOutcome logs the classified result of a login attempt
func (l *Logger) LoginOutcome(outcome, reason, finalURL string, elapsed time.Duration) {
	entry := l.WithFields(map[string]interface{}{
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	if finalURL != "" {
		entry = entry.WithField("final_url", finalURL)
	}

	if outcome == "success" {
		entry.Info("Login attempt finished")
		return
	}
	entry.Warn("Login attempt finished")
}

// SecurityEvent logs security-related events (2FA, captcha, etc.)
func (l *Logger) SecurityEvent(eventType string, details string) {
	l.WithFields(map[string]interface{}{
		"security_event": eventType,
		"details":        details,
	}).Warn("Security event detected")
}
