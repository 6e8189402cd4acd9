// Package logging provides the structured JSON logger shared by every
// ctxkeeper component. Entries are single-line JSON objects carrying a
// severity, a message, and optional labels and fields.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Severity levels for structured logs
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

var severityRank = map[Severity]int{
	SeverityDebug:   0,
	SeverityInfo:    1,
	SeverityWarning: 2,
	SeverityError:   3,
}

// LogEntry is one structured log line.
type LogEntry struct {
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Component string            `json:"component,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

// Logger is the logging surface components depend on.
type Logger interface {
	Log(severity Severity, message string, fields map[string]any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StructuredLogger writes LogEntry values as JSON lines.
type StructuredLogger struct {
	writer    io.Writer
	component string
	labels    map[string]string
	minLevel  Severity
	mu        sync.Mutex
}

// Option configures a StructuredLogger
type Option func(*StructuredLogger)

// WithWriter sets the output writer (default os.Stderr).
func WithWriter(w io.Writer) Option {
	return func(l *StructuredLogger) {
		l.writer = w
	}
}

// WithComponent sets the component name attached to every entry.
func WithComponent(name string) Option {
	return func(l *StructuredLogger) {
		l.component = name
	}
}

// WithLabels adds custom labels to all log entries
func WithLabels(labels map[string]string) Option {
	return func(l *StructuredLogger) {
		for k, v := range labels {
			l.labels[k] = v
		}
	}
}

// WithMinSeverity drops entries below the given severity.
func WithMinSeverity(s Severity) Option {
	return func(l *StructuredLogger) {
		if _, ok := severityRank[s]; ok {
			l.minLevel = s
		}
	}
}

// New creates a StructuredLogger. Output defaults to stderr so it never
// mixes with command output on stdout.
func New(opts ...Option) *StructuredLogger {
	l := &StructuredLogger{
		writer:   os.Stderr,
		labels:   map[string]string{},
		minLevel: SeverityInfo,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.writer == nil {
		l.writer = io.Discard
	}
	return l
}

// Named returns a logger that shares output and labels but reports a
// different component.
func (l *StructuredLogger) Named(component string) *StructuredLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	labels := make(map[string]string, len(l.labels))
	for k, v := range l.labels {
		labels[k] = v
	}
	return &StructuredLogger{
		writer:    l.writer,
		component: component,
		labels:    labels,
		minLevel:  l.minLevel,
	}
}

// Log writes a structured log entry
func (l *StructuredLogger) Log(severity Severity, message string, fields map[string]any) {
	if severityRank[severity] < severityRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Component: l.component,
		Fields:    fields,
	}
	if len(l.labels) > 0 {
		entry.Labels = l.labels
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

// Debugf logs a formatted message at DEBUG severity
func (l *StructuredLogger) Debugf(format string, args ...any) {
	l.Log(SeverityDebug, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at INFO severity
func (l *StructuredLogger) Infof(format string, args ...any) {
	l.Log(SeverityInfo, fmt.Sprintf(format, args...), nil)
}

// Warningf logs a formatted message at WARNING severity
func (l *StructuredLogger) Warningf(format string, args ...any) {
	l.Log(SeverityWarning, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at ERROR severity
func (l *StructuredLogger) Errorf(format string, args ...any) {
	l.Log(SeverityError, fmt.Sprintf(format, args...), nil)
}

type nopLogger struct{}

func (nopLogger) Log(Severity, string, map[string]any) {}
func (nopLogger) Debugf(string, ...any)                {}
func (nopLogger) Infof(string, ...any)                 {}
func (nopLogger) Warningf(string, ...any)              {}
func (nopLogger) Errorf(string, ...any)                {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

// ParseSeverity maps a case-insensitive level name to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return SeverityDebug, true
	case "info":
		return SeverityInfo, true
	case "warning", "warn":
		return SeverityWarning, true
	case "error":
		return SeverityError, true
	}
	return "", false
}

var (
	_ Logger = (*StructuredLogger)(nil)
	_ Logger = nopLogger{}
)
