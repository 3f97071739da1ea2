package engram

import "time"

// Level is a log record severity. The value is embedded in log file names,
// so the constants are upper-case on purpose.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// LogRecord is one structured log line. Records are bucketed by
// (ServerID, date, Level) and written as newline-delimited JSON.
type LogRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	ServerID  string         `json:"server_id"`
	Channel   string         `json:"channel_or_file"`
	UserID    string         `json:"user_id"`
	Action    string         `json:"action"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Sink accepts log records without blocking the caller. Enqueue reports
// whether the record was admitted; a false return means it was dropped.
type Sink interface {
	Enqueue(rec LogRecord) bool
}

// NopSink returns a Sink that discards every record. Used when components
// are constructed without a sink.
func NopSink() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Enqueue(LogRecord) bool { return true }
