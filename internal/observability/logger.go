package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger is the structured logging interface used across the daemon.
// Fields are passed as alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	// WithFields returns a new Logger that includes the given fields on
	// every subsequent entry. Used to scope a logger to one component.
	WithFields(fields map[string]interface{}) Logger
}

// StdLogger writes structured entries to stdout, either as plain text or as
// one JSON object per line.
type StdLogger struct {
	fields map[string]interface{}
	out    *log.Logger
	json   bool
}

// NewLogger creates a stdout logger. jsonOutput selects JSON line format.
func NewLogger(jsonOutput bool) *StdLogger {
	return &StdLogger{
		fields: map[string]interface{}{},
		out:    log.New(os.Stdout, "", 0),
		json:   jsonOutput,
	}
}

func (l *StdLogger) Debug(msg string, fields ...interface{}) { l.log("DEBUG", msg, fields...) }
func (l *StdLogger) Info(msg string, fields ...interface{})  { l.log("INFO", msg, fields...) }
func (l *StdLogger) Warn(msg string, fields ...interface{})  { l.log("WARN", msg, fields...) }
func (l *StdLogger) Error(msg string, fields ...interface{}) { l.log("ERROR", msg, fields...) }

func (l *StdLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StdLogger{fields: merged, out: l.out, json: l.json}
}

func (l *StdLogger) log(level, msg string, fields ...interface{}) {
	entry := make(map[string]interface{}, len(l.fields)+len(fields)/2+3)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level
	entry["message"] = msg

	for k, v := range l.fields {
		entry[k] = v
	}

	// Variadic fields come as key1, value1, key2, value2, ...
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok && err != nil {
			entry[key] = err.Error()
			continue
		}
		entry[key] = fields[i+1]
	}

	if l.json {
		b, err := json.Marshal(entry)
		if err != nil {
			l.out.Printf("failed to marshal log entry: %v", err)
			return
		}
		l.out.Println(string(b))
		return
	}

	timestamp := entry["timestamp"]
	delete(entry, "timestamp")
	delete(entry, "level")
	delete(entry, "message")

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("%s [%s] %s", timestamp, level, msg)
	if len(keys) > 0 {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, entry[k]))
		}
		line += " | " + strings.Join(parts, " ")
	}
	l.out.Println(line)
}

// NopLogger discards everything. Used in tests that do not assert on logs.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (n NopLogger) WithFields(map[string]interface{}) Logger {
	return n
}
