package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps a level name to a LogLevel. Unknown names map to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// JSONLogger writes one JSON object per log line. It is safe for
// concurrent use.
type JSONLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  LogLevel
	fields map[string]interface{}
}

// NewJSONLogger creates a logger writing to stderr at info level.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{
		out:    os.Stderr,
		level:  InfoLevel,
		fields: make(map[string]interface{}),
	}
}

// NewJSONLoggerWithOptions creates a logger with explicit output and level.
func NewJSONLoggerWithOptions(out io.Writer, level LogLevel) *JSONLogger {
	return &JSONLogger{
		out:    out,
		level:  level,
		fields: make(map[string]interface{}),
	}
}

// SetLevel sets the logging level by name.
func (l *JSONLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// WithField returns a logger that carries an additional field on every line.
func (l *JSONLogger) WithField(key string, value interface{}) *JSONLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value

	return &JSONLogger{
		out:    l.out,
		level:  l.level,
		fields: fields,
	}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg

	line, err := json.Marshal(entry)
	if err != nil {
		// Fields that cannot marshal fall back to a plain line.
		fmt.Fprintf(l.out, `{"time":%q,"level":%q,"msg":%q,"log_error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), name, msg, err.Error())
		return
	}
	l.out.Write(append(line, '\n'))
}
