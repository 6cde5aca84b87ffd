package core

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

var loggerInstance Logger = *NewDevelopmentLogger(LevelInfo) // default to development logger

// SetLogger sets the global logger instance
func SetLogger(logger Logger) {
	loggerInstance = logger
}

// GetLogger retrieves the global logger instance
func GetLogger() *Logger {
	return &loggerInstance
}

// Level orders log severities. Lines below a logger's minimum are dropped
// before the handler runs.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelPanic
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
	LevelPanic: "PANIC",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a case-insensitive level name ("debug", "warn", ...) to a Level.
func ParseLevel(name string) (Level, error) {
	for level, levelName := range levelNames {
		if strings.EqualFold(levelName, name) {
			return level, nil
		}
	}
	if strings.EqualFold(name, "warning") {
		return LevelWarn, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", name)
}

// HandlerFunc receives one filtered log line with its merged attributes.
type HandlerFunc func(level Level, msg string, attrs map[string]interface{})

type Logger struct {
	handlerFunc HandlerFunc
	minLevel    Level
	attrs       map[string]interface{}
}

func NewLogger(handler HandlerFunc, minLevel Level) *Logger {
	return &Logger{
		handlerFunc: handler,
		minLevel:    minLevel,
		attrs:       make(map[string]interface{}),
	}
}

// NewDevelopmentLogger creates a logger with pretty console output on stdout.
func NewDevelopmentLogger(minLevel Level) *Logger {
	return NewTextLogger(os.Stdout, minLevel)
}

// NewTextLogger creates a logger with the console line format on out.
func NewTextLogger(out io.Writer, minLevel Level) *Logger {
	return NewLogger(textHandler(out), minLevel)
}

// NewJSONLogger creates a logger that writes one JSON object per line to out.
func NewJSONLogger(out io.Writer, minLevel Level) *Logger {
	return NewLogger(jsonHandler(out), minLevel)
}

// NewDiscardLogger returns a logger that drops everything. Used by tests.
func NewDiscardLogger() *Logger {
	return NewLogger(func(Level, string, map[string]interface{}) {}, LevelPanic+1)
}

func textHandler(out io.Writer) HandlerFunc {
	var mu sync.Mutex
	return func(level Level, msg string, attrs map[string]interface{}) {
		timestamp := time.Now().Format(time.RFC3339)
		var sb strings.Builder
		sb.WriteString(timestamp)
		sb.WriteString(" [")
		sb.WriteString(level.String())
		sb.WriteString("] ")
		sb.WriteString(msg)
		if len(attrs) > 0 {
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			sb.WriteString(" |")
			for _, k := range keys {
				fmt.Fprintf(&sb, " %s=%v", k, attrs[k])
			}
		}
		sb.WriteString("\n")

		mu.Lock()
		io.WriteString(out, sb.String())
		mu.Unlock()
		terminate(level, msg)
	}
}

func jsonHandler(out io.Writer) HandlerFunc {
	var mu sync.Mutex
	return func(level Level, msg string, attrs map[string]interface{}) {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   msg,
			Attrs:     stringifyErrors(attrs),
		}
		data, err := sonic.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"marshal_error":%q}`, level.String(), msg, err.Error()))
		}

		mu.Lock()
		out.Write(append(data, '\n'))
		mu.Unlock()
		terminate(level, msg)
	}
}

func terminate(level Level, msg string) {
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

// stringifyErrors replaces error values with their message; most error types
// have no exported fields and would otherwise encode as {}.
func stringifyErrors(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if l.handlerFunc == nil || level < l.minLevel {
		return
	}
	if len(args) > 0 {
		// Detect slog-style key-value pairs: even number of args where
		// odd-positioned args (keys) are strings.
		if isKeyValuePairs(args) {
			attrs := make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = args[i+1]
			}
			l.handlerFunc(level, msg, attrs)
			return
		}
		msg = fmt.Sprintf(msg, args...)
	}
	l.handlerFunc(level, msg, l.attrs)
}

// isKeyValuePairs returns true if args look like slog-style key-value pairs:
// even count and every key (even index) is a string.
func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(LevelFatal, msg, args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(LevelFatal, format, args...)
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.log(LevelTrace, msg, args...)
}

func (l *Logger) With(attrs map[string]interface{}) *Logger {
	combinedAttrs := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combinedAttrs[k] = v
	}
	for k, v := range attrs {
		combinedAttrs[k] = v
	}
	return &Logger{
		handlerFunc: l.handlerFunc,
		minLevel:    l.minLevel,
		attrs:       combinedAttrs,
	}
}

// Sync is a no-op; handlers write synchronously.
func (l *Logger) Sync() error {
	return nil
}
