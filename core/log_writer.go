package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// requestLoggerKey is the context key for storing a per-request logger.
type requestLoggerKey struct{}

// ContextWithLogger returns a new context carrying the request logger.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, requestLoggerKey{}, logger)
}

// LoggerFromContext extracts the request logger from the context, falling
// back to the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(requestLoggerKey{}).(*Logger); ok && l != nil {
		return l
	}
	return GetLogger()
}

// LogEntry is a single JSON log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter abstracts an additional destination for log entries.
// Implementations include FileLogWriter (JSONL file) and
// controlplane.WSLogWriter (WebSocket).
type LogWriter interface {
	Write(level, msg string, attrs map[string]interface{})
	Close()
}

// FileLogWriter appends structured log lines to a .jsonl file.
type FileLogWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileLogWriter creates the parent directory if needed and opens path
// for appending. A header line records when this process started writing.
func NewFileLogWriter(path string) (*FileLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("log writer: mkdir %q: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("log writer: open %q: %w", path, err)
	}
	w := &FileLogWriter{file: f}
	w.Write(LevelInfo.String(), "log opened", map[string]interface{}{"pid": os.Getpid()})
	return w, nil
}

// Write appends a structured log line to the file.
func (w *FileLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Attrs:     stringifyErrors(attrs),
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Close flushes and closes the log file. Later writes are dropped.
func (w *FileLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Sync()
		w.file.Close()
		w.file = nil
	}
}

// NewTeeLogger creates a Logger that sends every line to the base logger's
// handler and to each writer. Child loggers created via With() inherit this
// behaviour. The base logger's minimum level applies to all destinations.
func NewTeeLogger(baseLogger *Logger, writers ...LogWriter) *Logger {
	handler := func(level Level, msg string, attrs map[string]interface{}) {
		if len(writers) > 0 {
			copied := stringifyErrors(attrs)
			for _, writer := range writers {
				writer.Write(level.String(), msg, copied)
			}
		}
		// Console output last: FATAL and PANIC terminate inside the base handler.
		if baseLogger.handlerFunc != nil {
			baseLogger.handlerFunc(level, msg, attrs)
		}
	}

	tee := NewLogger(handler, baseLogger.minLevel)
	for k, v := range baseLogger.attrs {
		tee.attrs[k] = v
	}
	return tee
}
