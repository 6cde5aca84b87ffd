package controlplane

import (
	"time"

	"voicegate/protocol"
)

// WSLogWriter implements core.LogWriter by forwarding log lines over the
// control plane WebSocket.
type WSLogWriter struct {
	client *Client
}

func NewWSLogWriter(client *Client) *WSLogWriter {
	return &WSLogWriter{client: client}
}

func (w *WSLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	w.client.SendLog(protocol.LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Attrs:     attrs,
	})
}

// Close is a no-op; the client owns the connection.
func (w *WSLogWriter) Close() {}
