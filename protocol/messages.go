// Package protocol defines the JSON messages exchanged with the control
// plane over its WebSocket.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType enumerates all control-plane message types.
type MessageType string

const (
	// Agent -> control plane
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgLog       MessageType = "log"
	MsgStatus    MessageType = "status"
	MsgAck       MessageType = "ack"

	// Control plane -> agent
	MsgStatusRequest MessageType = "status_request"
	MsgClearSession  MessageType = "clear_session"
	MsgShutdown      MessageType = "shutdown"
)

// Envelope is the outer JSON wrapper for all WebSocket messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Agent -> control plane payloads ---

// RegisterPayload is sent once immediately after connecting.
type RegisterPayload struct {
	AgentID      string            `json:"agent_id"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// HeartbeatPayload is sent periodically to keep the connection alive.
type HeartbeatPayload struct {
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveSessions int       `json:"active_sessions"`
	Status         string    `json:"status"` // "serving", "draining"
}

// LogPayload carries a single log line.
type LogPayload struct {
	AgentID string   `json:"agent_id"`
	Entry   LogEntry `json:"entry"`
}

// LogEntry is a structured log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// StatusPayload lists the conversations currently held in memory.
type StatusPayload struct {
	AgentID  string        `json:"agent_id"`
	Status   string        `json:"status"`
	Sessions []SessionInfo `json:"sessions"`
}

type SessionInfo struct {
	Session    string    `json:"session"`
	Turns      int       `json:"turns"`
	LastActive time.Time `json:"last_active"`
}

// AckPayload acknowledges a command from the control plane.
type AckPayload struct {
	AckedType MessageType `json:"acked_type"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
}

// --- Control plane -> agent payloads ---

// ClearSessionPayload asks the agent to forget one conversation.
type ClearSessionPayload struct {
	Session string `json:"session"`
}

// ShutdownPayload requests a graceful shutdown.
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}
