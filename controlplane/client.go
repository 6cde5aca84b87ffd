// Package controlplane is the optional outbound WebSocket link to an
// operator console. The service registers, sends heartbeats, status and
// logs, and accepts a small set of commands.
package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicegate/conversation"
	"voicegate/core"
	"voicegate/protocol"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultSendBufferSize    = 256
	writeTimeout             = 10 * time.Second
	commandTimeout           = 10 * time.Second
)

// Status values reported in heartbeats.
const (
	StatusServing  = "serving"
	StatusDraining = "draining"
)

// Sessions is the part of the conversation store the control plane can see
// and act on.
type Sessions interface {
	Sessions() []conversation.SessionInfo
	Clear(ctx context.Context, session string) (bool, error)
}

// ClientConfig configures the control plane WebSocket client.
type ClientConfig struct {
	ConnectURL        string
	AgentID           string
	Version           string
	Capabilities      []string
	Metadata          map[string]string
	HeartbeatInterval time.Duration
	Sessions          Sessions
	Logger            *core.Logger
}

// Client is the agent-side WebSocket client that connects outward to the
// control plane.
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *core.Logger

	// OnShutdown is called when the control plane asks the process to stop.
	OnShutdown func(reason string)

	statusMu sync.Mutex
	status   string

	sendCh    chan []byte
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates a new control plane client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = core.GetLogger()
	}
	return &Client{
		config: cfg,
		logger: cfg.Logger.With(map[string]interface{}{"component": "controlplane"}),
		status: StatusServing,
		sendCh: make(chan []byte, defaultSendBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the control plane, sends the registration message, and
// starts the read/write/heartbeat loops. Cancelling ctx closes the
// connection.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.logger.With(map[string]interface{}{"url": c.config.ConnectURL}).Info("connecting to control plane")

	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.ConnectURL, nil)
	if err != nil {
		c.cancel()
		return fmt.Errorf("controlplane: dial %q: %w", c.config.ConnectURL, err)
	}
	c.conn = conn

	reg := protocol.RegisterPayload{
		AgentID:      c.config.AgentID,
		Version:      c.config.Version,
		Capabilities: c.config.Capabilities,
		Metadata:     c.config.Metadata,
		Timestamp:    time.Now().UTC(),
	}
	if err := c.send(protocol.MsgRegister, reg); err != nil {
		conn.Close()
		c.cancel()
		return fmt.Errorf("controlplane: send register: %w", err)
	}

	c.logger.With(map[string]interface{}{"agent_id": c.config.AgentID}).Info("registered with control plane")

	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	return nil
}

// Attach sets the conversation store, the advertised capabilities and,
// when non-nil, the logger. It must be called before Connect.
func (c *Client) Attach(sessions Sessions, capabilities []string, logger *core.Logger) {
	c.config.Sessions = sessions
	c.config.Capabilities = capabilities
	if logger != nil {
		c.config.Logger = logger
		c.logger = logger.With(map[string]interface{}{"component": "controlplane"})
	}
}

// SetStatus changes the status carried by later heartbeats.
func (c *Client) SetStatus(status string) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}

func (c *Client) currentStatus() string {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// SendLog forwards one log line.
func (c *Client) SendLog(entry protocol.LogEntry) {
	c.enqueue(protocol.MsgLog, protocol.LogPayload{
		AgentID: c.config.AgentID,
		Entry:   entry,
	})
}

// SendStatus reports every conversation held in memory.
func (c *Client) SendStatus() {
	c.enqueue(protocol.MsgStatus, protocol.StatusPayload{
		AgentID:  c.config.AgentID,
		Status:   c.currentStatus(),
		Sessions: c.sessions(),
	})
}

func (c *Client) sessions() []protocol.SessionInfo {
	if c.config.Sessions == nil {
		return []protocol.SessionInfo{}
	}
	live := c.config.Sessions.Sessions()
	out := make([]protocol.SessionInfo, len(live))
	for i, s := range live {
		out[i] = protocol.SessionInfo{
			Session:    s.Session,
			Turns:      s.Turns,
			LastActive: s.LastActive.UTC(),
		}
	}
	return out
}

// Done is closed once the connection has dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the connection drops or the context is cancelled.
func (c *Client) Wait() error {
	<-c.done
	return nil
}

// Close shuts down the client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
	})
}

func (c *Client) send(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) enqueue(msgType protocol.MessageType, payload interface{}) {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		c.logger.With(map[string]interface{}{"error": err, "type": string(msgType)}).Warn("failed to marshal message, dropping")
		return
	}
	select {
	case c.sendCh <- data:
	default:
		// Buffer full: drop oldest and push new.
		select {
		case <-c.sendCh:
		default:
		}
		select {
		case c.sendCh <- data:
		default:
		}
	}
}

func (c *Client) ack(msgType protocol.MessageType, err error) {
	p := protocol.AckPayload{AckedType: msgType, OK: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	c.enqueue(protocol.MsgAck, p)
}

func (c *Client) readLoop() {
	defer func() {
		c.doneOnce.Do(func() { close(c.done) })
		c.cancel()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.With(map[string]interface{}{"error": err}).Warn("control plane connection lost")
			}
			return
		}

		msgType, payload, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.With(map[string]interface{}{"error": err}).Warn("invalid message from control plane")
			continue
		}

		switch msgType {
		case protocol.MsgStatusRequest:
			c.SendStatus()

		case protocol.MsgClearSession:
			p, err := protocol.UnmarshalPayload[protocol.ClearSessionPayload](payload)
			if err == nil {
				err = c.clearSession(p.Session)
			}
			if err != nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("clear_session failed")
			}
			c.ack(msgType, err)

		case protocol.MsgShutdown:
			p, _ := protocol.UnmarshalPayload[protocol.ShutdownPayload](payload)
			reason := p.Reason
			if reason == "" {
				reason = "shutdown requested by control plane"
			}
			c.logger.With(map[string]interface{}{"reason": reason}).Info("shutdown requested")
			c.ack(msgType, nil)
			if c.OnShutdown != nil {
				c.OnShutdown(reason)
			}

		default:
			c.logger.With(map[string]interface{}{"type": string(msgType)}).Warn("unknown message type from control plane")
		}
	}
}

func (c *Client) clearSession(session string) error {
	if session == "" {
		return fmt.Errorf("controlplane: clear_session: session is required")
	}
	if c.config.Sessions == nil {
		return fmt.Errorf("controlplane: clear_session: no conversation store attached")
	}
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()
	held, err := c.config.Sessions.Clear(ctx, session)
	if err != nil {
		return err
	}
	c.logger.With(map[string]interface{}{"session": session, "held": held}).Info("session cleared by control plane")
	return nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.With(map[string]interface{}{"error": err}).Warn("write to control plane failed")
				}
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			active := 0
			if c.config.Sessions != nil {
				active = len(c.config.Sessions.Sessions())
			}
			c.enqueue(protocol.MsgHeartbeat, protocol.HeartbeatPayload{
				AgentID:        c.config.AgentID,
				Timestamp:      time.Now().UTC(),
				ActiveSessions: active,
				Status:         c.currentStatus(),
			})
		case <-c.ctx.Done():
			return
		}
	}
}
