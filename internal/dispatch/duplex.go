package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loomgate/loomgate/internal/chat"
	"github.com/loomgate/loomgate/internal/core"
	"github.com/loomgate/loomgate/internal/identity"
	"github.com/loomgate/loomgate/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // generous: histories ride in startGeneration

	sendQueueSize = 64
)

type connState int

const (
	stateConnected connState = iota // upgraded, not yet authenticated
	stateAuthenticated
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DuplexConn is one long-lived connection multiplexing events for all of one
// owner's sessions, tagged with requestId so the client can demultiplex.
// Frames queue onto a single send channel drained by one write pump, so
// events for one request are delivered in production order.
type DuplexConn struct {
	id       string
	conn     *websocket.Conn
	engine   *core.Engine
	verifier *identity.Verifier
	logger   *log.Logger

	send chan stream.Frame
	done chan struct{}
	once sync.Once

	// state and ownerID are touched only by the read loop.
	state   connState
	ownerID string
}

// ServeDuplex upgrades the request and runs the connection until it closes.
// On close the owner's sessions are removed from the registry and their
// upstream reads cancelled.
func ServeDuplex(w http.ResponseWriter, r *http.Request, engine *core.Engine, verifier *identity.Verifier, logger *log.Logger) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if logger != nil {
			logger.Printf("duplex upgrade failed: %v", err)
		}
		return
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[dispatch/duplex] ", log.LstdFlags|log.Lmicroseconds)
	}
	c := &DuplexConn{
		id:       uuid.New().String(),
		conn:     ws,
		engine:   engine,
		verifier: verifier,
		logger:   logger,
		send:     make(chan stream.Frame, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.run(r.Context())
}

func (c *DuplexConn) run(ctx context.Context) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	go c.writePump()
	defer c.close()

	c.logger.Printf("connected conn_id=%s", c.id)
	_ = c.Send(stream.Frame{Type: stream.FrameConnectionEstablished})

	c.readPump(connCtx)

	if c.state == stateAuthenticated {
		removed := c.engine.Registry().CleanupForOwner(c.ownerID)
		c.logger.Printf("disconnected conn_id=%s owner=%s sessions_removed=%d", c.id, c.ownerID, len(removed))
	} else {
		c.logger.Printf("disconnected conn_id=%s (unauthenticated)", c.id)
	}
}

// Send queues one frame for delivery; it fails once the connection is gone.
func (c *DuplexConn) Send(frame stream.Frame) error {
	select {
	case <-c.done:
		return errors.New("dispatch: duplex connection closed")
	case c.send <- frame:
		return nil
	}
}

func (c *DuplexConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *DuplexConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Printf("write failed conn_id=%s: %v", c.id, err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *DuplexConn) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Printf("read failed conn_id=%s: %v", c.id, err)
			}
			return
		}
		var msg stream.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.Send(stream.ErrorFrame("", stream.CodeBadRequest, "malformed message"))
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

// handleMessage applies the per-connection state machine: only auth.initiate
// is accepted before authentication; anything else is rejected without
// advancing state.
func (c *DuplexConn) handleMessage(ctx context.Context, msg stream.ClientMessage) {
	if c.state == stateConnected && msg.Type != stream.MsgAuthInitiate {
		_ = c.Send(stream.ErrorFrame(msg.RequestID, stream.CodeAuthRequired, "authentication required"))
		return
	}

	switch msg.Type {
	case stream.MsgAuthInitiate:
		c.handleAuth(msg)
	case stream.MsgStartGeneration:
		c.handleStartGeneration(ctx, msg)
	case stream.MsgSubmitToolResult:
		c.handleSubmitToolResult(ctx, msg)
	default:
		_ = c.Send(stream.ErrorFrame(msg.RequestID, stream.CodeBadRequest, "unknown message type"))
	}
}

func (c *DuplexConn) handleAuth(msg stream.ClientMessage) {
	ownerID, err := c.verifier.Verify(msg.Credential)
	if err != nil {
		c.logger.Printf("auth failed conn_id=%s: %v", c.id, err)
		_ = c.Send(stream.Frame{Type: stream.FrameAuthFailure, Code: stream.CodeAuthFailed, Message: "invalid credential"})
		return
	}
	c.ownerID = ownerID
	c.state = stateAuthenticated
	c.logger.Printf("authenticated conn_id=%s owner=%s", c.id, ownerID)
	_ = c.Send(stream.Frame{Type: stream.FrameAuthSuccess})
}

func (c *DuplexConn) handleStartGeneration(ctx context.Context, msg stream.ClientMessage) {
	if strings.TrimSpace(msg.RequestID) == "" || strings.TrimSpace(msg.Model) == "" || len(msg.History) == 0 {
		_ = c.Send(stream.ErrorFrame(msg.RequestID, stream.CodeBadRequest, "requestId, model and history are required"))
		return
	}
	req := core.StartRequest{
		RequestID: msg.RequestID,
		History:   msg.History,
		Params: chat.ModelParams{
			Model:             msg.Model,
			Temperature:       msg.Temperature,
			MaxOutputTokens:   msg.MaxTokens,
			SystemInstruction: msg.SystemMessage,
			Tools:             msg.Tools,
		},
	}
	owner := c.ownerID
	go func() {
		if err := c.engine.StartGeneration(ctx, owner, req, c); err != nil {
			c.logger.Printf("generation failed conn_id=%s request_id=%s: %v", c.id, req.RequestID, err)
		}
	}()
}

func (c *DuplexConn) handleSubmitToolResult(ctx context.Context, msg stream.ClientMessage) {
	if strings.TrimSpace(msg.RequestID) == "" || strings.TrimSpace(msg.ToolCallID) == "" {
		_ = c.Send(stream.ErrorFrame(msg.RequestID, stream.CodeBadRequest, "requestId and toolCallId are required"))
		return
	}
	owner := c.ownerID
	go func() {
		if err := c.engine.SubmitToolResult(ctx, owner, msg.RequestID, msg.ToolCallID, msg.Output, c); err != nil {
			c.logger.Printf("tool result failed conn_id=%s request_id=%s: %v", c.id, msg.RequestID, err)
		}
	}()
}
