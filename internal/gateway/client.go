package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 1 << 20
	rateLimitBurst = 5
)

// Client is one WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex
	closed  bool
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{id: uuid.NewString(), conn: conn, server: server}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Run reads request frames until the connection drops.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil || req.Kind != protocol.FrameKindRequest {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrCodeBadRequest, "malformed request frame"))
			continue
		}

		if !c.server.limiter.allow(c.id) {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "rate limit exceeded"))
			continue
		}

		go func(req protocol.RequestFrame) {
			c.sendResponse(c.server.router.Dispatch(ctx, c, req))
		}(req)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendEvent pushes an event frame; errors close the connection.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.writeJSON(event)
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	if res != nil {
		c.writeJSON(res)
	}
}

func (c *Client) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("websocket write failed", "client", c.id, "error", err)
	}
}

// Close shuts the connection down once.
func (c *Client) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// senderLimiter applies a per-connection request rate limit.
type senderLimiter struct {
	rpm int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSenderLimiter(rpm int) *senderLimiter {
	return &senderLimiter{rpm: rpm, limiters: make(map[string]*rate.Limiter)}
}

func (l *senderLimiter) allow(id string) bool {
	if l.rpm <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60), rateLimitBurst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *senderLimiter) forget(id string) {
	l.mu.Lock()
	delete(l.limiters, id)
	l.mu.Unlock()
}
