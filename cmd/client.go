package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zwright8/openclaw-sub006/internal/config"
	"github.com/zwright8/openclaw-sub006/pkg/protocol"
)

const rpcCallTimeout = 30 * time.Second

// rpcClient is the thin WebSocket client the admin subcommands use to talk
// to a running gateway.
type rpcClient struct {
	conn *websocket.Conn
}

// dialGateway connects and performs the protocol handshake.
func dialGateway(ctx context.Context, cfg *config.Config) (*rpcClient, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Path:   "/ws",
	}
	if cfg.Gateway.Token != "" {
		u.RawQuery = "token=" + url.QueryEscape(cfg.Gateway.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s (is it running?): %w", u.Host, err)
	}

	c := &rpcClient{conn: conn}
	var hello struct {
		Protocol int `json:"protocol"`
	}
	if err := c.call(ctx, protocol.MethodConnect, map[string]int{"minProtocol": protocol.ProtocolVersion}, &hello); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *rpcClient) Close() { c.conn.Close() }

// call sends one request and waits for the matching response, skipping any
// interleaved event frames.
func (c *rpcClient) call(ctx context.Context, method string, params, out interface{}) error {
	id := uuid.NewString()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = data
	}
	if err := c.conn.WriteJSON(protocol.RequestFrame{
		Kind:   protocol.FrameKindRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	deadline := time.Now().Add(rpcCallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	for {
		var frame struct {
			Kind   string              `json:"kind"`
			ID     string              `json:"id"`
			OK     bool                `json:"ok"`
			Result json.RawMessage     `json:"result"`
			Error  *protocol.ErrorInfo `json:"error"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read response for %s: %w", method, err)
		}
		if frame.Kind != protocol.FrameKindResponse || frame.ID != id {
			continue
		}
		if !frame.OK {
			if frame.Error != nil {
				if frame.Error.Code == protocol.ErrCodeBadRequest || frame.Error.Code == protocol.ErrCodeNotFound {
					return userErr("%s", frame.Error.Message)
				}
				return fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
			}
			return fmt.Errorf("%s failed", method)
		}
		if out != nil && len(frame.Result) > 0 {
			return json.Unmarshal(frame.Result, out)
		}
		return nil
	}
}

// withGateway loads the config, dials, runs fn, and closes the connection.
func withGateway(ctx context.Context, fn func(ctx context.Context, c *rpcClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := dialGateway(dialCtx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
