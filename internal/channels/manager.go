package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zwright8/openclaw-sub006/internal/bus"
)

const (
	sendMaxAttempts = 3
	sendRetryDelay  = 500 * time.Millisecond
)

// Manager owns the registered channels: lifecycle, outbound routing with
// bounded retries, send idempotence, and echo-cache population so our own
// deliveries don't loop back through the inbound path.
type Manager struct {
	channels map[string]Channel
	bus      bus.MessageRouter
	echo     *bus.EchoCache
	sent     *bus.DedupeCache // outbound message-id idempotence
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewManager creates a channel manager. echo may be nil when no echo
// suppression is wanted (tests).
func NewManager(router bus.MessageRouter, echo *bus.EchoCache) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
		echo:     echo,
		sent:     bus.NewDedupeCache(20*time.Minute, 5000),
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts all registered channels and the outbound dispatch loop.
// The dispatcher runs even with zero channels: adapters may register later
// after a config reload.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatch loop and all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for name, channel := range channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound messages and routes them to adapters.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		m.deliver(ctx, msg)
	}
}

// deliver sends one message with bounded retries. Duplicate deliveries of
// the same outbound id (bus redelivery, caller retry) are dropped.
func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	if id := msg.Metadata["outbound_id"]; id != "" {
		if m.sent.IsDuplicate(msg.Channel + "|" + id) {
			slog.Debug("skipping duplicate outbound message", "channel", msg.Channel, "id", id)
			return
		}
	}

	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()
	if !exists {
		slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
		return
	}

	var receipt bus.SendReceipt
	var err error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		receipt, err = channel.Send(ctx, msg)
		if err == nil {
			break
		}
		if attempt < sendMaxAttempts {
			slog.Warn("send failed, retrying",
				"channel", msg.Channel, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendRetryDelay * time.Duration(attempt)):
			}
		}
	}
	if err != nil {
		slog.Error("send failed permanently",
			"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return
	}

	if m.echo != nil {
		scope := msg.Channel + "|" + msg.ChatID
		m.echo.RecordSent(scope, msg.Content, receipt.MessageID)
	}
}

// SendToChannel delivers a message directly to a named channel, bypassing
// the bus. Used by RPC `send` and announce delivery.
func (m *Manager) SendToChannel(ctx context.Context, msg bus.OutboundMessage) (bus.SendReceipt, error) {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()
	if !exists {
		return bus.SendReceipt{}, fmt.Errorf("channel %s not found", msg.Channel)
	}

	receipt, err := channel.Send(ctx, msg)
	if err != nil {
		return bus.SendReceipt{}, err
	}
	if m.echo != nil {
		m.echo.RecordSent(msg.Channel+"|"+msg.ChatID, msg.Content, receipt.MessageID)
	}
	return receipt, nil
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// AnyRunning reports whether at least one channel transport is up. The
// gateway ready gate polls this before accepting agent work.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.IsRunning() {
			return true
		}
	}
	return false
}
