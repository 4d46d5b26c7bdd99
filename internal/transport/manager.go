// Package transport maintains the persistent push connections (one per
// logical hub), reconnection with capped backoff, reference-counted room
// subscriptions, and decoding of wire events into a closed event set.
package transport

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Config holds the transport endpoints and reconnect tuning.
type Config struct {
	ChatHubURL         string
	NotificationHubURL string
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
}

// Manager owns one connection per logical hub (chat events, notifications)
// and is the single place push traffic enters the process. It is constructed
// once and passed by handle; there is no package-level instance.
type Manager struct {
	chat   *Hub
	notify *Hub
	bus    *bus.Bus
	logger *zap.Logger
}

// NewManager creates the transport manager and its hubs.
func NewManager(cfg Config, creds remote.CredentialSource, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		chat:   NewHub("chat", cfg.ChatHubURL, creds, clock, logger, cfg.ReconnectBase, cfg.ReconnectMax),
		notify: NewHub("notifications", cfg.NotificationHubURL, creds, clock, logger, cfg.ReconnectBase, cfg.ReconnectMax),
		bus:    b,
		logger: logger,
	}

	m.chat.OnConnect(func() {
		b.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})
	})
	m.chat.OnDisconnect(func(err error) {
		b.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
	})

	// Live indicator events are fanned out to UI layers over the bus;
	// nothing in the core persists them.
	m.chat.Subscribe(func(evt Event) {
		switch evt.Kind {
		case KindTyping:
			b.Publish(bus.Event{Kind: bus.KindTyping, Timestamp: time.Now(), Payload: *evt.Typing})
		case KindConversationStatus:
			b.Publish(bus.Event{Kind: bus.KindConversationStatus, Timestamp: time.Now(), Payload: *evt.ConversationStatus})
		}
	})

	return m
}

// Start opens both hub connections.
func (m *Manager) Start(ctx context.Context) {
	m.chat.Start(ctx)
	if m.notify.url != "" {
		m.notify.Start(ctx)
	}
}

// Stop closes both hubs and waits for their loops to exit.
func (m *Manager) Stop() {
	m.chat.Stop()
	if m.notify.url != "" {
		m.notify.Stop()
	}
}

// Subscribe registers a handler for decoded chat-hub events.
func (m *Manager) Subscribe(fn Handler) func() {
	return m.chat.Subscribe(fn)
}

// SubscribeNotifications registers a handler for the notifications hub.
func (m *Manager) SubscribeNotifications(fn Handler) func() {
	return m.notify.Subscribe(fn)
}

// JoinConversation adds a reference to the conversation's room on the chat
// hub. The returned release function drops the reference exactly once.
func (m *Manager) JoinConversation(conversationID string) func() {
	m.chat.JoinRoom(conversationID)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.chat.LeaveRoom(conversationID)
	}
}

// ChatState returns the chat hub's connection state.
func (m *Manager) ChatState() State { return m.chat.State() }
