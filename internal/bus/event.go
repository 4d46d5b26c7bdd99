package bus

import "time"

// Kind identifies a domain event published on the bus. Kinds are dotted
// names so subscribers can match on a namespace prefix.
type Kind string

const (
	// Cache-level events.
	KindMessageUpserted   Kind = "message.upserted"
	KindMessageReplaced   Kind = "message.replaced"
	KindMessageSendFailed Kind = "message.send_failed"

	// Sync-level events.
	KindSyncResult       Kind = "sync.result"
	KindSyncStateChanged Kind = "sync.state_changed"

	// Transport-level events.
	KindTransportConnected    Kind = "transport.connected"
	KindTransportDisconnected Kind = "transport.disconnected"

	// Live events fanned out for UI layers.
	KindTyping             Kind = "chat.typing"
	KindReadStatus         Kind = "chat.read_status"
	KindConversationStatus Kind = "chat.conversation_status"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessageRef is the payload for message.* events.
type MessageRef struct {
	ConversationID string
	MessageID      string
	TempID         string
}

// StateChange is the payload for sync.state_changed events.
type StateChange struct {
	ConversationID string
	From           string
	To             string
}
