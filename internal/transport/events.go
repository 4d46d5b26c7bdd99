package transport

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
)

// EventKind is the closed set of push event kinds. Wire event names are
// decoded into it once, at the transport boundary; everything downstream
// matches on the enum.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindRoomState
	KindNewMessage
	KindTyping
	KindReadStatus
	KindConversationStatus
)

func (k EventKind) String() string {
	switch k {
	case KindRoomState:
		return "room_state"
	case KindNewMessage:
		return "message_new"
	case KindTyping:
		return "typing"
	case KindReadStatus:
		return "read_status"
	case KindConversationStatus:
		return "conversation_status"
	default:
		return "unknown"
	}
}

// RoomState is the initial state pushed after joining a room: a message
// backlog and the latest server sequence for the conversation.
type RoomState struct {
	RoomID    string           `json:"roomId"`
	Messages  []remote.Message `json:"messages"`
	LatestSeq int64            `json:"latestSeq"`
}

// Typing is a typing indicator change.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadStatus reports a read-state change for a conversation.
type ReadStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UnreadCount    int    `json:"unreadCount"`
}

// ConversationStatus reports a conversation-level status change
// (e.g. the underlying ticket was closed or reassigned).
type ConversationStatus struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// Event is one decoded push event. Exactly the field matching Kind is set.
type Event struct {
	Kind               EventKind
	RoomState          *RoomState
	Message            *remote.Message
	Typing             *Typing
	ReadStatus         *ReadStatus
	ConversationStatus *ConversationStatus
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent parses one wire frame into a typed event. Unknown event names
// return (nil, nil): the caller logs and drops them.
func DecodeEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "room_state":
		var p RoomState
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode room_state: %w", err)
		}
		return &Event{Kind: KindRoomState, RoomState: &p}, nil
	case "message_new":
		var p remote.Message
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode message_new: %w", err)
		}
		return &Event{Kind: KindNewMessage, Message: &p}, nil
	case "typing":
		var p Typing
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
		return &Event{Kind: KindTyping, Typing: &p}, nil
	case "read_status":
		var p ReadStatus
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode read_status: %w", err)
		}
		return &Event{Kind: KindReadStatus, ReadStatus: &p}, nil
	case "conversation_status":
		var p ConversationStatus
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode conversation_status: %w", err)
		}
		return &Event{Kind: KindConversationStatus, ConversationStatus: &p}, nil
	default:
		return nil, nil
	}
}

// command is a client-to-server frame.
type command struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}
