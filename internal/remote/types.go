package remote

import (
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Message is the wire shape of a confirmed message from the message service.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequenceNumber"`
	CreatedAt      time.Time `json:"createdAt"`
	AttachmentRef  string    `json:"attachmentRef,omitempty"`
	ClientTempID   string    `json:"clientTempId,omitempty"`
}

// Page is the response of the cursor fetch endpoint.
type Page struct {
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
	OldestSequence int64     `json:"oldestSequence"`
}

// ToStore converts a wire message into its cached representation.
func (m *Message) ToStore() *store.Message {
	return &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Seq:            m.SequenceNumber,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		AttachmentRef:  m.AttachmentRef,
		Status:         store.MsgSent,
		TempID:         m.ClientTempID,
	}
}
