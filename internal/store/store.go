package store

// MessageStore is the message read/write surface shared by the SQLite cache,
// the legacy kv cache, and the migration bridge that fans out between them.
// Sync metadata and the operation queue live only in the SQLite store.
type MessageStore interface {
	GetMessages(conversationID string) ([]Message, error)
	GetMessagesPage(conversationID string, offset, limit int, beforeSeq int64) (*Page, error)
	PutMessages(conversationID string, msgs []*Message) error
	PutMessage(m *Message) error
	ReplaceOptimistic(tempID string, confirmed *Message) (bool, error)
	DeleteConversation(conversationID string) error
}
