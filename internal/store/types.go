package store

// SyncState describes how much a conversation's cache can be trusted.
type SyncState string

const (
	// StateUnknown means the cache has not been validated this session.
	StateUnknown SyncState = "UNKNOWN"
	// StateSynced means the cache was validated and is trustworthy.
	StateSynced SyncState = "SYNCED"
	// StateOutOfSync means the cache is provably incomplete.
	StateOutOfSync SyncState = "OUT_OF_SYNC"
)

// Message statuses.
const (
	MsgPending = "pending"
	MsgSent    = "sent"
	MsgFailed  = "failed"
)

// Message represents one cached chat entry. Confirmed messages carry a
// server-assigned Seq; an optimistic message has Seq 0 until it is replaced
// by its confirmed counterpart.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string // empty for system messages
	Content        string
	Seq            int64 // 0 = not assigned yet
	SortKey        int64 // local ordering key, unix millis; survives optimistic replacement
	CreatedAt      int64 // server timestamp, unix millis
	AttachmentRef  string
	Status         string
	TempID         string // client correlation id for optimistic sends
}

// Confirmed reports whether the message carries a server sequence number.
func (m *Message) Confirmed() bool { return m.Seq > 0 }

// Gap is a missing range of sequence numbers in the local cache.
type Gap struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// SyncMeta is the per-conversation sync bookkeeping record.
type SyncMeta struct {
	ConversationID     string
	State              SyncState
	LocalMinSeq        int64
	LocalMaxSeq        int64
	LastKnownRemoteSeq int64 // 0 = unknown until an out-of-band source populates it
	LastSyncedAt       int64 // unix millis
	LastAccessedAt     int64 // unix millis
	CachedAt           int64 // unix millis of first cache write
	UnreadCount        int
	KnownGaps          []Gap
}

// Page is a slice of a conversation's history for "load older" flows.
type Page struct {
	Messages []Message
	HasMore  bool
	Total    int
}

// Offline operation types.
const (
	OpSendMessage = "send_message"
	OpMarkRead    = "mark_read"
)

// Offline operation statuses.
const (
	OpPending   = "pending"
	OpSyncing   = "syncing"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

// Operation is a durable record of a not-yet-confirmed outbound intent.
type Operation struct {
	ID             string
	Type           string
	ConversationID string
	Payload        []byte // JSON, per-type schema
	Status         string
	RetryCount     int
	MaxRetries     int
	NextRetryAt    int64 // unix millis, 0 = due immediately
	LastError      string
	CreatedAt      int64
}

// SendPayload is the JSON payload of a send_message operation.
type SendPayload struct {
	TempID        string `json:"temp_id"`
	Content       string `json:"content"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}
