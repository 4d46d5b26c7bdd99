package store

import (
	"database/sql"
	"fmt"
	"time"
)

const msgColumns = `id, conversation_id, sender_id, content, seq, sort_key, created_at, attachment_ref, status, temp_id`

func nowMillis() int64 { return time.Now().UnixMilli() }

// GetMessage returns a single message by id, or nil if not cached.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+msgColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessages returns all cached messages for a conversation in display
// order. Missing conversations yield an empty slice, not an error.
func (db *DB) GetMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+msgColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sort_key ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

// GetMessagesPage returns one page of a conversation's history. The page is
// selected newest-first and re-sorted ascending for return. beforeSeq <= 0
// means "from the newest"; a positive beforeSeq restricts the page to
// confirmed messages with a lower sequence.
func (db *DB) GetMessagesPage(conversationID string, offset, limit int, beforeSeq int64) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `conversation_id = ?`
	args := []any{conversationID}
	if beforeSeq > 0 {
		where += ` AND seq IS NOT NULL AND seq < ?`
		args = append(args, beforeSeq)
	}

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT `+msgColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY sort_key DESC, seq DESC
		LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending display order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return &Page{
		Messages: msgs,
		HasMore:  offset+len(msgs) < total,
		Total:    total,
	}, nil
}

// PutMessage upserts a single message and bumps the conversation's
// local_max_seq when the message's sequence exceeds the stored max.
func (db *DB) PutMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	if m.Confirmed() {
		if err := bumpSeqBoundsTx(tx, m.ConversationID, m.Seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PutMessages upserts a batch and recomputes the conversation's seq bounds
// in the same transaction, so readers never observe one without the other.
func (db *DB) PutMessages(conversationID string, msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if err := upsertMessageTx(tx, m); err != nil {
			return err
		}
	}
	if err := recomputeSeqBoundsTx(tx, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceOptimistic atomically swaps a pending optimistic message for its
// server-confirmed counterpart, preserving the optimistic row's sort key so
// the display order does not jump. Returns whether a pending row was found.
func (db *DB) ReplaceOptimistic(tempID string, confirmed *Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sortKey int64
	err = tx.QueryRow(`SELECT sort_key FROM messages WHERE id = ? AND status = ?`,
		tempID, MsgPending).Scan(&sortKey)
	replaced := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	if replaced {
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
			return false, err
		}
		confirmed.SortKey = sortKey
		confirmed.TempID = tempID
	}

	if err := upsertMessageTx(tx, confirmed); err != nil {
		return false, err
	}
	if confirmed.Confirmed() {
		if err := bumpSeqBoundsTx(tx, confirmed.ConversationID, confirmed.Seq); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return replaced, nil
}

// DeleteConversation removes all messages and metadata for a conversation.
// Pending offline operations are kept: clearing the cache must not drop
// unconfirmed outbound intents.
func (db *DB) DeleteConversation(conversationID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessageTx(tx *sql.Tx, m *Message) error {
	if m.SortKey == 0 {
		if m.CreatedAt != 0 {
			m.SortKey = m.CreatedAt
		} else {
			m.SortKey = nowMillis()
		}
	}
	var seq any
	if m.Confirmed() {
		seq = m.Seq
	}
	var sender any
	if m.SenderID != "" {
		sender = m.SenderID
	}
	status := m.Status
	if status == "" {
		status = MsgSent
	}
	_, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, seq, sort_key, created_at, attachment_ref, status, temp_id, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			seq = COALESCE(excluded.seq, messages.seq),
			status = excluded.status,
			attachment_ref = excluded.attachment_ref`,
		m.ID, m.ConversationID, sender, m.Content, seq, m.SortKey, m.CreatedAt,
		m.AttachmentRef, status, m.TempID, nowMillis())
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// bumpSeqBoundsTx raises local_max_seq (and seeds local_min_seq on first
// write) without a full rescan. Used by single-message ingestion.
func bumpSeqBoundsTx(tx *sql.Tx, conversationID string, seq int64) error {
	now := nowMillis()
	_, err := tx.Exec(`
		INSERT INTO conversations (conversation_id, local_min_seq, local_max_seq, cached_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			local_max_seq = MAX(conversations.local_max_seq, excluded.local_max_seq),
			local_min_seq = CASE
				WHEN conversations.local_min_seq = 0 THEN excluded.local_min_seq
				ELSE MIN(conversations.local_min_seq, excluded.local_min_seq)
			END,
			updated_at = excluded.updated_at`,
		conversationID, seq, seq, now, now)
	return err
}

// recomputeSeqBoundsTx derives local_min_seq/local_max_seq from the stored
// confirmed messages. Used after batch writes and expiry.
func recomputeSeqBoundsTx(tx *sql.Tx, conversationID string) error {
	var minSeq, maxSeq int64
	err := tx.QueryRow(`
		SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
		FROM messages
		WHERE conversation_id = ? AND seq IS NOT NULL`, conversationID).Scan(&minSeq, &maxSeq)
	if err != nil {
		return err
	}
	now := nowMillis()
	_, err = tx.Exec(`
		INSERT INTO conversations (conversation_id, local_min_seq, local_max_seq, cached_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			local_min_seq = excluded.local_min_seq,
			local_max_seq = excluded.local_max_seq,
			updated_at = excluded.updated_at`,
		conversationID, minSeq, maxSeq, now, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var seq sql.NullInt64
	var sender sql.NullString
	if err := r.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &seq,
		&m.SortKey, &m.CreatedAt, &m.AttachmentRef, &m.Status, &m.TempID); err != nil {
		return nil, err
	}
	m.Seq = seq.Int64
	m.SenderID = sender.String
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
