package store

import "database/sql"

// Sequence-oriented queries used by gap detection and delta sync.

// NewestConfirmed returns the highest-sequence confirmed message for a
// conversation, or nil when none is cached.
func (db *DB) NewestConfirmed(conversationID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+msgColumns+`
		FROM messages
		WHERE conversation_id = ? AND seq IS NOT NULL
		ORDER BY seq DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// HasMessages reports whether any message is cached for the conversation.
func (db *DB) HasMessages(conversationID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE conversation_id = ? LIMIT 1`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmedSeqs returns the sequence numbers of all confirmed messages in
// ascending order.
func (db *DB) ConfirmedSeqs(conversationID string) ([]int64, error) {
	rows, err := db.Query(`
		SELECT seq FROM messages
		WHERE conversation_id = ? AND seq IS NOT NULL
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var seqs []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

// CountSeqRange returns how many confirmed messages exist in [startSeq, endSeq].
func (db *DB) CountSeqRange(conversationID string, startSeq, endSeq int64) (int64, error) {
	var n int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND seq BETWEEN ? AND ?`,
		conversationID, startSeq, endSeq).Scan(&n)
	return n, err
}

// MarkMessageFailed flags a still-pending optimistic message as failed so
// the UI can offer a retry tied to its temp id.
func (db *DB) MarkMessageFailed(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		MsgFailed, id, MsgPending)
	return err
}
