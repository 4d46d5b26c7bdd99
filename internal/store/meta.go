package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const metaColumns = `conversation_id, sync_state, local_min_seq, local_max_seq, last_known_remote_seq, last_synced_at, last_accessed_at, cached_at, unread_count, known_gaps`

// GetSyncMeta returns the sync metadata for a conversation, or nil if the
// conversation has never been cached.
func (db *DB) GetSyncMeta(conversationID string) (*SyncMeta, error) {
	row := db.QueryRow(`SELECT `+metaColumns+` FROM conversations WHERE conversation_id = ?`, conversationID)
	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// ListSyncMeta returns metadata for every cached conversation.
func (db *DB) ListSyncMeta() ([]SyncMeta, error) {
	rows, err := db.Query(`SELECT ` + metaColumns + ` FROM conversations ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metas []SyncMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, *m)
	}
	return metas, rows.Err()
}

// PutSyncMeta upserts the full metadata record for a conversation.
func (db *DB) PutSyncMeta(meta *SyncMeta) error {
	gaps, err := json.Marshal(meta.KnownGaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	if meta.State == "" {
		meta.State = StateUnknown
	}
	var remoteSeq any
	if meta.LastKnownRemoteSeq > 0 {
		remoteSeq = meta.LastKnownRemoteSeq
	}
	now := nowMillis()
	cachedAt := meta.CachedAt
	if cachedAt == 0 {
		cachedAt = now
	}
	_, err = db.Exec(`
		INSERT INTO conversations (conversation_id, sync_state, local_min_seq, local_max_seq, last_known_remote_seq, last_synced_at, last_accessed_at, cached_at, unread_count, known_gaps, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			sync_state = excluded.sync_state,
			local_min_seq = excluded.local_min_seq,
			local_max_seq = excluded.local_max_seq,
			last_known_remote_seq = excluded.last_known_remote_seq,
			last_synced_at = excluded.last_synced_at,
			last_accessed_at = excluded.last_accessed_at,
			unread_count = excluded.unread_count,
			known_gaps = excluded.known_gaps,
			updated_at = excluded.updated_at`,
		meta.ConversationID, meta.State, meta.LocalMinSeq, meta.LocalMaxSeq, remoteSeq,
		meta.LastSyncedAt, meta.LastAccessedAt, cachedAt, meta.UnreadCount, string(gaps), now)
	return err
}

// SetSyncState updates only the sync state of a conversation.
func (db *DB) SetSyncState(conversationID string, state SyncState) error {
	_, err := db.Exec(`UPDATE conversations SET sync_state = ?, updated_at = ? WHERE conversation_id = ?`,
		state, nowMillis(), conversationID)
	return err
}

// SetAllSyncStates moves every cached conversation to the given state.
// Used on connectivity restore: conversations self-heal individually later.
func (db *DB) SetAllSyncStates(state SyncState) error {
	_, err := db.Exec(`UPDATE conversations SET sync_state = ?, updated_at = ?`, state, nowMillis())
	return err
}

// SetRemoteSeq records the last known remote sequence for a conversation.
func (db *DB) SetRemoteSeq(conversationID string, seq int64) error {
	now := nowMillis()
	_, err := db.Exec(`
		INSERT INTO conversations (conversation_id, last_known_remote_seq, cached_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_known_remote_seq = excluded.last_known_remote_seq,
			updated_at = excluded.updated_at`,
		conversationID, seq, now, now)
	return err
}

// TouchAccessed records a read of the conversation for LRU eviction.
func (db *DB) TouchAccessed(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET last_accessed_at = ? WHERE conversation_id = ?`,
		nowMillis(), conversationID)
	return err
}

// SetUnreadCount stores the unread badge count for a conversation.
func (db *DB) SetUnreadCount(conversationID string, count int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE conversation_id = ?`,
		count, nowMillis(), conversationID)
	return err
}

func scanMeta(r rowScanner) (*SyncMeta, error) {
	var m SyncMeta
	var remoteSeq sql.NullInt64
	var gaps string
	if err := r.Scan(&m.ConversationID, &m.State, &m.LocalMinSeq, &m.LocalMaxSeq,
		&remoteSeq, &m.LastSyncedAt, &m.LastAccessedAt, &m.CachedAt, &m.UnreadCount, &gaps); err != nil {
		return nil, err
	}
	m.LastKnownRemoteSeq = remoteSeq.Int64
	if err := json.Unmarshal([]byte(gaps), &m.KnownGaps); err != nil {
		return nil, fmt.Errorf("unmarshal gaps for %s: %w", m.ConversationID, err)
	}
	return &m, nil
}
