package store

import (
	"fmt"
	"time"
)

// Size estimation constants. Sizes are estimated, not measured: content
// bytes dominate, the constant covers row and index overhead.
const (
	bytesPerContentChar = 2
	bytesPerMessage     = 200
)

// ConversationBytes estimates the cache footprint of a conversation.
func (db *DB) ConversationBytes(conversationID string) (int64, error) {
	var size int64
	err := db.QueryRow(`
		SELECT COALESCE(SUM(LENGTH(content) * ? + ?), 0)
		FROM messages WHERE conversation_id = ?`,
		bytesPerContentChar, bytesPerMessage, conversationID).Scan(&size)
	return size, err
}

// EvictLRU deletes whole conversations, least recently accessed first, until
// at least targetBytes of estimated cache space is freed or no candidates
// remain. Returns the number of conversations evicted.
func (db *DB) EvictLRU(targetBytes int64) (int, error) {
	type candidate struct {
		id   string
		size int64
	}

	rows, err := db.Query(`
		SELECT c.conversation_id,
		       COALESCE((SELECT SUM(LENGTH(m.content) * ? + ?) FROM messages m WHERE m.conversation_id = c.conversation_id), 0)
		FROM conversations c
		ORDER BY c.last_accessed_at ASC`,
		bytesPerContentChar, bytesPerMessage)
	if err != nil {
		return 0, err
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.size); err != nil {
			_ = rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	evicted := 0
	var freed int64
	for _, c := range candidates {
		if freed >= targetBytes {
			break
		}
		if err := db.DeleteConversation(c.id); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", c.id, err)
		}
		freed += c.size
		evicted++
	}
	return evicted, nil
}

// Expire deletes messages and metadata whose cache-write timestamp is older
// than maxAgeDays. Message timestamps are irrelevant here: a freshly synced
// old conversation is not expired. Returns the number of messages removed.
func (db *DB) Expire(maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT DISTINCT conversation_id FROM messages WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		affected = append(affected, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	res, err := tx.Exec(`DELETE FROM messages WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()

	for _, id := range affected {
		var remaining int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id).Scan(&remaining); err != nil {
			return 0, err
		}
		if remaining == 0 {
			if _, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
				return 0, err
			}
			continue
		}
		if err := recomputeSeqBoundsTx(tx, id); err != nil {
			return 0, err
		}
	}

	// Stale metadata with no surviving messages at all.
	if _, err := tx.Exec(`
		DELETE FROM conversations
		WHERE cached_at < ?
		  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.conversation_id)`,
		cutoff); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}
