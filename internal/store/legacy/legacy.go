// Package legacy is the bbolt message cache that predates the SQLite store.
// It is kept alive only for the storage migration window: the bridge dual-
// writes into it so a rollback to the old backend loses nothing. It holds no
// sync metadata and no operation queue.
package legacy

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/matheus3301/chatsync/internal/store"
)

// Store is a bbolt-backed store.MessageStore. One bucket per conversation,
// keys are message ids, values JSON-encoded messages.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the legacy cache file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open legacy cache: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// GetMessages returns all cached messages for a conversation in display order.
func (s *Store) GetMessages(conversationID string) ([]store.Message, error) {
	var msgs []store.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m store.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// GetMessagesPage pages through the conversation, newest-first selection
// returned in ascending order, mirroring the SQLite store's contract.
func (s *Store) GetMessagesPage(conversationID string, offset, limit int, beforeSeq int64) (*store.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := s.GetMessages(conversationID)
	if err != nil {
		return nil, err
	}
	if beforeSeq > 0 {
		filtered := all[:0]
		for _, m := range all {
			if m.Seq > 0 && m.Seq < beforeSeq {
				filtered = append(filtered, m)
			}
		}
		all = filtered
	}
	total := len(all)

	// Page from the newest end.
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]store.Message, end-start)
	copy(page, all[start:end])

	return &store.Page{
		Messages: page,
		HasMore:  start > 0,
		Total:    total,
	}, nil
}

// PutMessages upserts a batch in one bbolt transaction.
func (s *Store) PutMessages(conversationID string, msgs []*store.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ConversationID == "" {
				m.ConversationID = conversationID
			}
			if err := putTx(b, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutMessage upserts a single message.
func (s *Store) PutMessage(m *store.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		return putTx(b, m)
	})
}

// ReplaceOptimistic swaps the pending entry for the confirmed one, keeping
// the pending entry's sort key, in one transaction.
func (s *Store) ReplaceOptimistic(tempID string, confirmed *store.Message) (bool, error) {
	replaced := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(confirmed.ConversationID))
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(tempID)); raw != nil {
			var pending store.Message
			if err := json.Unmarshal(raw, &pending); err != nil {
				return fmt.Errorf("decode pending: %w", err)
			}
			if pending.Status == store.MsgPending {
				if err := b.Delete([]byte(tempID)); err != nil {
					return err
				}
				confirmed.SortKey = pending.SortKey
				confirmed.TempID = tempID
				replaced = true
			}
		}
		return putTx(b, confirmed)
	})
	return replaced, err
}

// DeleteConversation drops the conversation's bucket.
func (s *Store) DeleteConversation(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(conversationID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func putTx(b *bolt.Bucket, m *store.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b.Put([]byte(m.ID), raw)
}

func sortMessages(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SortKey != msgs[j].SortKey {
			return msgs[i].SortKey < msgs[j].SortKey
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
