// Package bridge fans message writes to two cache backends during a storage
// migration. It is a pure façade: the phase selector is its only state.
package bridge

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
)

// Phase selects the bridge behavior for the current stage of the cutover.
type Phase int

const (
	// PhaseNewOnly writes and reads the new store only. Terminal phase.
	PhaseNewOnly Phase = iota
	// PhaseDualReadOld writes both stores, reads from the old one.
	PhaseDualReadOld
	// PhaseDualReadNew writes both stores, reads from the new one.
	PhaseDualReadNew
)

// ParsePhase maps the config string to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "new-only":
		return PhaseNewOnly, nil
	case "dual-read-old":
		return PhaseDualReadOld, nil
	case "dual-read-new":
		return PhaseDualReadNew, nil
	default:
		return 0, fmt.Errorf("unknown migration phase %q", s)
	}
}

// Bridge is a store.MessageStore that delegates per the configured phase.
// Dual writes are strictly sequential, new store first, so the two backends
// observe operations in the same order.
type Bridge struct {
	phase    Phase
	newStore store.MessageStore
	oldStore store.MessageStore
}

// New creates a bridge. oldStore may be nil only in PhaseNewOnly.
func New(phase Phase, newStore, oldStore store.MessageStore) (*Bridge, error) {
	if phase != PhaseNewOnly && oldStore == nil {
		return nil, fmt.Errorf("migration phase requires a legacy store")
	}
	return &Bridge{phase: phase, newStore: newStore, oldStore: oldStore}, nil
}

// Phase returns the configured phase.
func (b *Bridge) Phase() Phase { return b.phase }

func (b *Bridge) readStore() store.MessageStore {
	if b.phase == PhaseDualReadOld {
		return b.oldStore
	}
	return b.newStore
}

// GetMessages reads from the phase's primary store.
func (b *Bridge) GetMessages(conversationID string) ([]store.Message, error) {
	return b.readStore().GetMessages(conversationID)
}

// GetMessagesPage reads from the phase's primary store.
func (b *Bridge) GetMessagesPage(conversationID string, offset, limit int, beforeSeq int64) (*store.Page, error) {
	return b.readStore().GetMessagesPage(conversationID, offset, limit, beforeSeq)
}

// PutMessages writes the batch to the new store, then the old one.
func (b *Bridge) PutMessages(conversationID string, msgs []*store.Message) error {
	if err := b.newStore.PutMessages(conversationID, msgs); err != nil {
		return err
	}
	if b.dualWrite() {
		if err := b.oldStore.PutMessages(conversationID, msgs); err != nil {
			return fmt.Errorf("legacy write: %w", err)
		}
	}
	return nil
}

// PutMessage writes to the new store, then the old one.
func (b *Bridge) PutMessage(m *store.Message) error {
	if err := b.newStore.PutMessage(m); err != nil {
		return err
	}
	if b.dualWrite() {
		if err := b.oldStore.PutMessage(m); err != nil {
			return fmt.Errorf("legacy write: %w", err)
		}
	}
	return nil
}

// ReplaceOptimistic applies the swap to both stores; the primary's answer
// about whether a pending row existed is the one returned.
func (b *Bridge) ReplaceOptimistic(tempID string, confirmed *store.Message) (bool, error) {
	replaced, err := b.newStore.ReplaceOptimistic(tempID, confirmed)
	if err != nil {
		return false, err
	}
	if b.dualWrite() {
		cp := *confirmed
		if _, err := b.oldStore.ReplaceOptimistic(tempID, &cp); err != nil {
			return replaced, fmt.Errorf("legacy write: %w", err)
		}
	}
	return replaced, nil
}

// DeleteConversation clears the conversation from both stores.
func (b *Bridge) DeleteConversation(conversationID string) error {
	if err := b.newStore.DeleteConversation(conversationID); err != nil {
		return err
	}
	if b.dualWrite() {
		if err := b.oldStore.DeleteConversation(conversationID); err != nil {
			return fmt.Errorf("legacy write: %w", err)
		}
	}
	return nil
}

func (b *Bridge) dualWrite() bool { return b.phase != PhaseNewOnly }
