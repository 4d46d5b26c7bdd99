package legacy

import (
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "legacy.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(conv, id string, seq int64) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: conv,
		Content:        "m-" + id,
		Seq:            seq,
		SortKey:        1000 * seq,
		Status:         store.MsgSent,
	}
}

func TestPutGetOrdered(t *testing.T) {
	s := testStore(t)

	if err := s.PutMessages("conv-1", []*store.Message{
		msg("conv-1", "b", 2), msg("conv-1", "a", 1), msg("conv-1", "c", 3),
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []int64{1, 2, 3} {
		if msgs[i].Seq != want {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, msgs[i].Seq, want)
		}
	}
}

func TestPutIdempotent(t *testing.T) {
	s := testStore(t)

	m := msg("conv-1", "a", 1)
	if err := s.PutMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := s.PutMessage(m); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.GetMessages("conv-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestPage(t *testing.T) {
	s := testStore(t)

	var batch []*store.Message
	for i := int64(1); i <= 6; i++ {
		batch = append(batch, msg("conv-1", string(rune('a'+i)), i))
	}
	if err := s.PutMessages("conv-1", batch); err != nil {
		t.Fatal(err)
	}

	page, err := s.GetMessagesPage("conv-1", 0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Seq != 5 || page.Messages[1].Seq != 6 {
		t.Errorf("page = %v, want seqs [5 6]", page.Messages)
	}
	if !page.HasMore || page.Total != 6 {
		t.Errorf("hasMore=%v total=%d, want true 6", page.HasMore, page.Total)
	}

	older, err := s.GetMessagesPage("conv-1", 0, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(older.Messages) != 4 {
		t.Errorf("beforeSeq page length = %d, want 4", len(older.Messages))
	}
}

func TestReplaceOptimistic(t *testing.T) {
	s := testStore(t)

	pending := &store.Message{
		ID: "temp-1", ConversationID: "conv-1", Content: "hi",
		SortKey: 500, Status: store.MsgPending, TempID: "temp-1",
	}
	if err := s.PutMessage(pending); err != nil {
		t.Fatal(err)
	}

	srv := msg("conv-1", "srv-1", 4)
	replaced, err := s.ReplaceOptimistic("temp-1", srv)
	if err != nil {
		t.Fatal(err)
	}
	if !replaced {
		t.Fatal("pending entry not replaced")
	}
	msgs, _ := s.GetMessages("conv-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].SortKey != 500 {
		t.Errorf("sort key = %d, want 500 (preserved)", msgs[0].SortKey)
	}
}

func TestDeleteConversation(t *testing.T) {
	s := testStore(t)

	if err := s.PutMessage(msg("conv-1", "a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConversation("conv-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConversation("conv-1"); err != nil {
		t.Errorf("delete of missing conversation errored: %v", err)
	}
	msgs, _ := s.GetMessages("conv-1")
	if len(msgs) != 0 {
		t.Errorf("messages remain: %d", len(msgs))
	}
}
