package api

import (
	"context"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/queue"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/sync"
)

type fakeRooms struct {
	mu     stdsync.Mutex
	joins  []string
	leaves []string
}

func (f *fakeRooms) JoinConversation(conversationID string) func() {
	f.mu.Lock()
	f.joins = append(f.joins, conversationID)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.leaves = append(f.leaves, conversationID)
		f.mu.Unlock()
	}
}

type fetcherFunc func(conv string, limit int, before int64, after string) (*remote.Page, error)

func (f fetcherFunc) FetchMessages(_ context.Context, conv string, limit int, before int64, after string) (*remote.Page, error) {
	return f(conv, limit, before, after)
}

type senderStub struct{}

func (senderStub) SendMessage(_ context.Context, conv, content, tempID, _ string) (*remote.Message, error) {
	return &remote.Message{
		ID:             "srv-" + tempID,
		ConversationID: conv,
		Content:        content,
		SequenceNumber: 1,
		CreatedAt:      time.UnixMilli(1700000000000),
		ClientTempID:   tempID,
	}, nil
}

func (senderStub) MarkRead(context.Context, string) error { return nil }

func newService(t *testing.T, fetch fetcherFunc) (*Service, *store.DB, *fakeRooms) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	clock := clockwork.NewFakeClock()
	logger := zap.NewNop()
	if fetch == nil {
		fetch = func(string, int, int64, string) (*remote.Page, error) { return &remote.Page{}, nil }
	}

	engine := sync.NewEngine(db, db, fetch, b, clock, logger, sync.Config{})
	validator := sync.NewValidator(db, engine, b, clock, logger, sync.ValidatorConfig{})
	recon := sync.NewReconciler(db, db, b, clock, logger)
	q := queue.New(db, senderStub{}, recon, b, clock, logger, queue.Config{})
	rooms := &fakeRooms{}
	return NewService(db, db, engine, validator, q, rooms, logger), db, rooms
}

func seed(t *testing.T, db *store.DB, conv string, seqs ...int64) {
	t.Helper()
	var batch []*store.Message
	for _, s := range seqs {
		batch = append(batch, &store.Message{
			ID:             fmt.Sprintf("m%d", s),
			ConversationID: conv,
			Content:        fmt.Sprintf("message %d", s),
			Seq:            s,
			CreatedAt:      1700000000000 + s*1000,
			Status:         store.MsgSent,
		})
	}
	if err := db.PutMessages(conv, batch); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestGetCachedMessagesDegradesToEmpty(t *testing.T) {
	s, db, _ := newService(t, nil)
	seed(t, db, "c1", 1, 2)

	if got := s.GetCachedMessages("c1"); len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got := s.GetCachedMessages("missing"); got != nil {
		t.Fatalf("missing conversation returned %v", got)
	}
}

func TestGetCachedMessagesTouchesAccessTime(t *testing.T) {
	s, db, _ := newService(t, nil)
	seed(t, db, "c1", 1)

	before, _ := db.GetSyncMeta("c1")
	time.Sleep(2 * time.Millisecond)
	s.GetCachedMessages("c1")
	after, _ := db.GetSyncMeta("c1")

	if after.LastAccessedAt <= before.LastAccessedAt {
		t.Fatal("read did not record access time")
	}
}

func TestGetMessagesPageNeverFails(t *testing.T) {
	s, db, _ := newService(t, nil)
	seed(t, db, "c1", 1, 2, 3, 4, 5)

	page := s.GetMessagesPage("c1", 0, 2, 0)
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].Seq != 4 || page.Messages[1].Seq != 5 {
		t.Fatalf("page not newest-first window: %+v", page.Messages)
	}

	empty := s.GetMessagesPage("missing", 0, 10, 0)
	if empty == nil || len(empty.Messages) != 0 {
		t.Fatalf("missing conversation page = %+v", empty)
	}
}

func TestOpenJoinsRoomOnceAndCloseLeaves(t *testing.T) {
	s, _, rooms := newService(t, nil)

	s.OnConversationOpen("c1")
	s.OnConversationOpen("c1")
	s.OnConversationClose("c1")

	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	if len(rooms.joins) != 1 || rooms.joins[0] != "c1" {
		t.Fatalf("joins = %v", rooms.joins)
	}
	if len(rooms.leaves) != 1 || rooms.leaves[0] != "c1" {
		t.Fatalf("leaves = %v", rooms.leaves)
	}
}

func TestManualResyncReplacesWindow(t *testing.T) {
	fetch := fetcherFunc(func(conv string, _ int, before int64, after string) (*remote.Page, error) {
		return &remote.Page{Messages: []remote.Message{{
			ID: "m9", ConversationID: conv, Content: "fresh",
			SequenceNumber: 9, CreatedAt: time.UnixMilli(1700000009000),
		}}}, nil
	})
	s, db, _ := newService(t, fetch)
	seed(t, db, "c1", 1, 2)

	res := s.ManualResync(context.Background(), "c1")
	if res.Err != nil || !res.FullResync {
		t.Fatalf("resync result %+v", res)
	}
	msgs := s.GetCachedMessages("c1")
	if len(msgs) != 1 || msgs[0].Seq != 9 {
		t.Fatalf("window after resync: %+v", msgs)
	}
}

func TestSendMessageReturnsOptimisticRow(t *testing.T) {
	s, db, _ := newService(t, nil)

	m, err := s.SendMessage("c1", "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Status != store.MsgPending || m.TempID == "" {
		t.Fatalf("optimistic row: %+v", m)
	}

	msgs := s.GetCachedMessages("c1")
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("cache after send: %+v", msgs)
	}
	ops, _ := db.DueOperations(time.Now().UnixMilli())
	if len(ops) != 1 {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestConnectivityRestoredResetsStates(t *testing.T) {
	s, db, _ := newService(t, nil)
	seed(t, db, "c1", 1)
	if err := db.SetSyncState("c1", store.StateSynced); err != nil {
		t.Fatal(err)
	}

	s.OnConnectivityRestored()

	meta, _ := db.GetSyncMeta("c1")
	if meta.State != store.StateUnknown {
		t.Fatalf("state = %s, want UNKNOWN", meta.State)
	}
}
