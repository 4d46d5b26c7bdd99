package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
)

// hubServer is an in-process push endpoint for tests.
type hubServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	cmds  chan command
	auths chan string
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	hs := &hubServer{
		t:     t,
		cmds:  make(chan command, 32),
		auths: make(chan string, 8),
	}
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		conn, err := hs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hs.mu.Lock()
		hs.conns = append(hs.conns, conn)
		hs.mu.Unlock()
		hs.auths <- auth
		go func() {
			for {
				var cmd command
				if err := conn.ReadJSON(&cmd); err != nil {
					return
				}
				hs.cmds <- cmd
			}
		}()
	}))
	t.Cleanup(hs.srv.Close)
	return hs
}

func (hs *hubServer) url() string {
	return "ws" + strings.TrimPrefix(hs.srv.URL, "http")
}

func (hs *hubServer) push(v any) {
	hs.mu.Lock()
	conn := hs.conns[len(hs.conns)-1]
	hs.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		hs.t.Errorf("push: %v", err)
	}
}

func (hs *hubServer) dropAll() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, c := range hs.conns {
		_ = c.Close()
	}
	hs.conns = nil
}

func (hs *hubServer) waitCmd(t *testing.T) command {
	t.Helper()
	select {
	case cmd := <-hs.cmds:
		return cmd
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command frame")
		return command{}
	}
}

func testHub(t *testing.T, url string) *Hub {
	t.Helper()
	h := NewHub("chat", url, remote.StaticCredentials("tok"), clockwork.NewRealClock(),
		zap.NewNop(), 10*time.Millisecond, 50*time.Millisecond)
	return h
}

func envelopeFrame(typ string, payload any) map[string]any {
	raw, _ := json.Marshal(payload)
	return map[string]any{"type": typ, "payload": json.RawMessage(raw)}
}

func TestDecodeEventKinds(t *testing.T) {
	cases := []struct {
		frame string
		kind  EventKind
	}{
		{`{"type":"room_state","payload":{"roomId":"r1","latestSeq":7,"messages":[]}}`, KindRoomState},
		{`{"type":"message_new","payload":{"id":"m1","conversationId":"c1","sequenceNumber":3}}`, KindNewMessage},
		{`{"type":"typing","payload":{"conversationId":"c1","userId":"u1","isTyping":true}}`, KindTyping},
		{`{"type":"read_status","payload":{"conversationId":"c1","unreadCount":2}}`, KindReadStatus},
		{`{"type":"conversation_status","payload":{"conversationId":"c1","status":"closed"}}`, KindConversationStatus},
	}
	for _, tc := range cases {
		evt, err := DecodeEvent([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: %v", tc.frame, err)
		}
		if evt.Kind != tc.kind {
			t.Errorf("kind = %v, want %v", evt.Kind, tc.kind)
		}
	}

	evt, err := DecodeEvent([]byte(`{"type":"presence_weird","payload":{}}`))
	if err != nil || evt != nil {
		t.Errorf("unknown event: evt=%v err=%v, want nil,nil", evt, err)
	}
}

func TestBackoffMonotoneAndCapped(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		if d := b.next(); d > time.Second {
			t.Fatalf("delay %v above cap even with jitter", d)
		}
	}
	b.reset()
	if d := b.next(); d > 110*time.Millisecond {
		t.Errorf("post-reset delay %v, want within base+10%%", d)
	}
}

func TestHubConnectJoinAndReceive(t *testing.T) {
	hs := newHubServer(t)
	h := testHub(t, hs.url())

	got := make(chan Event, 8)
	h.Subscribe(func(evt Event) { got <- evt })

	h.JoinRoom("conv-1")
	h.Start(context.Background())
	defer h.Stop()

	if auth := <-hs.auths; auth != "Bearer tok" {
		t.Errorf("auth header = %q", auth)
	}
	if cmd := hs.waitCmd(t); cmd.Type != "join_room" || cmd.RoomID != "conv-1" {
		t.Fatalf("cmd = %+v, want join conv-1", cmd)
	}

	hs.push(envelopeFrame("message_new", remote.Message{
		ID: "m1", ConversationID: "conv-1", SequenceNumber: 4,
	}))

	select {
	case evt := <-got:
		if evt.Kind != KindNewMessage || evt.Message.ID != "m1" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubReconnectsAndRejoins(t *testing.T) {
	hs := newHubServer(t)
	h := testHub(t, hs.url())

	h.JoinRoom("conv-1")
	h.JoinRoom("conv-2")
	h.Start(context.Background())
	defer h.Stop()

	joined := map[string]bool{}
	joined[hs.waitCmd(t).RoomID] = true
	joined[hs.waitCmd(t).RoomID] = true

	hs.dropAll()

	// Both rooms must be rejoined on the new connection.
	rejoined := map[string]bool{}
	rejoined[hs.waitCmd(t).RoomID] = true
	rejoined[hs.waitCmd(t).RoomID] = true
	if !rejoined["conv-1"] || !rejoined["conv-2"] {
		t.Errorf("rejoined = %v, want both rooms", rejoined)
	}
}

func TestHubRoomRefcounting(t *testing.T) {
	hs := newHubServer(t)
	h := testHub(t, hs.url())

	h.Start(context.Background())
	defer h.Stop()
	<-hs.auths

	h.JoinRoom("conv-1")
	h.JoinRoom("conv-1")
	if cmd := hs.waitCmd(t); cmd.Type != "join_room" {
		t.Fatalf("cmd = %+v", cmd)
	}

	h.LeaveRoom("conv-1")
	select {
	case cmd := <-hs.cmds:
		t.Fatalf("premature wire command %+v with one reference left", cmd)
	case <-time.After(100 * time.Millisecond):
	}

	h.LeaveRoom("conv-1")
	if cmd := hs.waitCmd(t); cmd.Type != "leave_room" || cmd.RoomID != "conv-1" {
		t.Fatalf("cmd = %+v, want leave conv-1", cmd)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	hs := newHubServer(t)
	h := testHub(t, hs.url())

	got := make(chan Event, 1)
	h.Subscribe(func(Event) { panic("bad subscriber") })
	h.Subscribe(func(evt Event) { got <- evt })

	h.Start(context.Background())
	defer h.Stop()
	<-hs.auths

	hs.push(envelopeFrame("typing", Typing{ConversationID: "c1", UserID: "u1", IsTyping: true}))

	select {
	case evt := <-got:
		if evt.Kind != KindTyping {
			t.Errorf("kind = %v", evt.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second handler starved by panicking first handler")
	}
}

func TestManagerPublishesConnectivity(t *testing.T) {
	hs := newHubServer(t)
	b := bus.New()
	events, unsub := b.Subscribe("transport.", 8)
	defer unsub()

	m := NewManager(Config{
		ChatHubURL:    hs.url(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}, remote.StaticCredentials("tok"), clockwork.NewRealClock(), b, zap.NewNop())

	m.Start(context.Background())
	defer m.Stop()

	select {
	case evt := <-events:
		if evt.Kind != bus.KindTransportConnected {
			t.Errorf("kind = %v", evt.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transport.connected event")
	}

	release := m.JoinConversation("conv-1")
	if cmd := hs.waitCmd(t); cmd.RoomID != "conv-1" {
		t.Errorf("cmd = %+v", cmd)
	}
	release()
	release() // second call is a no-op
	if cmd := hs.waitCmd(t); cmd.Type != "leave_room" {
		t.Errorf("cmd = %+v", cmd)
	}
}
