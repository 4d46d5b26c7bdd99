package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/remote"
)

// State is the connection state of one hub.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Handler receives decoded push events. Handlers run sequentially so
// same-conversation events are applied in arrival order; a panicking
// handler is recovered and logged without affecting the others.
type Handler func(Event)

// Hub maintains one persistent push connection and multiplexes per-room
// subscriptions over it. Room subscriptions are reference-counted; joins
// issued while disconnected are queued and satisfied on the next connect.
type Hub struct {
	name    string
	url     string
	creds   remote.CredentialSource
	clock   clockwork.Clock
	logger  *zap.Logger
	backoff *backoff

	onConnect    func()
	onDisconnect func(error)
	onError      func(error)

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	rooms    map[string]int
	handlers map[int]Handler
	nextID   int

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub for one logical channel.
func NewHub(name, url string, creds remote.CredentialSource, clock clockwork.Clock, logger *zap.Logger, base, max time.Duration) *Hub {
	return &Hub{
		name:     name,
		url:      url,
		creds:    creds,
		clock:    clock,
		logger:   logger.With(zap.String("hub", name)),
		backoff:  newBackoff(base, max),
		rooms:    make(map[string]int),
		handlers: make(map[int]Handler),
	}
}

// OnConnect registers the connected callback. Set before Start.
func (h *Hub) OnConnect(f func()) { h.onConnect = f }

// OnDisconnect registers the disconnected callback. Set before Start.
func (h *Hub) OnDisconnect(f func(error)) { h.onDisconnect = f }

// OnError registers the connection-error callback. Errors (including
// authentication failures) surface here and feed the normal reconnect
// path; the public API never propagates them.
func (h *Hub) OnError(f func(error)) { h.onError = f }

// State returns the current connection state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribe registers an event handler; the returned function removes it.
func (h *Hub) Subscribe(fn Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

// JoinRoom adds a reference to the room, joining it on the wire on the
// first reference. Safe to call while disconnected.
func (h *Hub) JoinRoom(roomID string) {
	h.mu.Lock()
	h.rooms[roomID]++
	first := h.rooms[roomID] == 1
	conn := h.conn
	h.mu.Unlock()

	if first && conn != nil {
		if err := h.write(conn, command{Type: "join_room", RoomID: roomID}); err != nil {
			// The join is retried by the rejoin pass on reconnect.
			h.logger.Warn("join failed, queued for reconnect", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// LeaveRoom drops one reference; the room is left on the wire only when the
// last reference is gone.
func (h *Hub) LeaveRoom(roomID string) {
	h.mu.Lock()
	if h.rooms[roomID] == 0 {
		h.mu.Unlock()
		return
	}
	h.rooms[roomID]--
	last := h.rooms[roomID] == 0
	if last {
		delete(h.rooms, roomID)
	}
	conn := h.conn
	h.mu.Unlock()

	if last && conn != nil {
		if err := h.write(conn, command{Type: "leave_room", RoomID: roomID}); err != nil {
			h.logger.Warn("leave failed", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// Rooms returns the currently referenced room ids.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the connection loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.mu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	connectedBefore := false

	for {
		if connectedBefore {
			h.setState(Reconnecting)
		} else {
			h.setState(Connecting)
		}

		conn, err := h.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				h.setState(Disconnected)
				return
			}
			h.reportError(err)
			if !h.sleep(ctx, h.backoff.next()) {
				h.setState(Disconnected)
				return
			}
			continue
		}

		h.mu.Lock()
		h.conn = conn
		h.state = Connected
		rooms := make([]string, 0, len(h.rooms))
		for id := range h.rooms {
			rooms = append(rooms, id)
		}
		h.mu.Unlock()
		h.backoff.reset()
		connectedBefore = true

		// Rejoin everything currently subscribed.
		for _, roomID := range rooms {
			if err := h.write(conn, command{Type: "join_room", RoomID: roomID}); err != nil {
				h.logger.Warn("rejoin failed", zap.String("room", roomID), zap.Error(err))
			}
		}
		h.logger.Info("hub connected", zap.Int("rooms", len(rooms)))
		if h.onConnect != nil {
			h.onConnect()
		}

		readErr := h.readLoop(conn)
		_ = conn.Close()
		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()

		if h.onDisconnect != nil {
			h.onDisconnect(readErr)
		}
		if ctx.Err() != nil {
			h.setState(Disconnected)
			return
		}
		h.reportError(readErr)
		h.setState(Reconnecting)
		if !h.sleep(ctx, h.backoff.next()) {
			h.setState(Disconnected)
			return
		}
	}
}

func (h *Hub) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := h.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, h.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", h.name, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", h.name, err)
	}
	return conn, nil
}

func (h *Hub) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		evt, err := DecodeEvent(raw)
		if err != nil {
			h.logger.Warn("bad push frame", zap.Error(err))
			continue
		}
		if evt == nil {
			h.logger.Debug("unknown push event dropped", zap.ByteString("frame", raw))
			continue
		}
		h.dispatch(*evt)
	}
}

func (h *Hub) dispatch(evt Event) {
	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		h.safeCall(fn, evt)
	}
}

func (h *Hub) safeCall(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				zap.String("event", evt.Kind.String()),
				zap.Any("panic", r))
		}
	}()
	fn(evt)
}

func (h *Hub) write(conn *websocket.Conn, cmd command) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Hub) reportError(err error) {
	if err == nil {
		return
	}
	h.logger.Warn("hub connection error", zap.Error(err))
	if h.onError != nil {
		h.onError(err)
	}
}

func (h *Hub) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-h.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
