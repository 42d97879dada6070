package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"habitat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

// RoomHub manages WebSocket connections for chat rooms. It is room-centric:
// a client joins rooms explicitly and only receives events for rooms it has
// joined.
type RoomHub struct {
	mu sync.RWMutex

	// Map: roomID -> set of userIDs viewing the room
	rooms map[uint]map[uint]struct{}

	// Map: userID -> set of roomIDs they're actively viewing
	userRooms map[uint]map[uint]struct{}

	// Map: userID -> set of active Clients (multi-device support)
	userConns map[uint]map[*Client]bool

	wsLog *observability.WSLogger
}

// Name returns a human-readable identifier for this hub.
func (h *RoomHub) Name() string { return "room hub" }

// RoomEvent is the envelope broadcast to clients over the websocket.
type RoomEvent struct {
	Type    string      `json:"type"` // "message", "typing", "presence", "reaction", "connected", "resync", "server_shutdown"
	RoomID  uint        `json:"room_id,omitempty"`
	UserID  uint        `json:"user_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewRoomHub creates a new RoomHub instance
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:     make(map[uint]map[uint]struct{}),
		userRooms: make(map[uint]map[uint]struct{}),
		userConns: make(map[uint]map[*Client]bool),
		wsLog:     observability.NewWSLogger("room hub"),
	}
}

// Register registers a user's websocket connection. Returns Client or error if limits exceeded.
func (h *RoomHub) Register(ctx context.Context, userID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()

	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[*Client]bool)
	}
	if len(h.userConns[userID]) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, fmt.Errorf("user connection limit reached")
	}

	client := NewClient(h, conn, userID)
	h.userConns[userID][client] = true
	h.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	h.wsLog.LogConnect(ctx, userID)

	ack := RoomEvent{Type: "connected", UserID: userID}
	if raw, err := json.Marshal(ack); err == nil {
		client.TrySend(raw)
	}
	return client, nil
}

// RegisterClient registers an already-constructed client (test hook and
// transports that build their own Client).
func (h *RoomHub) RegisterClient(client *Client) {
	h.mu.Lock()
	if h.userConns[client.UserID] == nil {
		h.userConns[client.UserID] = make(map[*Client]bool)
	}
	h.userConns[client.UserID][client] = true
	client.Hub = h
	h.mu.Unlock()
	observability.WebSocketConnectionsTotal.Inc()
}

// UnregisterClient removes a user's websocket connection and cleans up all
// their room subscriptions once the last connection is gone.
func (h *RoomHub) UnregisterClient(client *Client) {
	h.mu.Lock()

	clients, ok := h.userConns[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	observability.WebSocketConnectionsTotal.Dec()

	if len(clients) > 0 {
		// User still has other connections; just drop this one.
		h.mu.Unlock()
		h.wsLog.LogDisconnect(context.Background(), client.UserID, "client closed")
		return
	}
	delete(h.userConns, client.UserID)

	// All connections gone: remove the user from every room.
	if rooms, ok := h.userRooms[client.UserID]; ok {
		for roomID := range rooms {
			if users, ok := h.rooms[roomID]; ok {
				delete(users, client.UserID)
				observability.WebSocketRoomConnections.WithLabelValues(roomLabel(roomID)).Dec()
				if len(users) == 0 {
					delete(h.rooms, roomID)
				}
			}
		}
		delete(h.userRooms, client.UserID)
	}

	h.mu.Unlock()
	h.wsLog.LogDisconnect(context.Background(), client.UserID, "all connections closed")
}

// IsUserOnline returns true when the user has at least one active websocket client.
func (h *RoomHub) IsUserOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.userConns[userID]
	return ok && len(clients) > 0
}

// JoinRoom subscribes a connected user to a room's events.
func (h *RoomHub) JoinRoom(userID, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.userConns[userID]; !ok {
		return
	}

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[uint]struct{})
	}
	if _, already := h.rooms[roomID][userID]; !already {
		observability.WebSocketRoomConnections.WithLabelValues(roomLabel(roomID)).Inc()
	}
	h.rooms[roomID][userID] = struct{}{}

	if h.userRooms[userID] == nil {
		h.userRooms[userID] = make(map[uint]struct{})
	}
	h.userRooms[userID][roomID] = struct{}{}
}

// LeaveRoom unsubscribes a user from a room's events.
func (h *RoomHub) LeaveRoom(userID, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if users, ok := h.rooms[roomID]; ok {
		if _, present := users[userID]; present {
			delete(users, userID)
			observability.WebSocketRoomConnections.WithLabelValues(roomLabel(roomID)).Dec()
		}
		if len(users) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.userRooms[userID]; ok {
		delete(rooms, roomID)
	}
}

// BroadcastToRoom sends an event to every connected client viewing the room.
func (h *RoomHub) BroadcastToRoom(roomID uint, event RoomEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users, ok := h.rooms[roomID]
	if !ok {
		return
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return
	}

	for userID := range users {
		if clients, ok := h.userConns[userID]; ok {
			for client := range clients {
				client.TrySend(raw)
			}
		}
	}
}

// ActiveUsers returns the userIDs currently viewing a room.
func (h *RoomHub) ActiveUsers(roomID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users, ok := h.rooms[roomID]
	if !ok {
		return []uint{}
	}
	result := make([]uint, 0, len(users))
	for userID := range users {
		result = append(result, userID)
	}
	return result
}

// IsUserActive checks if a user is currently viewing a room.
func (h *RoomHub) IsUserActive(userID, roomID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms, ok := h.userRooms[userID]
	if !ok {
		return false
	}
	_, active := rooms[roomID]
	return active
}

// StartWiring connects the hub to Redis pub/sub so feed events published on
// any node fan out to this node's clients.
func (h *RoomHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartRoomSubscriber(ctx, func(channel, payload string) {
		feed, roomID, ok := ParseFeedChannel(channel)
		if !ok {
			return
		}

		var eventType string
		switch feed {
		case FeedMessages:
			eventType = "message"
		case FeedTyping:
			eventType = "typing"
		case FeedPresence:
			eventType = "presence"
		case FeedReactions:
			eventType = "reaction"
		}

		var body json.RawMessage
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return
		}

		h.BroadcastToRoom(roomID, RoomEvent{
			Type:    eventType,
			RoomID:  roomID,
			Payload: body,
		})
	})
}

// Shutdown gracefully closes all websocket connections
func (h *RoomHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, clients := range h.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"server_shutdown","payload":{"message":"Server is shutting down"}}`)); err != nil {
				h.wsLog.LogError(context.Background(), userID, err, "shutdown_write")
			}
			if err := client.Conn.Close(); err != nil {
				h.wsLog.LogError(context.Background(), userID, err, "shutdown_close")
			}
		}
	}

	h.rooms = make(map[uint]map[uint]struct{})
	h.userRooms = make(map[uint]map[uint]struct{})
	h.userConns = make(map[uint]map[*Client]bool)

	return nil
}

func roomLabel(roomID uint) string {
	return strconv.FormatUint(uint64(roomID), 10)
}
