package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"habitat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	maxMessageSize = 16384

	maxConnsPerUser = 12
)

// WSHub is the hub-side contract a Client reports back to.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one websocket connection of one user. Besides running the
// connection pumps it remembers which rooms this connection has joined, so
// presence can be dropped for exactly those rooms when the socket closes.
type Client struct {
	Hub WSHub

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	// UserID for this client
	UserID uint

	// Callback for handling incoming frames
	IncomingHandler func(*Client, []byte)

	roomsMu sync.Mutex
	rooms   map[uint]struct{}
}

// NewClient creates a new Client instance
func NewClient(hub WSHub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, 256),
		rooms:  make(map[uint]struct{}),
	}
}

// TrackRoom records that this connection joined the room.
func (c *Client) TrackRoom(roomID uint) {
	c.roomsMu.Lock()
	if c.rooms == nil {
		c.rooms = make(map[uint]struct{})
	}
	c.rooms[roomID] = struct{}{}
	c.roomsMu.Unlock()
}

// ForgetRoom records that this connection left the room.
func (c *Client) ForgetRoom(roomID uint) {
	c.roomsMu.Lock()
	delete(c.rooms, roomID)
	c.roomsMu.Unlock()
}

// Rooms returns the rooms this connection has joined and not left.
func (c *Client) Rooms() []uint {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	ids := make([]uint, 0, len(c.rooms))
	for roomID := range c.rooms {
		ids = append(ids, roomID)
	}
	return ids
}

// ReadPump pumps frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump Error (User %d): %v", c.UserID, err)
			}
			break
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. When the buffer is full the frame
// is dropped and the client is told to re-fetch the room state it missed.
func (c *Client) TrySend(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- frame:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		log.Printf("Client %d (%s): send buffer full, frame dropped", c.UserID, c.Hub.Name())

		// Best-effort resync notice so the app can re-fetch the history gap.
		notice, err := json.Marshal(RoomEvent{Type: "resync", Payload: map[string]string{"reason": "slow_consumer"}})
		if err != nil {
			return
		}
		select {
		case c.Send <- notice:
		default:
			// Can't even queue the notice; the socket is beyond saving.
		}
	}
}
