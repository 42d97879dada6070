package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"habitat/internal/middleware"
	"habitat/internal/models"
	"habitat/internal/realtime"
	"habitat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// wsRequest is the envelope for client -> server websocket events.
type wsRequest struct {
	Type      string          `json:"type"`
	RoomID    uint            `json:"room_id,omitempty"`
	MessageID uint            `json:"message_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	ReplyToID *uint           `json:"reply_to_id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebSocketChatHandler handles WebSocket connections for real-time chat.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			log.Printf("WebSocket: failed to load user %d: %v", userID, err)
			_ = conn.Close()
			return
		}
		member := models.PresenceMember{
			UserID:     user.ID,
			UserName:   user.FullName,
			FlatNumber: user.FlatNumber,
			IsOnline:   true,
		}

		if s.hub == nil || s.manager == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"realtime unavailable"}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(ctx, userID, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		client.IncomingHandler = func(c *realtime.Client, raw []byte) {
			var req wsRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				log.Printf("WebSocket: invalid frame from user %d", userID)
				return
			}

			switch req.Type {
			case "join":
				if req.RoomID == 0 {
					return
				}
				if _, err := s.chatService.GetRoomForUser(ctx, req.RoomID, userID); err != nil {
					s.sendError(c, err)
					return
				}
				s.hub.JoinRoom(userID, req.RoomID)
				s.ensureRoomFeeds(req.RoomID)
				c.TrackRoom(req.RoomID)

				if err := s.manager.UpdatePresence(ctx, req.RoomID, member, true); err != nil {
					log.Printf("WebSocket: presence update error: %v", err)
				}
				s.sendAck(c, "joined", req.RoomID)

			case "leave":
				if req.RoomID == 0 {
					return
				}
				s.hub.LeaveRoom(userID, req.RoomID)
				c.ForgetRoom(req.RoomID)

				if err := s.manager.UpdatePresence(ctx, req.RoomID, member, false); err != nil {
					log.Printf("WebSocket: presence update error: %v", err)
				}
				s.releaseRoomFeedsIfIdle(ctx, req.RoomID)

			case "typing":
				if req.RoomID == 0 || !s.hub.IsUserActive(userID, req.RoomID) {
					return
				}
				// Typing frames are cheap to spam; drop silently over the limit.
				id := fmt.Sprintf("user:%d", userID)
				allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
				if !allowed {
					return
				}
				if err := s.manager.SendTypingIndicator(ctx, req.RoomID, userID, user.FullName); err != nil {
					log.Printf("WebSocket: typing publish error: %v", err)
				}

			case "stop_typing":
				if req.RoomID == 0 {
					return
				}
				if err := s.manager.StopTyping(ctx, req.RoomID, userID, user.FullName); err != nil {
					log.Printf("WebSocket: typing publish error: %v", err)
				}

			case "message":
				if req.RoomID == 0 || req.Message == "" {
					return
				}
				id := fmt.Sprintf("user:%d", userID)
				allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
				if !allowed {
					s.sendError(c, models.NewValidationError("Rate limit exceeded. Please wait a moment."))
					return
				}
				if _, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
					UserID:    userID,
					RoomID:    req.RoomID,
					Message:   req.Message,
					ReplyToID: req.ReplyToID,
				}); err != nil {
					s.sendError(c, err)
				}

			case "read":
				if req.RoomID == 0 {
					return
				}
				if err := s.chatService.MarkRoomRead(ctx, req.RoomID, userID); err != nil {
					s.sendError(c, err)
				}

			case "reaction":
				if req.MessageID == 0 || req.Kind == "" {
					return
				}
				var err error
				if req.Action == "remove" {
					err = s.chatService.RemoveReaction(ctx, req.MessageID, userID, req.Kind)
				} else {
					err = s.chatService.AddReaction(ctx, req.MessageID, userID, req.Kind)
				}
				if err != nil {
					s.sendError(c, err)
				}
			}
		}

		go client.WritePump()
		client.ReadPump()

		// The read pump has exited; the hub has already unregistered the
		// client. If this was the user's last device, drop their presence
		// in every room this connection had joined.
		if !s.hub.IsUserOnline(userID) {
			for _, roomID := range client.Rooms() {
				if err := s.manager.UpdatePresence(ctx, roomID, member, false); err != nil {
					log.Printf("WebSocket: presence update error: %v", err)
				}
				s.releaseRoomFeedsIfIdle(ctx, roomID)
			}
		}
	})
}

// ensureRoomFeeds subscribes the room's feeds once and fans every event out
// to the hub. Message inserts arrive hydrated with their sender join.
func (s *Server) ensureRoomFeeds(roomID uint) {
	s.wiredMu.Lock()
	defer s.wiredMu.Unlock()

	if _, ok := s.wiredRooms[roomID]; ok {
		return
	}
	relayCtx, relayCancel := context.WithCancel(s.baseCtx())
	s.wiredRooms[roomID] = relayCancel

	ctx := s.baseCtx()

	broadcast := func(eventType string, payload any) {
		s.hub.BroadcastToRoom(roomID, realtime.RoomEvent{
			Type:    eventType,
			RoomID:  roomID,
			Payload: payload,
		})
	}

	if err := s.manager.SubscribeToMessages(ctx, roomID, realtime.MessageHandlers{
		OnInsert: func(msg *models.ChatMessage) {
			broadcast("message", fiber.Map{"action": "insert", "message": msg})
		},
		OnUpdate: func(msg *models.ChatMessage) {
			broadcast("message", fiber.Map{"action": "update", "message": msg})
		},
		OnDelete: func(msg *models.ChatMessage) {
			broadcast("message", fiber.Map{"action": "delete", "message": msg})
		},
	}); err != nil {
		log.Printf("room %d: message feed wiring error: %v", roomID, err)
	}

	if err := s.manager.SubscribeToTyping(ctx, roomID, func(ev realtime.TypingEvent) {
		broadcast("typing", ev)
	}); err != nil {
		log.Printf("room %d: typing feed wiring error: %v", roomID, err)
	}

	if err := s.manager.SubscribeToReactions(ctx, roomID, func(ev realtime.ReactionEvent) {
		broadcast("reaction", ev)
	}); err != nil {
		log.Printf("room %d: reaction feed wiring error: %v", roomID, err)
	}

	// Presence transitions are tracked per connection via UpdatePresence;
	// here we only relay them, along with the flattened room roster.
	if err := s.notifier.Subscribe(relayCtx, realtime.FeedPresence, roomID, func(payload string) {
		var ev realtime.PresenceEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return
		}
		broadcast("presence", fiber.Map{
			"event":   ev,
			"members": s.presence.RoomMembers(relayCtx, roomID),
		})
	}); err != nil {
		log.Printf("room %d: presence feed wiring error: %v", roomID, err)
	}
}

// releaseRoomFeedsIfIdle tears down the room's feed subscriptions once no
// connected user is active in it. The idle check and the teardown share
// wiredMu with ensureRoomFeeds, so a join landing mid-release either keeps
// the feeds wired or re-wires them after the teardown finishes.
func (s *Server) releaseRoomFeedsIfIdle(ctx context.Context, roomID uint) {
	s.wiredMu.Lock()
	defer s.wiredMu.Unlock()

	if len(s.hub.ActiveUsers(roomID)) > 0 {
		return
	}

	relayCancel, wired := s.wiredRooms[roomID]
	if !wired {
		return
	}
	delete(s.wiredRooms, roomID)
	relayCancel()
	s.manager.UnsubscribeFromRoom(ctx, roomID)
}

func (s *Server) baseCtx() context.Context {
	if s.shutdownCtx != nil {
		return s.shutdownCtx
	}
	return context.Background()
}

func (s *Server) sendAck(c *realtime.Client, eventType string, roomID uint) {
	frame, err := json.Marshal(realtime.RoomEvent{
		Type:    eventType,
		RoomID:  roomID,
		Payload: fiber.Map{"room_id": roomID},
	})
	if err != nil {
		return
	}
	c.TrySend(frame)
}

func (s *Server) sendError(c *realtime.Client, err error) {
	frame, merr := json.Marshal(realtime.RoomEvent{
		Type:    "error",
		Payload: fiber.Map{"message": err.Error()},
	})
	if merr != nil {
		return
	}
	c.TrySend(frame)
}
