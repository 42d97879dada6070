package server

import (
	"encoding/json"

	"habitat/internal/models"
	"habitat/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetRooms handles GET /api/rooms
func (s *Server) GetRooms(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	rooms, err := s.chatService.GetRooms(ctx, user.ApartmentID, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(rooms)
}

// CreateRoom handles POST /api/rooms
func (s *Server) CreateRoom(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Type        string `json:"type"`
		IsPrivate   bool   `json:"is_private,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	room, err := s.chatService.CreateRoom(ctx, service.CreateRoomInput{
		UserID:      userID,
		ApartmentID: user.ApartmentID,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		IsPrivate:   req.IsPrivate,
	})
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(room)
}

// CreatePrivateRoom handles POST /api/rooms/private
func (s *Server) CreatePrivateRoom(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)

	var req struct {
		UserID uint `json:"user_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil || req.UserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	room, err := s.chatService.CreatePrivateRoom(ctx, userID, req.UserID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(room)
}

// GetRoom handles GET /api/rooms/:id
func (s *Server) GetRoom(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	room, err := s.chatService.GetRoomForUser(ctx, roomID, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(room)
}

// JoinRoom handles POST /api/rooms/:id/join
func (s *Server) JoinRoom(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	room, err := s.chatService.JoinRoom(ctx, roomID, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(room)
}

// LeaveRoom handles POST /api/rooms/:id/leave
func (s *Server) LeaveRoom(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.LeaveRoom(ctx, roomID, userID); err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(fiber.Map{"message": "Left room"})
}

// GetMembers handles GET /api/rooms/:id/members
func (s *Server) GetMembers(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	members, err := s.chatService.GetMembers(ctx, roomID, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(members)
}

// GetMessages handles GET /api/rooms/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	p := parsePagination(c, 50)
	messages, err := s.chatService.GetMessages(ctx, roomID, userID, p.Limit, p.Offset)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(messages)
}

// SendMessage handles POST /api/rooms/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Message     string          `json:"message"`
		MessageType string          `json:"message_type,omitempty"`
		ReplyToID   *uint           `json:"reply_to_id,omitempty"`
		Attachments json.RawMessage `json:"attachments,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	msg, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		UserID:      userID,
		RoomID:      roomID,
		Message:     req.Message,
		MessageType: req.MessageType,
		ReplyToID:   req.ReplyToID,
		Attachments: req.Attachments,
	})
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(msg)
}

// EditMessage handles PUT /api/messages/:id
func (s *Server) EditMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Message string `json:"message"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	msg, err := s.chatService.EditMessage(ctx, msgID, userID, req.Message)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:id
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.DeleteMessage(ctx, msgID, userID); err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(fiber.Map{"message": "Message deleted"})
}

// AddReaction handles POST /api/messages/:id/reactions
func (s *Server) AddReaction(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Kind string `json:"kind"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.chatService.AddReaction(ctx, msgID, userID, req.Kind); err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Reaction added"})
}

// RemoveReaction handles DELETE /api/messages/:id/reactions/:kind
func (s *Server) RemoveReaction(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	kind := c.Params("kind")

	if err := s.chatService.RemoveReaction(ctx, msgID, userID, kind); err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(fiber.Map{"message": "Reaction removed"})
}

// MarkRoomRead handles POST /api/rooms/:id/read
func (s *Server) MarkRoomRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.MarkRoomRead(ctx, roomID, userID); err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(fiber.Map{"message": "Room marked read"})
}

// GetUnreadCount handles GET /api/rooms/:id/unread
func (s *Server) GetUnreadCount(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := currentUserID(c)
	roomID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	count, err := s.chatService.UnreadCount(ctx, roomID, userID)
	if err != nil {
		return models.RespondWithError(c, models.StatusForError(err), err)
	}

	return c.JSON(fiber.Map{"room_id": roomID, "unread_count": count})
}
