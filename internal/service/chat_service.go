// Package service provides application business logic for rooms, messages,
// and reactions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"habitat/internal/cache"
	"habitat/internal/models"
	"habitat/internal/observability"
	"habitat/internal/realtime"
	"habitat/internal/repository"

	"gorm.io/gorm"
)

const maxMessageLen = 10000 // 10K characters

// ChatService provides room and message business logic. Every mutation
// publishes a feed event so subscribers converge without polling.
type ChatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
	notifier *realtime.Notifier
}

// NewChatService returns a new ChatService.
func NewChatService(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	notifier *realtime.Notifier,
) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		userRepo: userRepo,
		notifier: notifier,
	}
}

// CreateRoomInput is the input for creating a room.
type CreateRoomInput struct {
	UserID      uint
	ApartmentID uint
	Name        string
	Description string
	Type        string
	IsPrivate   bool
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID      uint
	RoomID      uint
	Message     string
	MessageType string
	ReplyToID   *uint
	Attachments json.RawMessage
}

// CreateRoom creates a room and adds the creator as its admin.
func (s *ChatService) CreateRoom(ctx context.Context, in CreateRoomInput) (*models.ChatRoom, error) {
	if in.Name == "" {
		return nil, models.NewValidationError("Room name is required")
	}
	if in.Type == "" {
		in.Type = models.RoomTypeGeneral
	}
	if !models.ValidRoomType(in.Type) {
		return nil, models.NewValidationError("Unknown room type: " + in.Type)
	}

	room := &models.ChatRoom{
		ApartmentID: in.ApartmentID,
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		IsPrivate:   in.IsPrivate || in.Type == models.RoomTypePrivate,
		CreatedBy:   in.UserID,
		IsActive:    true,
	}
	if err := s.chatRepo.CreateRoom(ctx, room); err != nil {
		return nil, err
	}

	if err := s.chatRepo.AddMember(ctx, &models.ChatMember{
		ChatRoomID: room.ID,
		UserID:     in.UserID,
		Role:       models.RoleAdmin,
	}); err != nil {
		return nil, err
	}

	cache.InvalidateRoomList(ctx, in.ApartmentID)
	return s.chatRepo.GetRoom(ctx, room.ID)
}

// CreatePrivateRoom returns the existing private room between the two users
// or creates one. Creating the same pair twice always yields the same room.
func (s *ChatService) CreatePrivateRoom(ctx context.Context, userID, otherUserID uint) (*models.ChatRoom, error) {
	if userID == otherUserID {
		return nil, models.NewValidationError("Cannot start a private room with yourself")
	}

	other, err := s.userRepo.GetByID(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	self, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if other.ApartmentID != self.ApartmentID {
		return nil, models.NewForbiddenError("Cannot message residents of another apartment")
	}

	existing, err := s.chatRepo.FindPrivateRoom(ctx, userID, otherUserID)
	switch {
	case err == nil:
		return s.chatRepo.GetRoom(ctx, existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Create a new private room below.
	default:
		return nil, err
	}

	room := &models.ChatRoom{
		ApartmentID: self.ApartmentID,
		Name:        self.FullName + " & " + other.FullName,
		Type:        models.RoomTypePrivate,
		IsPrivate:   true,
		CreatedBy:   userID,
		IsActive:    true,
	}
	if err := s.chatRepo.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	for _, memberID := range []uint{userID, otherUserID} {
		if err := s.chatRepo.AddMember(ctx, &models.ChatMember{
			ChatRoomID: room.ID,
			UserID:     memberID,
			Role:       models.RoleMember,
		}); err != nil {
			return nil, err
		}
	}

	cache.InvalidateRoomList(ctx, self.ApartmentID)
	return s.chatRepo.GetRoom(ctx, room.ID)
}

// GetRooms returns the user's active rooms with per-viewer unread counts.
// The list is cached per viewer; every write path invalidates it.
func (s *ChatService) GetRooms(ctx context.Context, apartmentID, userID uint) ([]*models.ChatRoom, error) {
	var rooms []*models.ChatRoom
	err := cache.CacheAside(ctx, cache.RoomListKey(apartmentID, userID), &rooms, cache.RoomListTTL, func() error {
		var err error
		rooms, err = s.chatRepo.GetApartmentRooms(ctx, apartmentID, userID)
		return err
	})
	return rooms, err
}

// GetRoomForUser returns the room if the user is a member.
func (s *ChatService) GetRoomForUser(ctx context.Context, roomID, userID uint) (*models.ChatRoom, error) {
	room, err := s.chatRepo.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Room", roomID)
		}
		return nil, err
	}
	if !isRoomMember(room, userID) {
		return nil, models.NewForbiddenError("You are not a member of this room")
	}
	return room, nil
}

// JoinRoom adds the user to a non-private active room.
func (s *ChatService) JoinRoom(ctx context.Context, roomID, userID uint) (*models.ChatRoom, error) {
	room, err := s.chatRepo.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Room", roomID)
		}
		return nil, err
	}
	if !room.IsActive {
		return nil, models.NewNotFoundError("Room", roomID)
	}
	if room.IsPrivate {
		return nil, models.NewForbiddenError("Cannot join a private room")
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ApartmentID != room.ApartmentID {
		return nil, models.NewForbiddenError("Room belongs to another apartment")
	}

	if err := s.chatRepo.AddMember(ctx, &models.ChatMember{
		ChatRoomID: roomID,
		UserID:     userID,
		Role:       models.RoleMember,
	}); err != nil {
		return nil, err
	}

	cache.InvalidateRoom(ctx, roomID)
	cache.InvalidateUserRoomList(ctx, room.ApartmentID, userID)
	return s.chatRepo.GetRoom(ctx, roomID)
}

// LeaveRoom removes the user from the room.
func (s *ChatService) LeaveRoom(ctx context.Context, roomID, userID uint) error {
	if _, err := s.chatRepo.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewForbiddenError("You are not a member of this room")
		}
		return err
	}
	if err := s.chatRepo.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	cache.InvalidateRoom(ctx, roomID)
	if user, err := s.userRepo.GetByID(ctx, userID); err == nil {
		cache.InvalidateUserRoomList(ctx, user.ApartmentID, userID)
	}
	return nil
}

// GetMembers returns the room's members with their online flag resolved from
// the persisted presence mirror.
func (s *ChatService) GetMembers(ctx context.Context, roomID, userID uint) ([]*models.ChatMember, error) {
	if _, err := s.chatRepo.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewForbiddenError("You are not a member of this room")
		}
		return nil, err
	}

	var members []*models.ChatMember
	err := cache.CacheAside(ctx, cache.MemberListKey(roomID), &members, cache.MemberListTTL, func() error {
		var err error
		members, err = s.chatRepo.GetMembers(ctx, roomID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	presence, err := s.chatRepo.GetPresence(ctx, ids)
	if err != nil {
		return members, nil
	}
	online := make(map[uint]bool, len(presence))
	for _, p := range presence {
		online[p.UserID] = p.IsOnline
	}
	for _, m := range members {
		m.IsOnline = online[m.UserID]
	}
	return members, nil
}

// SendMessage stores a message and publishes an insert event on the room's
// message feed.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.ChatMessage, error) {
	if in.Message == "" {
		return nil, models.NewValidationError("Message body is required")
	}
	if len(in.Message) > maxMessageLen {
		return nil, models.NewValidationError("Message too long (max 10000 characters)")
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageTypeText
	}
	switch in.MessageType {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile, models.MessageTypeSystem:
	default:
		return nil, models.NewValidationError("Unknown message type: " + in.MessageType)
	}

	member, err := s.chatRepo.GetMember(ctx, in.RoomID, in.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewForbiddenError("You are not a member of this room")
		}
		return nil, err
	}
	if member.IsMuted {
		return nil, models.NewForbiddenError("You are muted in this room")
	}

	if in.ReplyToID != nil {
		parent, err := s.chatRepo.GetMessage(ctx, *in.ReplyToID)
		if err != nil || parent.ChatRoomID != in.RoomID {
			return nil, models.NewValidationError("Reply target does not exist in this room")
		}
	}

	message := &models.ChatMessage{
		ChatRoomID:  in.RoomID,
		SenderID:    in.UserID,
		Message:     in.Message,
		MessageType: in.MessageType,
		ReplyToID:   in.ReplyToID,
		Attachments: in.Attachments,
	}
	if err := s.chatRepo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}

	if sender, err := s.userRepo.GetByID(ctx, in.UserID); err == nil {
		message.Sender = sender
		// Every member's unread count and the room's last-message cursor
		// just changed.
		cache.InvalidateRoomList(ctx, sender.ApartmentID)
	}

	observability.MessageThroughput.WithLabelValues(
		strconv.FormatUint(uint64(in.RoomID), 10), in.MessageType).Inc()
	cache.Invalidate(ctx, cache.MessageHistoryKey(in.RoomID))

	s.publishMessageEvent(ctx, "insert", message.ID, in.RoomID)
	return message, nil
}

// GetMessages returns the room's visible messages in chronological order.
func (s *ChatService) GetMessages(ctx context.Context, roomID, userID uint, limit, offset int) ([]*models.ChatMessage, error) {
	if _, err := s.chatRepo.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewForbiddenError("You are not a member of this room")
		}
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	// Only the default first page, the one every client fetches on room
	// open, lives in the cache.
	if offset == 0 && limit == 50 {
		var msgs []*models.ChatMessage
		err := cache.CacheAside(ctx, cache.MessageHistoryKey(roomID), &msgs, cache.MessageHistoryTTL, func() error {
			var err error
			msgs, err = s.chatRepo.GetMessages(ctx, roomID, limit, offset)
			return err
		})
		return msgs, err
	}
	return s.chatRepo.GetMessages(ctx, roomID, limit, offset)
}

// EditMessage updates the message body and publishes an update event. Only
// the sender may edit, and deleted messages stay deleted.
func (s *ChatService) EditMessage(ctx context.Context, msgID, userID uint, body string) (*models.ChatMessage, error) {
	if body == "" {
		return nil, models.NewValidationError("Message body is required")
	}
	if len(body) > maxMessageLen {
		return nil, models.NewValidationError("Message too long (max 10000 characters)")
	}

	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", msgID)
		}
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, models.NewForbiddenError("Only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, models.NewValidationError("Cannot edit a deleted message")
	}

	if err := s.chatRepo.EditMessage(ctx, msgID, body); err != nil {
		return nil, err
	}
	cache.Invalidate(ctx, cache.MessageHistoryKey(msg.ChatRoomID))

	s.publishMessageEvent(ctx, "update", msgID, msg.ChatRoomID)
	return s.chatRepo.GetMessage(ctx, msgID)
}

// DeleteMessage soft-deletes the message and publishes an update event.
// Subscribers see the is_deleted flag and route the event as a delete.
// The sender, room moderators, and room admins may delete.
func (s *ChatService) DeleteMessage(ctx context.Context, msgID, userID uint) error {
	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewNotFoundError("Message", msgID)
		}
		return err
	}

	if msg.SenderID != userID {
		member, err := s.chatRepo.GetMember(ctx, msg.ChatRoomID, userID)
		if err != nil {
			return models.NewForbiddenError("You cannot delete this message")
		}
		if member.Role != models.RoleAdmin && member.Role != models.RoleModerator {
			return models.NewForbiddenError("You cannot delete this message")
		}
	}

	if err := s.chatRepo.SoftDeleteMessage(ctx, msgID); err != nil {
		return err
	}
	cache.Invalidate(ctx, cache.MessageHistoryKey(msg.ChatRoomID))

	s.publishMessageEvent(ctx, "update", msgID, msg.ChatRoomID)
	return nil
}

// AddReaction adds a (message, user, kind) reaction and publishes it.
// Duplicate reactions are silently absorbed.
func (s *ChatService) AddReaction(ctx context.Context, msgID, userID uint, kind string) error {
	if !models.ValidReaction(kind) {
		return models.NewValidationError("Unknown reaction: " + kind)
	}

	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewNotFoundError("Message", msgID)
		}
		return err
	}
	if _, err := s.chatRepo.GetMember(ctx, msg.ChatRoomID, userID); err != nil {
		return models.NewForbiddenError("You are not a member of this room")
	}

	if err := s.chatRepo.AddReaction(ctx, &models.MessageReaction{
		MessageID: msgID,
		UserID:    userID,
		Reaction:  kind,
	}); err != nil {
		return err
	}
	cache.Invalidate(ctx, cache.MessageHistoryKey(msg.ChatRoomID))

	if s.notifier != nil {
		_ = s.notifier.PublishReaction(ctx, realtime.ReactionEvent{
			Action:    "add",
			MessageID: msgID,
			UserID:    userID,
			Reaction:  kind,
			RoomID:    msg.ChatRoomID,
		})
	}
	return nil
}

// RemoveReaction removes the user's reaction of the given kind and publishes
// the removal.
func (s *ChatService) RemoveReaction(ctx context.Context, msgID, userID uint, kind string) error {
	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewNotFoundError("Message", msgID)
		}
		return err
	}

	if err := s.chatRepo.RemoveReaction(ctx, msgID, userID, kind); err != nil {
		return err
	}
	cache.Invalidate(ctx, cache.MessageHistoryKey(msg.ChatRoomID))

	if s.notifier != nil {
		_ = s.notifier.PublishReaction(ctx, realtime.ReactionEvent{
			Action:    "remove",
			MessageID: msgID,
			UserID:    userID,
			Reaction:  kind,
			RoomID:    msg.ChatRoomID,
		})
	}
	return nil
}

// MarkRoomRead advances the user's read cursor to now, making their unread
// count zero until the next message arrives.
func (s *ChatService) MarkRoomRead(ctx context.Context, roomID, userID uint) error {
	if _, err := s.chatRepo.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewForbiddenError("You are not a member of this room")
		}
		return err
	}
	if err := s.chatRepo.MarkRoomRead(ctx, roomID, userID); err != nil {
		return err
	}
	if user, err := s.userRepo.GetByID(ctx, userID); err == nil {
		cache.InvalidateUserRoomList(ctx, user.ApartmentID, userID)
	}
	return nil
}

// UnreadCount returns the user's unread count for the room.
func (s *ChatService) UnreadCount(ctx context.Context, roomID, userID uint) (int64, error) {
	count, err := s.chatRepo.UnreadCount(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, models.NewForbiddenError("You are not a member of this room")
		}
		return 0, err
	}
	return count, nil
}

func (s *ChatService) publishMessageEvent(ctx context.Context, action string, msgID, roomID uint) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.PublishMessageEvent(ctx, realtime.MessageEvent{
		Action:    action,
		MessageID: msgID,
		RoomID:    roomID,
	})
}

func isRoomMember(room *models.ChatRoom, userID uint) bool {
	for _, member := range room.Members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}
