package repository

import (
	"context"
	"time"

	"habitat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for chat data operations
type ChatRepository interface {
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	GetRoom(ctx context.Context, id uint) (*models.ChatRoom, error)
	GetApartmentRooms(ctx context.Context, apartmentID, userID uint) ([]*models.ChatRoom, error)
	FindPrivateRoom(ctx context.Context, userA, userB uint) (*models.ChatRoom, error)
	DeactivateRoom(ctx context.Context, id uint) error

	AddMember(ctx context.Context, member *models.ChatMember) error
	RemoveMember(ctx context.Context, roomID, userID uint) error
	GetMember(ctx context.Context, roomID, userID uint) (*models.ChatMember, error)
	GetMembers(ctx context.Context, roomID uint) ([]*models.ChatMember, error)

	CreateMessage(ctx context.Context, msg *models.ChatMessage) error
	GetMessage(ctx context.Context, id uint) (*models.ChatMessage, error)
	GetMessages(ctx context.Context, roomID uint, limit, offset int) ([]*models.ChatMessage, error)
	EditMessage(ctx context.Context, msgID uint, body string) error
	SoftDeleteMessage(ctx context.Context, msgID uint) error

	AddReaction(ctx context.Context, reaction *models.MessageReaction) error
	RemoveReaction(ctx context.Context, msgID, userID uint, kind string) error
	GetReactions(ctx context.Context, messageIDs []uint) ([]models.MessageReaction, error)

	UnreadCount(ctx context.Context, roomID, userID uint) (int64, error)
	MarkRoomRead(ctx context.Context, roomID, userID uint) error

	UpsertPresence(ctx context.Context, presence *models.UserPresence) error
	GetPresence(ctx context.Context, userIDs []uint) ([]models.UserPresence, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *chatRepository) GetRoom(ctx context.Context, id uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Preload("Members").
		Preload("Members.User").
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		First(&room, id).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetApartmentRooms returns the active rooms the user belongs to within an
// apartment complex, with per-viewer unread counts recomputed from the
// member's last_read_at cursor.
func (r *chatRepository) GetApartmentRooms(ctx context.Context, apartmentID, userID uint) ([]*models.ChatRoom, error) {
	var rooms []*models.ChatRoom
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_members cm ON chat_rooms.id = cm.chat_room_id").
		Where("cm.user_id = ? AND chat_rooms.apartment_id = ? AND chat_rooms.is_active = ?", userID, apartmentID, true).
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		Order("chat_rooms.last_message_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}

	for _, room := range rooms {
		count, err := r.UnreadCount(ctx, room.ID, userID)
		if err != nil {
			return nil, err
		}
		room.UnreadCount = count
	}
	return rooms, nil
}

// FindPrivateRoom returns an existing active private room both users belong
// to, or gorm.ErrRecordNotFound.
func (r *chatRepository) FindPrivateRoom(ctx context.Context, userA, userB uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_members a ON chat_rooms.id = a.chat_room_id AND a.user_id = ?", userA).
		Joins("JOIN chat_members b ON chat_rooms.id = b.chat_room_id AND b.user_id = ?", userB).
		Where("chat_rooms.type = ? AND chat_rooms.is_active = ?", models.RoomTypePrivate, true).
		First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *chatRepository) DeactivateRoom(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

func (r *chatRepository) AddMember(ctx context.Context, member *models.ChatMember) error {
	if member.LastReadAt.IsZero() {
		member.LastReadAt = time.Now()
	}
	// Use OnConflict to silently ignore duplicate key errors
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(member).Error
	if err != nil {
		return err
	}
	return r.refreshMemberCount(ctx, member.ChatRoomID)
}

func (r *chatRepository) RemoveMember(ctx context.Context, roomID, userID uint) error {
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.ChatMember{}).Error
	if err != nil {
		return err
	}
	return r.refreshMemberCount(ctx, roomID)
}

func (r *chatRepository) refreshMemberCount(ctx context.Context, roomID uint) error {
	return r.db.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("id = ?", roomID).
		Update("member_count", r.db.Model(&models.ChatMember{}).
			Select("COUNT(*)").
			Where("chat_room_id = ?", roomID)).Error
}

func (r *chatRepository) GetMember(ctx context.Context, roomID, userID uint) (*models.ChatMember, error) {
	var member models.ChatMember
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *chatRepository) GetMembers(ctx context.Context, roomID uint) ([]*models.ChatMember, error) {
	var members []*models.ChatMember
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Preload("User").
		Order("joined_at ASC").
		Find(&members).Error
	return members, err
}

// CreateMessage inserts the message and bumps the room's last-message cursor.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatRoom{}).
			Where("id = ?", msg.ChatRoomID).
			Updates(map[string]interface{}{
				"last_message_id": msg.ID,
				"last_message_at": time.Now(),
			}).Error
	})
}

// GetMessage returns the message hydrated with its sender and reply target.
func (r *chatRepository) GetMessage(ctx context.Context, id uint) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("ReplyTo").
		Preload("ReplyTo.Sender").
		First(&msg, id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepository) GetMessages(ctx context.Context, roomID uint, limit, offset int) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ? AND is_deleted = ?", roomID, false).
		Preload("Sender").
		Preload("ReplyTo").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Reverse messages to return them in chronological order (oldest -> newest)
	// We fetched DESC to get the *latest* messages, but clients expect ASC
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if len(messages) > 0 {
		if err := r.attachReactions(ctx, messages); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (r *chatRepository) attachReactions(ctx context.Context, messages []*models.ChatMessage) error {
	ids := make([]uint, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	rows, err := r.GetReactions(ctx, ids)
	if err != nil {
		return err
	}
	byMessage := make(map[uint][]models.MessageReaction)
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}
	for _, m := range messages {
		if rs := byMessage[m.ID]; len(rs) > 0 {
			m.ReactionsCount = models.AggregateReactions(rs)
		}
	}
	return nil
}

func (r *chatRepository) EditMessage(ctx context.Context, msgID uint, body string) error {
	return r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msgID).
		Updates(map[string]interface{}{
			"message":   body,
			"is_edited": true,
		}).Error
}

// SoftDeleteMessage flags the row instead of removing it. The update still
// fans out over the message feed, where subscribers route it as a delete.
func (r *chatRepository) SoftDeleteMessage(ctx context.Context, msgID uint) error {
	return r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msgID).
		Updates(map[string]interface{}{
			"message":    "",
			"is_deleted": true,
		}).Error
}

func (r *chatRepository) AddReaction(ctx context.Context, reaction *models.MessageReaction) error {
	// Use OnConflict to silently ignore duplicate key errors
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(reaction).Error
}

func (r *chatRepository) RemoveReaction(ctx context.Context, msgID, userID uint, kind string) error {
	return r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND reaction = ?", msgID, userID, kind).
		Delete(&models.MessageReaction{}).Error
}

func (r *chatRepository) GetReactions(ctx context.Context, messageIDs []uint) ([]models.MessageReaction, error) {
	var rows []models.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Find(&rows).Error
	return rows, err
}

// UnreadCount counts visible messages sent by others after the member's
// last_read_at cursor. Soft-deleted messages never count.
func (r *chatRepository) UnreadCount(ctx context.Context, roomID, userID uint) (int64, error) {
	var member models.ChatMember
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if err != nil {
		return 0, err
	}

	var count int64
	err = r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("chat_room_id = ? AND sender_id <> ? AND is_deleted = ? AND created_at > ?",
			roomID, userID, false, member.LastReadAt).
		Count(&count).Error
	return count, err
}

func (r *chatRepository) MarkRoomRead(ctx context.Context, roomID, userID uint) error {
	return r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Update("last_read_at", time.Now()).Error
}

// UpsertPresence writes the best-effort persisted mirror of transport presence.
func (r *chatRepository) UpsertPresence(ctx context.Context, presence *models.UserPresence) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_seen_at", "current_activity", "updated_at"}),
		}).
		Create(presence).Error
}

func (r *chatRepository) GetPresence(ctx context.Context, userIDs []uint) ([]models.UserPresence, error) {
	var rows []models.UserPresence
	err := r.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&rows).Error
	return rows, err
}
