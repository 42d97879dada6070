// Package models contains data structures for the application's domain models.
package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Room type constants. Rooms are scoped to one apartment complex.
const (
	RoomTypeGeneral       = "general"
	RoomTypeAnnouncements = "announcements"
	RoomTypeMaintenance   = "maintenance"
	RoomTypeEvents        = "events"
	RoomTypeMarketplace   = "marketplace"
	RoomTypePrivate       = "private"
)

// Member role constants.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// Message type constants.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// ValidRoomType reports whether t is a recognized room type.
func ValidRoomType(t string) bool {
	switch t {
	case RoomTypeGeneral, RoomTypeAnnouncements, RoomTypeMaintenance,
		RoomTypeEvents, RoomTypeMarketplace, RoomTypePrivate:
		return true
	}
	return false
}

// ChatRoom represents a chat room scoped to an apartment complex.
// Rooms are never hard-deleted; IsActive is the soft flag.
type ChatRoom struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ApartmentID   uint           `gorm:"not null;index" json:"apartment_id"`
	Name          string         `gorm:"not null" json:"name"`
	Description   string         `json:"description,omitempty"`
	Type          string         `gorm:"default:'general';index" json:"type"`
	IsPrivate     bool           `gorm:"default:false" json:"is_private"`
	CreatedBy     uint           `json:"created_by"`
	AvatarURL     string         `json:"avatar_url,omitempty"`
	MemberCount   int            `gorm:"default:0" json:"member_count"`
	LastMessageID *uint          `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	IsActive      bool           `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Joined data
	LastMessage *ChatMessage `gorm:"foreignKey:LastMessageID" json:"last_message,omitempty"`
	Members     []ChatMember `gorm:"foreignKey:ChatRoomID" json:"members,omitempty"`

	// UnreadCount is recomputed per viewer from the member's last_read_at
	// cursor; it is never stored.
	UnreadCount int64 `gorm:"-" json:"unread_count"`
}

// ChatMessage represents a message in a chat room.
// "Deleted" is a soft flag, not row removal; edits mutate the body and set IsEdited.
type ChatMessage struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	ChatRoomID  uint            `gorm:"not null;index" json:"chat_room_id"`
	SenderID    uint            `gorm:"not null;index" json:"sender_id"`
	Message     string          `gorm:"type:text;not null" json:"message"`
	MessageType string          `gorm:"default:'text'" json:"message_type"`
	ReplyToID   *uint           `json:"reply_to_id,omitempty"`
	Attachments json.RawMessage `gorm:"type:json" json:"attachments,omitempty"`
	IsEdited    bool            `gorm:"default:false" json:"is_edited"`
	IsDeleted   bool            `gorm:"default:false;index" json:"is_deleted"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// Joined data
	Sender  *User        `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReplyTo *ChatMessage `gorm:"foreignKey:ReplyToID" json:"reply_to,omitempty"`

	// ReactionsCount maps reaction kind -> count, aggregated client-side
	// from MessageReaction rows.
	ReactionsCount map[string]int `gorm:"-" json:"reactions_count,omitempty"`
}

// ChatMember is the (room, user) join row. LastReadAt is the read-receipt cursor.
type ChatMember struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChatRoomID uint      `gorm:"not null;uniqueIndex:idx_room_user" json:"chat_room_id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_room_user" json:"user_id"`
	Role       string    `gorm:"default:'member'" json:"role"`
	IsMuted    bool      `gorm:"default:false" json:"is_muted"`
	LastReadAt time.Time `json:"last_read_at"`
	JoinedAt   time.Time `gorm:"autoCreateTime" json:"joined_at"`

	// Joined data
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`

	IsOnline bool `gorm:"-" json:"is_online,omitempty"`
}
