package models

import "time"

// UserPresence is the persisted best-effort mirror of transport presence.
type UserPresence struct {
	UserID          uint      `gorm:"primaryKey" json:"user_id"`
	IsOnline        bool      `gorm:"default:false" json:"is_online"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PresenceMember is one entry in a room's flattened presence state.
type PresenceMember struct {
	UserID     uint      `json:"user_id"`
	UserName   string    `json:"user_name"`
	FlatNumber string    `json:"flat_number"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
