package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a resident profile (tenant or owner) in an apartment complex.
type User struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ApartmentID uint           `gorm:"index" json:"apartment_id"`
	FullName    string         `gorm:"not null" json:"full_name"`
	Email       string         `gorm:"unique;not null" json:"email"`
	Password    string         `gorm:"not null" json:"-"`
	FlatNumber  string         `json:"flat_number"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	IsOwner     bool           `gorm:"default:false" json:"is_owner"`
	IsAdmin     bool           `gorm:"default:false" json:"is_admin"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}
