package models

import (
	"time"

	"gorm.io/gorm"
)

// UserMirror is a local snapshot of profile data the settlement service
// needs: display name for notifications, push address for the push channel,
// ban flag for challenge creation. Populated by the user sync worker from
// the profile service; never written by request handlers.
type UserMirror struct {
	ID             string  `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string  `gorm:"uniqueIndex;not null" json:"external_user_id"`
	Username       string  `gorm:"index;not null" json:"username"`
	AvatarURL      *string `json:"avatar_url,omitempty"`

	// Push delivery address registered with the push gateway; empty means the
	// push channel silently no-ops for this user.
	PushAddress string `json:"push_address,omitempty"`

	IsBanned bool `gorm:"default:false" json:"is_banned"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// RemoteUser mirrors the profile service's users payload (read-only),
// consumed by the sync worker.
type RemoteUser struct {
	ExternalID  string     `json:"external_id"`
	Username    string     `json:"username"`
	AvatarURL   *string    `json:"avatar_url"`
	PushAddress string     `json:"push_address"`
	IsBanned    bool       `json:"is_banned"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}
