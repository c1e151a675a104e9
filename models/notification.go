package models

import "time"

// Notification priorities
const (
	NotificationPriorityLow    = "low"
	NotificationPriorityMedium = "medium"
	NotificationPriorityHigh   = "high"
)

// Notification channels
const (
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// Settlement/social event types emitted by the settlement and payout services.
const (
	EventChallengeCreated  = "challenge_created"
	EventChallengeAccepted = "challenge_accepted"
	EventMatchFound        = "match_found"
	EventChallengeResolved = "challenge_resolved"
	EventChallengeCancelled = "challenge_cancelled"
	EventChallengeDisputed  = "challenge_disputed"
	EventPayoutReady       = "payout_ready"
	EventPayoutCompleted   = "payout_completed"
	EventPayoutFailed      = "payout_failed"
	EventAccountAlert      = "account_alert"
)

// Notification is a delivered in-app notification.
type Notification struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string `gorm:"index;not null" json:"user_id"`
	EventType   string `gorm:"index;type:varchar(32);not null" json:"event_type"`
	ChallengeID string `gorm:"index" json:"challenge_id,omitempty"`

	Title    string `json:"title"`
	Body     string `gorm:"type:text" json:"body"`
	Payload  string `gorm:"type:text" json:"payload,omitempty"` // validated JSON
	Priority string `gorm:"type:varchar(8);default:'low'" json:"priority"`

	Viewed bool `gorm:"default:false" json:"viewed"`

	Timestamps
}

// NotificationSendRecord exists only to answer "how many sends in the last
// minute" and "when was this (user, event, challenge) last notified".
// Rows are pruned by the scheduler; no soft delete.
type NotificationSendRecord struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string    `gorm:"index:idx_send_user_event;not null" json:"user_id"`
	EventType   string    `gorm:"index:idx_send_user_event;type:varchar(32);not null" json:"event_type"`
	ChallengeID string    `gorm:"index:idx_send_user_event" json:"challenge_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
