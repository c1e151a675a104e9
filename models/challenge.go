package models

import (
	"time"

	"gorm.io/gorm"
)

// Challenge lifecycle statuses. Transitions are owned by the settlement
// service; rows are never deleted, corrections are appended.
const (
	ChallengeStatusPending   = "pending"
	ChallengeStatusActive    = "active"
	ChallengeStatusResolved  = "resolved"
	ChallengeStatusClaimed   = "claimed"
	ChallengeStatusCancelled = "cancelled"
	ChallengeStatusDisputed  = "disputed"
)

// Challenge modes
const (
	ChallengeModeDuel = "duel" // creator vs single opponent
	ChallengeModePool = "pool" // open pool, many participants per side
)

// Challenge is a stake-backed challenge between users.
type Challenge struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Slug  string `gorm:"index" json:"slug"`
	Title string `gorm:"not null" json:"title"`
	Mode  string `gorm:"type:varchar(16);default:'duel'" json:"mode"`

	CreatorID  string  `gorm:"index;not null" json:"creator_id"` // external user ID
	OpponentID *string `gorm:"index" json:"opponent_id,omitempty"`

	// Stake in smallest token units; every participant stakes the same amount.
	StakeToken  string `gorm:"type:varchar(64);not null" json:"stake_token"`
	StakeAmount int64  `gorm:"not null" json:"stake_amount"`

	Status string `gorm:"index;type:varchar(16);default:'pending'" json:"status"`

	// External ledger linkage, populated as submissions confirm.
	ExternalChallengeID string  `gorm:"index" json:"external_challenge_id,omitempty"`
	SubmissionHash      string  `json:"submission_hash,omitempty"`
	BlockRef            *string `json:"block_ref,omitempty"`

	// Resolution metadata, written once on confirmed resolution.
	WinnerID      *string    `gorm:"index" json:"winner_id,omitempty"`
	PointsAwarded int64      `gorm:"default:0" json:"points_awarded"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	// Optional free-form metadata supplied by the creator (validated keys only).
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	CancelReason  string `json:"cancel_reason,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
