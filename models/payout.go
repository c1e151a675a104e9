package models

import "time"

// Payout job statuses
const (
	PayoutJobStatusQueued    = "queued"
	PayoutJobStatusRunning   = "running"
	PayoutJobStatusCompleted = "completed"
	PayoutJobStatusFailed    = "failed"
)

// Payout entry statuses. running marks an in-flight claim attempt; the
// pending→running CAS on the entry row is the only lock between workers.
const (
	PayoutEntryStatusPending   = "pending"
	PayoutEntryStatusRunning   = "running"
	PayoutEntryStatusCompleted = "completed"
	PayoutEntryStatusFailed    = "failed"
)

// PayoutJob is one settlement event's batch of winner payouts.
// ProcessedWinners never exceeds TotalWinners; the job completes only when
// every entry is terminal (failed entries are reported, not dropped).
type PayoutJob struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	ChallengeID string `gorm:"uniqueIndex;not null" json:"challenge_id"`

	TotalWinners     int   `gorm:"not null" json:"total_winners"`
	ProcessedWinners int   `gorm:"default:0" json:"processed_winners"`
	TotalPool        int64 `gorm:"not null" json:"total_pool"`
	PlatformFee      int64 `gorm:"default:0" json:"platform_fee"`

	Status string `gorm:"index;type:varchar(16);default:'queued'" json:"status"`
	Error  string `json:"error,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Entries []PayoutEntry `json:"entries,omitempty" gorm:"foreignKey:JobID"`

	Timestamps
}

// PayoutEntry is one winner's share of a payout job. The entry ID doubles as
// the idempotency key for the claim submission, so a retried entry can never
// double-credit.
type PayoutEntry struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	JobID  string `gorm:"index:idx_payout_job_user,unique;not null" json:"job_id"`
	UserID string `gorm:"index:idx_payout_job_user,unique;not null" json:"user_id"`

	Amount int64  `gorm:"not null" json:"amount"`
	Token  string `gorm:"type:varchar(64)" json:"token"`

	Status     string     `gorm:"index;type:varchar(16);default:'pending'" json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	ClaimTxRef string     `json:"claim_tx_ref,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	Timestamps
}
