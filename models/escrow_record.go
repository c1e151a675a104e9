package models

import "time"

// Escrow record statuses. locked is the only non-terminal state; a record
// moves locked → released|refunded|claimed exactly once.
const (
	EscrowStatusLocked   = "locked"
	EscrowStatusReleased = "released"
	EscrowStatusClaimed  = "claimed"
	EscrowStatusRefunded = "refunded"
)

// Escrow sides/roles
const (
	EscrowRoleChallenger = "challenger"
	EscrowRoleAcceptor   = "acceptor"
)

// EscrowRecord tracks funds locked for one user on one challenge.
// One row per (challenge, user); status transitions are single-row
// compare-and-set, aggregate invariants are checked by the settlement service.
type EscrowRecord struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	ChallengeID string `gorm:"index:idx_escrow_challenge_user,unique;not null" json:"challenge_id"`
	UserID      string `gorm:"index:idx_escrow_challenge_user,unique;not null" json:"user_id"`

	Token  string `gorm:"type:varchar(64);not null" json:"token"`
	Amount int64  `gorm:"not null" json:"amount"`

	// Side for pool challenges, role for duels (challenger/acceptor).
	Side string `gorm:"type:varchar(32)" json:"side,omitempty"`

	Status string `gorm:"index;type:varchar(16);default:'locked'" json:"status"`

	LockTxRef    string     `json:"lock_tx_ref,omitempty"`
	ReleaseTxRef string     `json:"release_tx_ref,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`

	Timestamps
}
