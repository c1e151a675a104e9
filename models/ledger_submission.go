package models

import "time"

// Ledger operation kinds, the four typed submissions the gateway supports.
const (
	LedgerOpCreate  = "create_challenge"
	LedgerOpJoin    = "join_challenge"
	LedgerOpResolve = "resolve_challenge"
	LedgerOpClaim   = "claim_payout"
)

// Ledger submission statuses. pending is a claimed marker whose operation
// has not yet gone over the wire; submitted is on the wire awaiting
// confirmation.
const (
	SubmissionStatusPending   = "pending"
	SubmissionStatusSubmitted = "submitted"
	SubmissionStatusConfirmed = "confirmed"
	SubmissionStatusFailed    = "failed"
)

// LedgerSubmission is the durable marker for an operation sent to the
// external ledger. For resolve ops the marker is claimed in the same
// transaction as the precondition checks, before anything is signed, so a
// pending or submitted row is the in-flight guard that blocks a second
// attestation for the same challenge. The scheduler re-polls confirmation
// for submitted rows; a resubmission under the same idempotency token is
// the only retry the ledger ever sees.
type LedgerSubmission struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	ChallengeID string `gorm:"index;not null" json:"challenge_id"`
	OpKind      string `gorm:"index;type:varchar(32);not null" json:"op_kind"`
	ActorID     string `gorm:"not null" json:"actor_id"`

	// Deterministic token over (challenge, op, actor); the ledger dedupes on it.
	IdempotencyToken string `gorm:"uniqueIndex;type:varchar(64);not null" json:"idempotency_token"`

	ExternalRef string  `gorm:"index" json:"external_ref,omitempty"`
	BlockRef    *string `json:"block_ref,omitempty"`

	Status     string     `gorm:"index;type:varchar(16);default:'submitted'" json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`

	Timestamps
}
