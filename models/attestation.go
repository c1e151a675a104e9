package models

import "time"

// Attestation submission outcomes. Every attestation attempt is logged for
// audit and replay detection, including ones the ledger later rejected.
const (
	AttestationStatusSigned   = "signed"
	AttestationStatusAccepted = "accepted"
	AttestationStatusRejected = "rejected"
)

// AdminAttestation is a signed statement binding (challenge, winner, points).
// Rows are immutable once created except for the ledger-outcome status.
// At most one row per challenge may ever reach status=accepted.
type AdminAttestation struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	ChallengeID string `gorm:"index;not null" json:"challenge_id"`

	WinnerID      string `gorm:"not null" json:"winner_id"`
	PointsAwarded int64  `gorm:"not null" json:"points_awarded"`

	Digest    string `gorm:"type:varchar(66);not null" json:"digest"`    // 0x-prefixed keccak256
	Signature string `gorm:"type:varchar(132);not null" json:"signature"` // 65-byte recoverable sig, hex
	SignerID  string `gorm:"type:varchar(42);not null" json:"signer_id"`  // authority address

	Status       string `gorm:"index;type:varchar(16);default:'signed'" json:"status"`
	RejectReason string `json:"reject_reason,omitempty"`

	SignedAt  time.Time `gorm:"autoCreateTime" json:"signed_at"`
}
