package services

import "errors"

// Settlement error taxonomy. Local precondition violations and permanent
// ledger rejections bubble to the caller; Unconfirmed means poll, never
// resubmit.
var (
	ErrAlreadyLocked      = errors.New("escrow already locked for this challenge and user")
	ErrInvalidTransition  = errors.New("invalid escrow transition")
	ErrSigningUnavailable = errors.New("attestation signing key not configured")
	ErrAlreadyResolved    = errors.New("challenge already resolved")
	ErrResolutionInFlight = errors.New("a resolution submission is already in flight")
	ErrRejectedByLedger   = errors.New("rejected by ledger")
	ErrUnconfirmed        = errors.New("ledger submission unconfirmed")
	ErrChallengeNotFound  = errors.New("challenge not found")
)
