// services/settlement_service_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"challenge-settlement-system/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSettlementStack(t *testing.T, mode string) (*SettlementService, *fakeLedger, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	ledger := newFakeLedger(mode)
	gw := newTestGateway(t, db, ledger)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	svc := &SettlementService{
		DB:      db,
		Escrow:  NewEscrowService(db),
		Attest:  NewAttestationServiceWithKey(db, key),
		Gateway: gw,
		Payouts: &PayoutService{DB: db, Gateway: gw, ClaimTimeout: time.Second},

		ConfirmTimeout: 200 * time.Millisecond,
	}
	return svc, ledger, db
}

func seedDuel(t *testing.T, svc *SettlementService, challengeID string, stake int64) {
	t.Helper()

	opponent := "user-2"
	require.NoError(t, svc.DB.Create(&models.Challenge{
		ID:          challengeID,
		Title:       "Best of three",
		Mode:        models.ChallengeModeDuel,
		CreatorID:   "user-1",
		OpponentID:  &opponent,
		StakeToken:  "USDC",
		StakeAmount: stake,
		Status:      models.ChallengeStatusActive,
	}).Error)

	_, err := svc.Escrow.Lock(challengeID, "user-1", "USDC", stake, models.EscrowRoleChallenger, "lock-1")
	require.NoError(t, err)
	_, err = svc.Escrow.Lock(challengeID, "user-2", "USDC", stake, models.EscrowRoleAcceptor, "lock-2")
	require.NoError(t, err)
}

func TestResolveDuelEndToEnd(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	resolved, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.NoError(t, err)

	assert.Equal(t, models.ChallengeStatusResolved, resolved.Status)
	require.NotNil(t, resolved.WinnerID)
	assert.Equal(t, "user-1", *resolved.WinnerID)
	assert.Equal(t, int64(100), resolved.PointsAwarded)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.BlockRef)

	// Escrow fully released, nothing left locked.
	locked, err := svc.Escrow.TotalLocked("ch-1")
	require.NoError(t, err)
	assert.Zero(t, locked)
	released, err := svc.Escrow.TotalReleased("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), released)

	// Exactly one accepted attestation.
	att, err := svc.Attest.AcceptedForChallenge("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", att.WinnerID)

	// Winner's payout job is queued with the whole pool.
	var job models.PayoutJob
	require.NoError(t, db.Preload("Entries").First(&job, "challenge_id = ?", "ch-1").Error)
	assert.Equal(t, models.PayoutJobStatusQueued, job.Status)
	assert.Equal(t, int64(1000), job.TotalPool)
	require.Len(t, job.Entries, 1)
	assert.Equal(t, "user-1", job.Entries[0].UserID)
	assert.Equal(t, int64(1000), job.Entries[0].Amount)

	// Draining the job pays the winner and flips the challenge to claimed.
	seedWallet(t, db, "user-1", "USDC", "addr-1")
	done, err := svc.Payouts.Drain(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutJobStatusCompleted, done.Status)

	var final models.Challenge
	require.NoError(t, db.First(&final, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusClaimed, final.Status)

	// The paid winner's escrow is claimed; the loser's stays released.
	var winEscrow, loseEscrow models.EscrowRecord
	require.NoError(t, db.First(&winEscrow, "challenge_id = ? AND user_id = ?", "ch-1", "user-1").Error)
	assert.Equal(t, models.EscrowStatusClaimed, winEscrow.Status)
	require.NoError(t, db.First(&loseEscrow, "challenge_id = ? AND user_id = ?", "ch-1", "user-2").Error)
	assert.Equal(t, models.EscrowStatusReleased, loseEscrow.Status)
}

func TestResolvePoolSplitsAcrossWinningSide(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)

	require.NoError(t, db.Create(&models.Challenge{
		ID:          "ch-1",
		Title:       "Side pool",
		Mode:        models.ChallengeModePool,
		CreatorID:   "user-1",
		StakeToken:  "USDC",
		StakeAmount: 0,
		Status:      models.ChallengeStatusActive,
	}).Error)

	_, err := svc.Escrow.Lock("ch-1", "user-1", "USDC", 600, "side_a", "lock-1")
	require.NoError(t, err)
	_, err = svc.Escrow.Lock("ch-1", "user-2", "USDC", 400, "side_a", "lock-2")
	require.NoError(t, err)
	_, err = svc.Escrow.Lock("ch-1", "user-3", "USDC", 1000, "side_b", "lock-3")
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), "ch-1", "side_a", 50)
	require.NoError(t, err)

	var job models.PayoutJob
	require.NoError(t, db.Preload("Entries").First(&job, "challenge_id = ?", "ch-1").Error)
	assert.Equal(t, int64(2000), job.TotalPool)
	require.Len(t, job.Entries, 2)

	amounts := map[string]int64{}
	for _, e := range job.Entries {
		amounts[e.UserID] = e.Amount
	}
	assert.Equal(t, int64(1200), amounts["user-1"]) // 2000 * 600 / 1000
	assert.Equal(t, int64(800), amounts["user-2"])  // 2000 * 400 / 1000
}

func TestResolveAppliesPlatformFee(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "250")
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.NoError(t, err)

	var job models.PayoutJob
	require.NoError(t, db.Preload("Entries").First(&job, "challenge_id = ?", "ch-1").Error)
	assert.Equal(t, int64(25), job.PlatformFee) // 1000 * 250 / 10000
	require.Len(t, job.Entries, 1)
	assert.Equal(t, int64(975), job.Entries[0].Amount)
}

func TestResolveTwiceIsRejected(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, ledger, _ := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.NoError(t, err)
	submits := ledger.submitCount()

	_, err = svc.Resolve(context.Background(), "ch-1", "user-2", 100)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, submits, ledger.submitCount(), "a rejected precondition must not reach the ledger")
}

func TestResolvePreconditions(t *testing.T) {
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)

	_, err := svc.Resolve(context.Background(), "no-such-challenge", "user-1", 0)
	require.ErrorIs(t, err, ErrChallengeNotFound)

	require.NoError(t, db.Create(&models.Challenge{
		ID: "ch-pending", Title: "Unaccepted", Mode: models.ChallengeModeDuel,
		CreatorID: "user-1", StakeToken: "USDC", StakeAmount: 100,
		Status: models.ChallengeStatusPending,
	}).Error)
	_, err = svc.Resolve(context.Background(), "ch-pending", "user-1", 0)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, db.Create(&models.Challenge{
		ID: "ch-disputed", Title: "Contested", Mode: models.ChallengeModeDuel,
		CreatorID: "user-1", StakeToken: "USDC", StakeAmount: 100,
		Status: models.ChallengeStatusDisputed,
	}).Error)
	_, err = svc.Resolve(context.Background(), "ch-disputed", "user-1", 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResolveBlockedByInFlightSubmission(t *testing.T) {
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	require.NoError(t, db.Create(&models.LedgerSubmission{
		ID:               "sub-live",
		ChallengeID:      "ch-1",
		OpKind:           models.LedgerOpResolve,
		ActorID:          "0xauthority",
		IdempotencyToken: IdempotencyToken("ch-1", models.LedgerOpResolve, "0xauthority"),
		ExternalRef:      "ref-live",
		Status:           models.SubmissionStatusSubmitted,
	}).Error)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.ErrorIs(t, err, ErrResolutionInFlight)
}

func TestResolveWhileFirstSubmissionOnTheWire(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, ledger, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	release := ledger.holdSubmits()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
		done <- err
	}()

	require.Eventually(t, func() bool { return ledger.submitCount() == 1 },
		2*time.Second, 5*time.Millisecond, "first resolve never reached the ledger")

	// A second resolve with a different winner must bounce off the live
	// marker without signing anything — the first attestation is already
	// at the ledger and will execute.
	_, err := svc.Resolve(context.Background(), "ch-1", "user-2", 100)
	require.ErrorIs(t, err, ErrResolutionInFlight)

	var attCount int64
	require.NoError(t, db.Model(&models.AdminAttestation{}).
		Where("challenge_id = ?", "ch-1").Count(&attCount).Error)
	assert.Equal(t, int64(1), attCount, "the blocked attempt must not sign")

	release()
	require.NoError(t, <-done)

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	require.NotNil(t, challenge.WinnerID)
	assert.Equal(t, "user-1", *challenge.WinnerID)

	resolves := ledger.callsOfKind(models.LedgerOpResolve)
	require.Len(t, resolves, 1, "the ledger must see exactly one resolve operation")
	assert.Equal(t, "user-1", resolves[0].WinnerID, "local winner and executed winner must agree")
}

func TestResolveConcurrentAttemptsExactlyOneWins(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, ledger, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	winners := []string{"user-1", "user-2"}
	errs := make([]error, len(winners))
	var wg sync.WaitGroup
	for i := range winners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resolve(context.Background(), "ch-1", winners[i], 100)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, ErrResolutionInFlight) || errors.Is(err, ErrAlreadyResolved),
			"losing attempt must fail a precondition, got: %v", err)
	}
	require.Equal(t, 1, succeeded)

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusResolved, challenge.Status)
	require.NotNil(t, challenge.WinnerID)

	// One accepted attestation, and it names the same winner the challenge
	// and the executed ledger operation do.
	att, err := svc.Attest.AcceptedForChallenge("ch-1")
	require.NoError(t, err)
	assert.Equal(t, *challenge.WinnerID, att.WinnerID)

	resolves := ledger.callsOfKind(models.LedgerOpResolve)
	require.Len(t, resolves, 1)
	assert.Equal(t, *challenge.WinnerID, resolves[0].WinnerID)
}

func TestResolveLedgerRejectionKeepsChallengeActive(t *testing.T) {
	svc, _, db := newSettlementStack(t, ledgerModeReject)
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.ErrorIs(t, err, ErrRejectedByLedger)

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusActive, challenge.Status, "rejected resolutions need human correction, not auto-settlement")

	// The attestation attempt is kept for audit, marked rejected.
	var att models.AdminAttestation
	require.NoError(t, db.First(&att, "challenge_id = ?", "ch-1").Error)
	assert.Equal(t, models.AttestationStatusRejected, att.Status)

	// Escrow untouched.
	locked, err := svc.Escrow.TotalLocked("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), locked)

	// The claimed marker keeps the rejection for audit, and a failed marker
	// does not block a corrected retry.
	var marker models.LedgerSubmission
	require.NoError(t, db.First(&marker, "challenge_id = ? AND op_kind = ?", "ch-1", models.LedgerOpResolve).Error)
	assert.Equal(t, models.SubmissionStatusFailed, marker.Status)
	assert.NotEmpty(t, marker.FailReason)

	_, err = svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.ErrorIs(t, err, ErrRejectedByLedger, "retry must reach the ledger again, not trip the in-flight guard")
}

func TestResolveUnconfirmedThenResumed(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, ledger, db := newSettlementStack(t, ledgerModePending)
	svc.ConfirmTimeout = 50 * time.Millisecond
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.ErrorIs(t, err, ErrUnconfirmed)

	// Challenge unchanged, but the live marker blocks a second attestation.
	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusActive, challenge.Status)

	_, err = svc.Resolve(context.Background(), "ch-1", "user-2", 100)
	require.ErrorIs(t, err, ErrResolutionInFlight)

	// Ledger catches up; the scheduler's resume pass finishes the pipeline
	// without signing anything new.
	ledger.setMode(ledgerModeConfirm)

	pending, err := svc.Gateway.PendingSubmissions(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, svc.ResumeSubmission(context.Background(), pending[0].ID))

	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusResolved, challenge.Status)
	require.NotNil(t, challenge.WinnerID)
	assert.Equal(t, "user-1", *challenge.WinnerID)

	att, err := svc.Attest.AcceptedForChallenge("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", att.WinnerID)

	var attCount int64
	require.NoError(t, db.Model(&models.AdminAttestation{}).Where("challenge_id = ?", "ch-1").Count(&attCount).Error)
	assert.Equal(t, int64(1), attCount, "resume must reuse the original attestation")

	var job models.PayoutJob
	require.NoError(t, db.First(&job, "challenge_id = ?", "ch-1").Error)
	assert.Equal(t, models.PayoutJobStatusQueued, job.Status)
}

func TestResumeSubmissionIdempotentAfterFinalize(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "0")
	svc, _, db := newSettlementStack(t, ledgerModeConfirm)
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.NoError(t, err)

	var sub models.LedgerSubmission
	require.NoError(t, db.First(&sub, "challenge_id = ? AND op_kind = ?", "ch-1", models.LedgerOpResolve).Error)

	// Replaying the confirmed submission is a no-op.
	require.NoError(t, svc.ResumeSubmission(context.Background(), sub.ID))

	var jobs int64
	require.NoError(t, db.Model(&models.PayoutJob{}).Where("challenge_id = ?", "ch-1").Count(&jobs).Error)
	assert.Equal(t, int64(1), jobs)
}

func TestResolveUnavailableSigner(t *testing.T) {
	svc, _, _ := newSettlementStack(t, ledgerModeConfirm)
	svc.Attest = &AttestationService{DB: svc.DB}
	seedDuel(t, svc, "ch-1", 500)

	_, err := svc.Resolve(context.Background(), "ch-1", "user-1", 100)
	require.ErrorIs(t, err, ErrSigningUnavailable)
}
