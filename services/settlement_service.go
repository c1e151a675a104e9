// services/settlement_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"challenge-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementService orchestrates challenge resolution: precondition checks
// under a row lock, attestation, ledger submission, escrow reconciliation
// and payout enqueue. Multiple instances may run concurrently; all
// serialization happens on database rows, never in memory.
type SettlementService struct {
	DB      *gorm.DB
	Escrow  *EscrowService
	Attest  *AttestationService
	Gateway *LedgerGateway
	Payouts *PayoutService
	Notify  *NotificationService

	// ConfirmTimeout bounds each await-confirmation call so a stuck ledger
	// cannot stall resolution indefinitely.
	ConfirmTimeout time.Duration
}

// rowLock adds SELECT ... FOR UPDATE where the dialect supports it. sqlite
// (tests) does not; the status CAS on every transition still guards there.
func rowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func NewSettlementService(db *gorm.DB, escrow *EscrowService, attest *AttestationService,
	gateway *LedgerGateway, payouts *PayoutService, notify *NotificationService) *SettlementService {

	timeout := 60 * time.Second
	if v := os.Getenv("RESOLVE_CONFIRM_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			timeout = time.Duration(sec) * time.Second
		}
	}

	return &SettlementService{
		DB:             db,
		Escrow:         escrow,
		Attest:         attest,
		Gateway:        gateway,
		Payouts:        payouts,
		Notify:         notify,
		ConfirmTimeout: timeout,
	}
}

// Resolve drives the full resolution pipeline for one challenge. Returned
// errors map to the taxonomy: ErrAlreadyResolved / ErrResolutionInFlight
// (precondition), ErrSigningUnavailable (infrastructure),
// ErrRejectedByLedger (permanent, challenge stays active, needs human
// correction), ErrUnconfirmed (transient, poll — the pending submission
// marker blocks a second attestation meanwhile).
func (s *SettlementService) Resolve(ctx context.Context, challengeID, winnerID string, pointsAwarded int64) (*models.Challenge, error) {
	signerID := s.Attest.SignerID()
	if signerID == "" {
		return nil, ErrSigningUnavailable
	}

	// Preconditions and the resolve marker claim commit in one transaction,
	// under a row lock, so two orchestrators cannot both pass: from the
	// marker's commit on, any concurrent Resolve fails the in-flight check
	// before it can sign anything.
	var challenge models.Challenge
	var marker *models.LedgerSubmission
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := rowLock(tx).
			First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("challenge %s: %w", challengeID, ErrChallengeNotFound)
			}
			return fmt.Errorf("challenge lookup failed: %w", err)
		}

		switch challenge.Status {
		case models.ChallengeStatusResolved, models.ChallengeStatusClaimed:
			return fmt.Errorf("challenge %s is %s: %w", challengeID, challenge.Status, ErrAlreadyResolved)
		case models.ChallengeStatusActive:
			// resolvable
		default:
			return fmt.Errorf("challenge %s is %s, not active: %w", challengeID, challenge.Status, ErrInvalidTransition)
		}

		m, err := s.Gateway.ClaimResolveMarker(tx, challengeID, signerID)
		if err != nil {
			return err
		}
		marker = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Fresh attestation. The authority itself refuses once a previous one
	// was ledger-accepted.
	att, err := s.Attest.Sign(challengeID, winnerID, pointsAwarded)
	if err != nil {
		// Nothing reached the ledger; free the claimed slot.
		if relErr := s.Gateway.ReleasePendingMarker(marker.ID); relErr != nil {
			log.Printf("⚠️  [SETTLEMENT] Failed to release resolve marker %s: %v", marker.ID, relErr)
		}
		return nil, err
	}

	sub, err := s.Gateway.Submit(ctx, LedgerOperation{
		Kind:          models.LedgerOpResolve,
		ChallengeID:   challengeID,
		ActorID:       att.SignerID,
		WinnerID:      winnerID,
		PointsAwarded: pointsAwarded,
		Attestation:   att.Signature,
		SignerID:      att.SignerID,
	})
	if err != nil {
		if errors.Is(err, ErrRejectedByLedger) {
			// Permanent. The attestation and marker rows keep the rejection
			// for audit; the challenge stays active for admin correction.
			_ = s.Attest.MarkRejected(att.ID, err.Error())
			return nil, err
		}
		// Transient transport error: the request may have reached the
		// ledger, so the pending claim stays put; the scheduler resubmits
		// it under the same idempotency token.
		return nil, err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, s.ConfirmTimeout)
	defer cancel()

	sub, err = s.Gateway.AwaitConfirmation(awaitCtx, sub.ID)
	if err != nil {
		if errors.Is(err, ErrRejectedByLedger) {
			_ = s.Attest.MarkRejected(att.ID, sub.FailReason)
			return nil, err
		}
		// Unconfirmed: the submitted marker stays live and blocks any second
		// attestation; the scheduler resumes from it.
		return nil, err
	}

	return s.finalizeResolution(&challenge, att, sub)
}

// finalizeResolution reconciles local state after the ledger confirmed a
// resolve operation: challenge row, escrow release, attestation acceptance
// and the payout job — one transaction, so a crash leaves either none or
// all of it, and the confirmed marker lets the scheduler replay.
func (s *SettlementService) finalizeResolution(challenge *models.Challenge, att *models.AdminAttestation, sub *models.LedgerSubmission) (*models.Challenge, error) {
	totalPool, err := s.Escrow.TotalLocked(challenge.ID)
	if err != nil {
		return nil, err
	}
	if totalPool == 0 {
		// Already released by a previous finalize of the same confirmed
		// submission; resolution is idempotent past this point.
		var existing models.Challenge
		if err := s.DB.First(&existing, "id = ?", challenge.ID).Error; err == nil &&
			(existing.Status == models.ChallengeStatusResolved || existing.Status == models.ChallengeStatusClaimed) {
			return &existing, nil
		}
		return nil, fmt.Errorf("challenge %s has no locked escrow to settle", challenge.ID)
	}

	winners, err := s.winnerShares(challenge, att.WinnerID, totalPool)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", challenge.ID, models.ChallengeStatusActive).
			Updates(map[string]interface{}{
				"status":          models.ChallengeStatusResolved,
				"winner_id":       att.WinnerID,
				"points_awarded":  att.PointsAwarded,
				"resolved_at":     now,
				"submission_hash": sub.ExternalRef,
				"block_ref":       sub.BlockRef,
			})
		if res.Error != nil {
			return fmt.Errorf("challenge update failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("challenge %s: %w", challenge.ID, ErrAlreadyResolved)
		}

		released := tx.Model(&models.EscrowRecord{}).
			Where("challenge_id = ? AND status = ?", challenge.ID, models.EscrowStatusLocked).
			Updates(map[string]interface{}{
				"status":         models.EscrowStatusReleased,
				"release_tx_ref": sub.ExternalRef,
				"released_at":    now,
			})
		if released.Error != nil {
			return fmt.Errorf("escrow release failed: %w", released.Error)
		}

		if err := s.Payouts.EnqueueTx(tx, challenge, winners, totalPool); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.Attest.MarkAccepted(att.ID); err != nil {
		// The settlement itself is committed; log and continue.
		log.Printf("⚠️  [SETTLEMENT] Failed to mark attestation %s accepted: %v", att.ID, err)
	}

	log.Printf("✅ [SETTLEMENT] Challenge %s resolved — winner %s, pool %d, %d payout entries",
		challenge.ID, att.WinnerID, totalPool, len(winners))

	s.notifyResolved(challenge, att.WinnerID, winners)

	var resolved models.Challenge
	if err := s.DB.First(&resolved, "id = ?", challenge.ID).Error; err != nil {
		return nil, err
	}
	return &resolved, nil
}

// winnerShares computes each winner's cut of the pool after the platform
// fee. Duels pay the whole net pool to the winner; pool challenges split it
// across the winning side proportionally to stakes (floor division, the
// remainder stays with the platform).
func (s *SettlementService) winnerShares(challenge *models.Challenge, winnerID string, totalPool int64) ([]WinnerShare, error) {
	feeBps := int64(0)
	if v := os.Getenv("PLATFORM_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil && bps >= 0 && bps <= 10000 {
			feeBps = bps
		}
	}

	if challenge.Mode == models.ChallengeModePool {
		records, err := s.Escrow.RecordsForChallenge(challenge.ID)
		if err != nil {
			return nil, err
		}
		var side []models.EscrowRecord
		for _, r := range records {
			if r.Side == winnerID && r.Status == models.EscrowStatusLocked {
				side = append(side, r)
			}
		}
		if len(side) == 0 {
			return nil, fmt.Errorf("challenge %s: no locked escrow on winning side %q", challenge.ID, winnerID)
		}
		return SplitPool(totalPool, feeBps, side), nil
	}

	fee := totalPool * feeBps / 10000
	return []WinnerShare{{UserID: winnerID, Amount: totalPool - fee, Fee: fee}}, nil
}

func (s *SettlementService) notifyResolved(challenge *models.Challenge, winnerID string, winners []WinnerShare) {
	if s.Notify == nil {
		return
	}
	for _, w := range winners {
		s.Notify.Send(SendRequest{
			UserID:      w.UserID,
			EventType:   models.EventPayoutReady,
			ChallengeID: challenge.ID,
			Title:       "Payout ready",
			Body:        fmt.Sprintf("Your winnings from %q are on the way.", challenge.Title),
			Priority:    models.NotificationPriorityHigh,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}
	s.Notify.Send(SendRequest{
		UserID:      challenge.CreatorID,
		EventType:   models.EventChallengeResolved,
		ChallengeID: challenge.ID,
		Title:       "Challenge resolved",
		Body:        fmt.Sprintf("%q was resolved. Winner: %s", challenge.Title, winnerID),
		Priority:    models.NotificationPriorityMedium,
		Channels:    []string{models.ChannelInApp, models.ChannelPush},
	})
	if challenge.OpponentID != nil && *challenge.OpponentID != challenge.CreatorID {
		s.Notify.Send(SendRequest{
			UserID:      *challenge.OpponentID,
			EventType:   models.EventChallengeResolved,
			ChallengeID: challenge.ID,
			Title:       "Challenge resolved",
			Body:        fmt.Sprintf("%q was resolved. Winner: %s", challenge.Title, winnerID),
			Priority:    models.NotificationPriorityMedium,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}
}

// ResumeSubmission finishes the pipeline for a previously-unconfirmed
// resolve submission. Called by the scheduler; never signs anything new.
// Orphaned pending claims (crash between claim and submit) are resubmitted
// from their stored attestation, or released when nothing was ever signed.
func (s *SettlementService) ResumeSubmission(ctx context.Context, submissionID string) error {
	var stored models.LedgerSubmission
	if err := s.DB.First(&stored, "id = ?", submissionID).Error; err != nil {
		return fmt.Errorf("submission %s lookup failed: %w", submissionID, err)
	}
	if stored.Status == models.SubmissionStatusPending {
		if stored.OpKind != models.LedgerOpResolve {
			return nil
		}
		att, err := s.latestSignedAttestation(stored.ChallengeID)
		if err != nil {
			// Claimed but never signed; free the slot so admins can resolve.
			return s.Gateway.ReleasePendingMarker(stored.ID)
		}
		// Same token, same attestation — an exact retry the ledger dedupes.
		if _, err := s.Gateway.Submit(ctx, LedgerOperation{
			Kind:          models.LedgerOpResolve,
			ChallengeID:   stored.ChallengeID,
			ActorID:       att.SignerID,
			WinnerID:      att.WinnerID,
			PointsAwarded: att.PointsAwarded,
			Attestation:   att.Signature,
			SignerID:      att.SignerID,
		}); err != nil {
			if errors.Is(err, ErrRejectedByLedger) {
				_ = s.Attest.MarkRejected(att.ID, err.Error())
			}
			return err
		}
	}

	awaitCtx, cancel := context.WithTimeout(ctx, s.ConfirmTimeout)
	defer cancel()

	sub, err := s.Gateway.AwaitConfirmation(awaitCtx, submissionID)
	if err != nil {
		if errors.Is(err, ErrUnconfirmed) {
			return err
		}
		if errors.Is(err, ErrRejectedByLedger) && sub != nil && sub.OpKind == models.LedgerOpResolve {
			if att, lookupErr := s.latestSignedAttestation(sub.ChallengeID); lookupErr == nil {
				_ = s.Attest.MarkRejected(att.ID, sub.FailReason)
			}
		}
		return err
	}

	if sub.OpKind != models.LedgerOpResolve {
		return nil
	}

	att, err := s.latestSignedAttestation(sub.ChallengeID)
	if err != nil {
		return fmt.Errorf("no signed attestation for confirmed resolve of challenge %s: %w", sub.ChallengeID, err)
	}

	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", sub.ChallengeID).Error; err != nil {
		return fmt.Errorf("challenge %s lookup failed: %w", sub.ChallengeID, err)
	}
	if challenge.Status != models.ChallengeStatusActive {
		return nil // already finalized
	}

	_, err = s.finalizeResolution(&challenge, att, sub)
	return err
}

func (s *SettlementService) latestSignedAttestation(challengeID string) (*models.AdminAttestation, error) {
	var att models.AdminAttestation
	err := s.DB.Where("challenge_id = ? AND status IN ?", challengeID,
		[]string{models.AttestationStatusSigned, models.AttestationStatusAccepted}).
		Order("signed_at desc").
		First(&att).Error
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// --- Admin Handlers ---

// ResolveChallenge handles POST /s/admin/challenges/:id/resolve
func (s *SettlementService) ResolveChallenge(c *fiber.Ctx) error {
	challengeID := c.Params("id")

	var req struct {
		WinnerID      string `json:"winner_id"`
		PointsAwarded int64  `json:"points_awarded"`
		Reason        string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.WinnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "winner_id is required"})
	}
	if req.PointsAwarded < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "points_awarded must not be negative"})
	}

	challenge, err := s.Resolve(c.Context(), challengeID, req.WinnerID, req.PointsAwarded)
	if err != nil {
		return s.resolveError(c, challengeID, err)
	}
	return c.JSON(challenge)
}

// BatchResolve handles POST /s/admin/challenges/resolve/batch.
// Each item settles independently; one failure never blocks the rest.
func (s *SettlementService) BatchResolve(c *fiber.Ctx) error {
	var req struct {
		Resolutions []struct {
			ChallengeID   string `json:"challenge_id"`
			WinnerID      string `json:"winner_id"`
			PointsAwarded int64  `json:"points_awarded"`
		} `json:"resolutions"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if len(req.Resolutions) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "resolutions list is empty"})
	}

	type result struct {
		ChallengeID string `json:"challenge_id"`
		Status      string `json:"status"`
		Error       string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(req.Resolutions))

	for _, r := range req.Resolutions {
		_, err := s.Resolve(c.Context(), r.ChallengeID, r.WinnerID, r.PointsAwarded)
		if err != nil {
			results = append(results, result{ChallengeID: r.ChallengeID, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, result{ChallengeID: r.ChallengeID, Status: "resolved"})
	}
	return c.JSON(fiber.Map{"results": results})
}

// PendingChallenges handles GET /s/admin/challenges/pending — active
// challenges awaiting a decision, with their in-flight markers if any.
func (s *SettlementService) PendingChallenges(c *fiber.Ctx) error {
	var challenges []models.Challenge
	if err := s.DB.Where("status = ?", models.ChallengeStatusActive).
		Order("created_at asc").
		Limit(200).
		Find(&challenges).Error; err != nil {
		log.Printf("DB Error listing pending challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list pending challenges"})
	}

	ids := make([]string, 0, len(challenges))
	for _, ch := range challenges {
		ids = append(ids, ch.ID)
	}
	inFlight := map[string]bool{}
	if len(ids) > 0 {
		var subs []models.LedgerSubmission
		if err := s.DB.Where("challenge_id IN ? AND op_kind = ? AND status IN ?",
			ids, models.LedgerOpResolve,
			[]string{models.SubmissionStatusPending, models.SubmissionStatusSubmitted}).
			Find(&subs).Error; err == nil {
			for _, sub := range subs {
				inFlight[sub.ChallengeID] = true
			}
		}
	}

	type pending struct {
		models.Challenge
		ResolutionInFlight bool `json:"resolution_in_flight"`
	}
	out := make([]pending, 0, len(challenges))
	for _, ch := range challenges {
		out = append(out, pending{Challenge: ch, ResolutionInFlight: inFlight[ch.ID]})
	}
	return c.JSON(fiber.Map{"challenges": out, "count": len(out)})
}

// VerifyResolution handles POST /s/admin/resolutions/verify
func (s *SettlementService) VerifyResolution(c *fiber.Ctx) error {
	var req struct {
		ChallengeID   string `json:"challenge_id"`
		WinnerID      string `json:"winner_id"`
		PointsAwarded int64  `json:"points_awarded"`
		Signature     string `json:"signature"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	valid, signer := s.Attest.Verify(req.ChallengeID, req.WinnerID, req.PointsAwarded, req.Signature)
	return c.JSON(fiber.Map{"valid": valid, "signer": signer})
}

func (s *SettlementService) resolveError(c *fiber.Ctx, challengeID string, err error) error {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found", "challenge_id": challengeID})
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "challenge_id": challengeID})
	case errors.Is(err, ErrResolutionInFlight), errors.Is(err, ErrUnconfirmed):
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":       "unconfirmed",
			"challenge_id": challengeID,
			"detail":       "resolution submitted but not yet confirmed — poll pending challenges, do not resubmit",
		})
	case errors.Is(err, ErrRejectedByLedger):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error(), "challenge_id": challengeID})
	case errors.Is(err, ErrSigningUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "attestation signing unavailable"})
	default:
		log.Printf("❌ [SETTLEMENT] Resolve %s failed: %v", challengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Resolution failed", "challenge_id": challengeID})
	}
}
