// services/payout_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"challenge-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WinnerShare is one winner's computed cut of a settled pool.
type WinnerShare struct {
	UserID string
	Amount int64
	Fee    int64
}

// SplitPool divides a pool across the winning side proportionally to each
// winner's stake, after taking feeBps off the top. All math is integer floor
// division; whatever remainder the splits leave stays with the platform —
// nothing is ever minted.
func SplitPool(totalPool, feeBps int64, side []models.EscrowRecord) []WinnerShare {
	fee := totalPool * feeBps / 10000
	net := totalPool - fee

	var sideTotal int64
	for _, r := range side {
		sideTotal += r.Amount
	}
	if sideTotal == 0 {
		return nil
	}

	shares := make([]WinnerShare, 0, len(side))
	for _, r := range side {
		shares = append(shares, WinnerShare{
			UserID: r.UserID,
			Amount: net * r.Amount / sideTotal,
		})
	}
	if len(shares) > 0 {
		shares[0].Fee = fee
	}
	return shares
}

// PayoutService is the payout batch processor: one durable job per
// settlement event, one entry per winner, resumable and idempotent drain.
type PayoutService struct {
	DB      *gorm.DB
	Gateway *LedgerGateway
	Notify  *NotificationService

	ClaimTimeout time.Duration
}

func NewPayoutService(db *gorm.DB, gateway *LedgerGateway, notify *NotificationService) *PayoutService {
	return &PayoutService{
		DB:           db,
		Gateway:      gateway,
		Notify:       notify,
		ClaimTimeout: 45 * time.Second,
	}
}

// EnqueueTx creates the job plus its entries inside the caller's settlement
// transaction, so the payout batch exists iff the resolution committed.
func (s *PayoutService) EnqueueTx(tx *gorm.DB, challenge *models.Challenge, winners []WinnerShare, totalPool int64) error {
	if len(winners) == 0 {
		return fmt.Errorf("challenge %s: payout job needs at least one winner", challenge.ID)
	}

	var platformFee int64
	for _, w := range winners {
		platformFee += w.Fee
	}

	job := &models.PayoutJob{
		ID:           uuid.NewString(),
		ChallengeID:  challenge.ID,
		TotalWinners: len(winners),
		TotalPool:    totalPool,
		PlatformFee:  platformFee,
		Status:       models.PayoutJobStatusQueued,
	}
	if err := tx.Create(job).Error; err != nil {
		return fmt.Errorf("payout job create failed: %w", err)
	}

	for _, w := range winners {
		entry := &models.PayoutEntry{
			ID:     uuid.NewString(),
			JobID:  job.ID,
			UserID: w.UserID,
			Amount: w.Amount,
			Token:  challenge.StakeToken,
			Status: models.PayoutEntryStatusPending,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("payout entry create failed: %w", err)
		}
	}
	return nil
}

// Drain processes every entry of the job still pending. Safe to call
// repeatedly and concurrently: the pending→running CAS on each entry row is
// the only lock between workers, and a crash mid-batch simply leaves the
// untouched entries pending for the next call.
func (s *PayoutService) Drain(ctx context.Context, jobID string) (*models.PayoutJob, error) {
	var job models.PayoutJob
	if err := s.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, fmt.Errorf("payout job %s lookup failed: %w", jobID, err)
	}
	if job.Status == models.PayoutJobStatusCompleted {
		return &job, nil
	}

	s.DB.Model(&models.PayoutJob{}).
		Where("id = ? AND status = ?", jobID, models.PayoutJobStatusQueued).
		Update("status", models.PayoutJobStatusRunning)

	var entries []models.PayoutEntry
	if err := s.DB.Where("job_id = ? AND status = ?", jobID, models.PayoutEntryStatusPending).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("payout entry list failed: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		s.processEntry(ctx, &job, entry)
	}

	return s.finishJobIfDone(jobID)
}

// DrainUserEntries drains only the entries belonging to one user, for the
// user-triggered claim endpoint.
func (s *PayoutService) DrainUserEntries(ctx context.Context, jobID, userID string) error {
	var job models.PayoutJob
	if err := s.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("payout job %s lookup failed: %w", jobID, err)
	}

	var entries []models.PayoutEntry
	if err := s.DB.Where("job_id = ? AND user_id = ? AND status = ?",
		jobID, userID, models.PayoutEntryStatusPending).
		Find(&entries).Error; err != nil {
		return fmt.Errorf("payout entry list failed: %w", err)
	}
	for _, entry := range entries {
		s.processEntry(ctx, &job, entry)
	}
	_, err := s.finishJobIfDone(jobID)
	return err
}

// processEntry claims one entry. Each entry transitions pending→{completed|
// failed} exactly once; the entry ID rides along as the ledger-side
// idempotency key so a retried claim can never double-credit.
func (s *PayoutService) processEntry(ctx context.Context, job *models.PayoutJob, entry models.PayoutEntry) {
	// pending→running CAS: losing the race means another worker owns it.
	res := s.DB.Model(&models.PayoutEntry{}).
		Where("id = ? AND status = ?", entry.ID, models.PayoutEntryStatusPending).
		Update("status", models.PayoutEntryStatusRunning)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	dest, err := s.destinationAddress(entry.UserID, entry.Token)
	if err != nil {
		s.failEntry(job, entry, fmt.Sprintf("no payout wallet on file: %v", err))
		return
	}

	claimCtx, cancel := context.WithTimeout(ctx, s.ClaimTimeout)
	defer cancel()

	sub, err := s.Gateway.Submit(claimCtx, LedgerOperation{
		Kind:        models.LedgerOpClaim,
		ChallengeID: job.ChallengeID,
		ActorID:     entry.UserID,
		Amount:      entry.Amount,
		Token:       entry.Token,
		EntryID:     entry.ID,
		DestAddress: dest,
	})
	if err != nil {
		if errors.Is(err, ErrRejectedByLedger) {
			s.failEntry(job, entry, err.Error())
		} else {
			// Transient: put the entry back so a later drain retries it.
			s.DB.Model(&models.PayoutEntry{}).
				Where("id = ? AND status = ?", entry.ID, models.PayoutEntryStatusRunning).
				Update("status", models.PayoutEntryStatusPending)
			log.Printf("⚠️  [PAYOUT] Claim for entry %s deferred: %v", entry.ID, err)
		}
		return
	}

	sub, err = s.Gateway.AwaitConfirmation(claimCtx, sub.ID)
	if err != nil {
		if errors.Is(err, ErrRejectedByLedger) {
			s.failEntry(job, entry, err.Error())
		} else {
			s.DB.Model(&models.PayoutEntry{}).
				Where("id = ? AND status = ?", entry.ID, models.PayoutEntryStatusRunning).
				Update("status", models.PayoutEntryStatusPending)
			log.Printf("⚠️  [PAYOUT] Claim for entry %s unconfirmed, will resume: %v", entry.ID, err)
		}
		return
	}

	now := time.Now()
	res = s.DB.Model(&models.PayoutEntry{}).
		Where("id = ? AND status = ?", entry.ID, models.PayoutEntryStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.PayoutEntryStatusCompleted,
			"claim_tx_ref": sub.ExternalRef,
			"processed_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		log.Printf("⚠️  [PAYOUT] Entry %s completed on ledger but local mark failed", entry.ID)
		return
	}

	s.DB.Model(&models.PayoutJob{}).
		Where("id = ?", job.ID).
		Update("processed_winners", gorm.Expr("processed_winners + 1"))

	// The winner's released stake is now paid out.
	s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND user_id = ? AND status = ?",
			job.ChallengeID, entry.UserID, models.EscrowStatusReleased).
		Update("status", models.EscrowStatusClaimed)

	log.Printf("💸 [PAYOUT] Entry %s paid %d %s to %s (tx %s)", entry.ID, entry.Amount, entry.Token, entry.UserID, sub.ExternalRef)

	if s.Notify != nil {
		s.Notify.Send(SendRequest{
			UserID:      entry.UserID,
			EventType:   models.EventPayoutCompleted,
			ChallengeID: job.ChallengeID,
			Title:       "Payout completed",
			Body:        fmt.Sprintf("You received %d %s.", entry.Amount, entry.Token),
			Priority:    models.NotificationPriorityHigh,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}
}

// failEntry marks an entry permanently failed. A failed entry is reported,
// counted toward processedWinners, and stays eligible for manual re-drive.
func (s *PayoutService) failEntry(job *models.PayoutJob, entry models.PayoutEntry, reason string) {
	now := time.Now()
	res := s.DB.Model(&models.PayoutEntry{}).
		Where("id = ? AND status = ?", entry.ID, models.PayoutEntryStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.PayoutEntryStatusFailed,
			"fail_reason":  reason,
			"processed_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	s.DB.Model(&models.PayoutJob{}).
		Where("id = ?", job.ID).
		Update("processed_winners", gorm.Expr("processed_winners + 1"))

	log.Printf("❌ [PAYOUT] Entry %s for %s failed: %s", entry.ID, entry.UserID, reason)

	if s.Notify != nil {
		s.Notify.Send(SendRequest{
			UserID:      entry.UserID,
			EventType:   models.EventPayoutFailed,
			ChallengeID: job.ChallengeID,
			Title:       "Payout needs attention",
			Body:        "One of your payouts could not be completed. Support has been notified.",
			Priority:    models.NotificationPriorityHigh,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}
}

// finishJobIfDone completes the job when every entry is terminal, and flips
// the challenge to claimed when at least one entry actually paid out.
func (s *PayoutService) finishJobIfDone(jobID string) (*models.PayoutJob, error) {
	var job models.PayoutJob
	if err := s.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, err
	}

	var remaining int64
	if err := s.DB.Model(&models.PayoutEntry{}).
		Where("job_id = ? AND status IN ?", jobID,
			[]string{models.PayoutEntryStatusPending, models.PayoutEntryStatusRunning}).
		Count(&remaining).Error; err != nil {
		return nil, err
	}
	if remaining > 0 {
		return &job, nil
	}

	var completed, failed int64
	s.DB.Model(&models.PayoutEntry{}).
		Where("job_id = ? AND status = ?", jobID, models.PayoutEntryStatusCompleted).
		Count(&completed)
	s.DB.Model(&models.PayoutEntry{}).
		Where("job_id = ? AND status = ?", jobID, models.PayoutEntryStatusFailed).
		Count(&failed)

	now := time.Now()
	jobErr := ""
	if failed > 0 {
		jobErr = fmt.Sprintf("%d of %d entries failed", failed, job.TotalWinners)
	}
	s.DB.Model(&models.PayoutJob{}).
		Where("id = ? AND status IN ?", jobID,
			[]string{models.PayoutJobStatusQueued, models.PayoutJobStatusRunning}).
		Updates(map[string]interface{}{
			"status":       models.PayoutJobStatusCompleted,
			"error":        jobErr,
			"completed_at": now,
		})

	if completed > 0 {
		res := s.DB.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", job.ChallengeID, models.ChallengeStatusResolved).
			Update("status", models.ChallengeStatusClaimed)
		if res.Error == nil && res.RowsAffected > 0 {
			log.Printf("🏁 [PAYOUT] Challenge %s fully claimed (%d paid, %d failed)", job.ChallengeID, completed, failed)
		}
	}

	if err := s.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// OutstandingJobs lists jobs with undrained entries for the scheduler.
func (s *PayoutService) OutstandingJobs(limit int) ([]models.PayoutJob, error) {
	var jobs []models.PayoutJob
	err := s.DB.Where("status IN ?", []string{models.PayoutJobStatusQueued, models.PayoutJobStatusRunning}).
		Order("created_at asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("outstanding job list failed: %w", err)
	}
	return jobs, nil
}

// RedriveFailed flips failed entries back to pending for another drain.
func (s *PayoutService) RedriveFailed(jobID string) (int64, error) {
	res := s.DB.Model(&models.PayoutEntry{}).
		Where("job_id = ? AND status = ?", jobID, models.PayoutEntryStatusFailed).
		Updates(map[string]interface{}{
			"status":      models.PayoutEntryStatusPending,
			"fail_reason": "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("redrive failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.DB.Model(&models.PayoutJob{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":            models.PayoutJobStatusRunning,
				"error":             "",
				"processed_winners": gorm.Expr("processed_winners - ?", res.RowsAffected),
				"completed_at":      nil,
			})
	}
	return res.RowsAffected, nil
}

func (s *PayoutService) destinationAddress(userID, token string) (string, error) {
	var wallet models.WalletMirror
	err := s.DB.Where("user_id = ? AND token = ? AND is_active = ?", userID, token, true).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("no active %s wallet for user %s", token, userID)
		}
		return "", err
	}
	return wallet.Address, nil
}

// --- User Handlers ---

// ClaimChallenge handles POST /s/challenges/:id/claim
func (s *PayoutService) ClaimChallenge(c *fiber.Ctx) error {
	challengeID := c.Params("id")
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	var job models.PayoutJob
	if err := s.DB.First(&job, "challenge_id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No payout for this challenge"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	if err := s.DrainUserEntries(c.Context(), job.ID, userID); err != nil {
		log.Printf("❌ [PAYOUT] Claim drain for challenge %s user %s failed: %v", challengeID, userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Claim failed"})
	}

	var entries []models.PayoutEntry
	s.DB.Where("job_id = ? AND user_id = ?", job.ID, userID).Find(&entries)
	return c.JSON(fiber.Map{"challenge_id": challengeID, "entries": entries})
}

// BatchClaim handles POST /s/payouts/claim/batch
func (s *PayoutService) BatchClaim(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	var req struct {
		ChallengeIDs []string `json:"challenge_ids"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.ChallengeIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "challenge_ids is required"})
	}

	results := fiber.Map{}
	for _, challengeID := range req.ChallengeIDs {
		var job models.PayoutJob
		if err := s.DB.First(&job, "challenge_id = ?", challengeID).Error; err != nil {
			results[challengeID] = "no payout"
			continue
		}
		if err := s.DrainUserEntries(c.Context(), job.ID, userID); err != nil {
			results[challengeID] = "failed"
			continue
		}
		results[challengeID] = "claimed"
	}
	return c.JSON(fiber.Map{"results": results})
}

// PayoutStatus handles GET /s/challenges/:id/payout
func (s *PayoutService) PayoutStatus(c *fiber.Ctx) error {
	challengeID := c.Params("id")

	var job models.PayoutJob
	if err := s.DB.Preload("Entries").First(&job, "challenge_id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No payout for this challenge"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(job)
}

// --- Admin Handlers ---

// GetJob handles GET /s/admin/payouts/:job_id
func (s *PayoutService) GetJob(c *fiber.Ctx) error {
	var job models.PayoutJob
	if err := s.DB.Preload("Entries").First(&job, "id = ?", c.Params("job_id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payout job not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(job)
}

// Redrive handles POST /s/admin/payouts/:job_id/redrive — re-drives failed
// entries, then drains immediately.
func (s *PayoutService) Redrive(c *fiber.Ctx) error {
	jobID := c.Params("job_id")

	n, err := s.RedriveFailed(jobID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Redrive failed"})
	}

	job, err := s.Drain(c.Context(), jobID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Drain after redrive failed"})
	}
	return c.JSON(fiber.Map{"redriven": n, "job": job})
}
