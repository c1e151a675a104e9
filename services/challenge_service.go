// services/challenge_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"challenge-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// Metadata keys a creator may attach to a challenge. Anything else is
// rejected rather than stored as an untyped blob.
var allowedMetadataKeys = map[string]bool{
	"category":     true,
	"description":  true,
	"evidence_url": true,
	"game":         true,
	"region":       true,
}

// ChallengeService handles the challenge lifecycle up to resolution:
// create, accept/join, cancel, dispute. Stakes are locked in escrow and the
// matching create/join operations are submitted to the ledger.
type ChallengeService struct {
	DB      *gorm.DB
	Escrow  *EscrowService
	Gateway *LedgerGateway
	Notify  *NotificationService

	ConfirmTimeout time.Duration
}

func NewChallengeService(db *gorm.DB, escrow *EscrowService, gateway *LedgerGateway, notify *NotificationService) *ChallengeService {
	return &ChallengeService{
		DB:             db,
		Escrow:         escrow,
		Gateway:        gateway,
		Notify:         notify,
		ConfirmTimeout: 45 * time.Second,
	}
}

// CreateChallenge handles POST /s/challenges
func (s *ChallengeService) CreateChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	var req struct {
		Title       string                 `json:"title"`
		Mode        string                 `json:"mode"`
		StakeToken  string                 `json:"stake_token"`
		StakeAmount int64                  `json:"stake_amount"`
		OpponentID  *string                `json:"opponent_id"`
		Side        string                 `json:"side"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Title == "" || req.StakeToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title and stake_token are required"})
	}
	if req.StakeAmount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "stake_amount must be positive"})
	}
	if req.Mode == "" {
		req.Mode = models.ChallengeModeDuel
	}
	if req.Mode != models.ChallengeModeDuel && req.Mode != models.ChallengeModePool {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mode must be duel or pool"})
	}

	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var creator models.UserMirror
	if err := s.DB.Where("external_user_id = ?", userID).First(&creator).Error; err == nil && creator.IsBanned {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "account is not allowed to create challenges"})
	}

	challenge := &models.Challenge{
		ID:          uuid.NewString(),
		Slug:        slug.Make(req.Title),
		Title:       req.Title,
		Mode:        req.Mode,
		CreatorID:   userID,
		OpponentID:  req.OpponentID,
		StakeToken:  req.StakeToken,
		StakeAmount: req.StakeAmount,
		Status:      models.ChallengeStatusPending,
		Metadata:    metadata,
	}
	if err := s.DB.Create(challenge).Error; err != nil {
		log.Printf("DB Error creating challenge: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create challenge"})
	}

	side := models.EscrowRoleChallenger
	if req.Mode == models.ChallengeModePool && req.Side != "" {
		side = req.Side
	}
	if _, err := s.Escrow.Lock(challenge.ID, userID, req.StakeToken, req.StakeAmount, side, "stake:"+challenge.ID); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	if err := s.submitAndLink(c.Context(), challenge, models.LedgerOpCreate, userID, req.StakeAmount); err != nil {
		// The challenge stays pending with its escrow locked; the scheduler
		// resumes the unconfirmed submission.
		if errors.Is(err, ErrUnconfirmed) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"challenge": challenge,
				"status":    "pending_confirmation",
			})
		}
		log.Printf("❌ [CHALLENGE] Ledger create for %s failed: %v", challenge.ID, err)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	if s.Notify != nil && req.OpponentID != nil {
		s.Notify.Send(SendRequest{
			UserID:      *req.OpponentID,
			EventType:   models.EventChallengeCreated,
			ChallengeID: challenge.ID,
			Title:       "You've been challenged",
			Body:        fmt.Sprintf("%s challenged you: %q", userID, challenge.Title),
			Priority:    models.NotificationPriorityMedium,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}

	return c.Status(fiber.StatusCreated).JSON(challenge)
}

// AcceptChallenge handles POST /s/challenges/:id/accept — a duel opponent
// accepting, or a pool participant joining a side.
func (s *ChallengeService) AcceptChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	var req struct {
		Side   string `json:"side"`
		Amount int64  `json:"amount"`
	}
	_ = c.BodyParser(&req)

	challengeID := c.Params("id")
	var challenge models.Challenge

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := rowLock(tx).
			First(&challenge, "id = ?", challengeID).Error; err != nil {
			return err
		}
		if challenge.CreatorID == userID {
			return fmt.Errorf("cannot accept your own challenge")
		}

		switch challenge.Mode {
		case models.ChallengeModeDuel:
			if challenge.Status != models.ChallengeStatusPending {
				return fmt.Errorf("challenge is %s, not open for acceptance", challenge.Status)
			}
			if challenge.OpponentID != nil && *challenge.OpponentID != userID {
				return fmt.Errorf("challenge is reserved for another opponent")
			}
			return tx.Model(&models.Challenge{}).
				Where("id = ?", challenge.ID).
				Update("opponent_id", userID).Error
		case models.ChallengeModePool:
			if challenge.Status != models.ChallengeStatusPending && challenge.Status != models.ChallengeStatusActive {
				return fmt.Errorf("challenge is %s, not open for joining", challenge.Status)
			}
			if req.Side == "" {
				return fmt.Errorf("side is required for pool challenges")
			}
			return nil
		}
		return fmt.Errorf("unknown challenge mode %q", challenge.Mode)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	amount := challenge.StakeAmount
	side := models.EscrowRoleAcceptor
	if challenge.Mode == models.ChallengeModePool {
		side = req.Side
		if req.Amount > 0 {
			amount = req.Amount
		}
	}

	if _, err := s.Escrow.Lock(challenge.ID, userID, challenge.StakeToken, amount, side, "stake:"+challenge.ID); err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already staked on this challenge"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to lock stake"})
	}

	if err := s.submitAndLink(c.Context(), &challenge, models.LedgerOpJoin, userID, amount); err != nil {
		if errors.Is(err, ErrUnconfirmed) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "pending_confirmation"})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	// Duel is on once both sides are staked.
	res := s.DB.Model(&models.Challenge{}).
		Where("id = ? AND status = ?", challenge.ID, models.ChallengeStatusPending).
		Update("status", models.ChallengeStatusActive)
	if res.Error == nil && res.RowsAffected > 0 && s.Notify != nil {
		s.Notify.Send(SendRequest{
			UserID:      challenge.CreatorID,
			EventType:   models.EventMatchFound,
			ChallengeID: challenge.ID,
			Title:       "Match found",
			Body:        fmt.Sprintf("%s accepted %q — game on.", userID, challenge.Title),
			Priority:    models.NotificationPriorityHigh,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	} else if s.Notify != nil && challenge.Mode == models.ChallengeModePool {
		// Late pool join on an already-running challenge.
		s.Notify.Send(SendRequest{
			UserID:      challenge.CreatorID,
			EventType:   models.EventChallengeAccepted,
			ChallengeID: challenge.ID,
			Title:       "New participant",
			Body:        fmt.Sprintf("%s joined %q.", userID, challenge.Title),
			Priority:    models.NotificationPriorityMedium,
			Channels:    []string{models.ChannelInApp, models.ChannelPush},
		})
	}

	s.DB.First(&challenge, "id = ?", challenge.ID)
	return c.JSON(challenge)
}

// CancelChallenge handles POST /s/challenges/:id/cancel — creator only,
// refunds all locked escrow.
func (s *ChallengeService) CancelChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	challengeID := c.Params("id")

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.BodyParser(&req)

	var challenge models.Challenge
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := rowLock(tx).
			First(&challenge, "id = ?", challengeID).Error; err != nil {
			return err
		}
		if challenge.CreatorID != userID {
			return fmt.Errorf("only the creator can cancel")
		}
		if challenge.Status != models.ChallengeStatusPending && challenge.Status != models.ChallengeStatusActive {
			return fmt.Errorf("challenge is %s, cannot cancel", challenge.Status)
		}
		return tx.Model(&models.Challenge{}).
			Where("id = ?", challenge.ID).
			Updates(map[string]interface{}{
				"status":        models.ChallengeStatusCancelled,
				"cancel_reason": req.Reason,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	refunded, err := s.Escrow.RefundAllLocked(challengeID, "cancel:"+challengeID)
	if err != nil {
		log.Printf("❌ [CHALLENGE] Refund for cancelled challenge %s failed: %v", challengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Cancelled but refund incomplete — contact support"})
	}

	if s.Notify != nil {
		for _, record := range s.refundedParticipants(challengeID) {
			s.Notify.Send(SendRequest{
				UserID:      record,
				EventType:   models.EventChallengeCancelled,
				ChallengeID: challengeID,
				Title:       "Challenge cancelled",
				Body:        fmt.Sprintf("%q was cancelled. Your stake has been refunded.", challenge.Title),
				Priority:    models.NotificationPriorityMedium,
				Channels:    []string{models.ChannelInApp, models.ChannelPush},
			})
		}
	}

	log.Printf("🚫 [CHALLENGE] %s cancelled by %s (%d escrows refunded)", challengeID, userID, refunded)
	return c.JSON(fiber.Map{"status": models.ChallengeStatusCancelled, "refunded": refunded})
}

// DisputeChallenge handles POST /s/challenges/:id/dispute. Escrow stays
// locked; a disputed challenge needs an admin decision.
func (s *ChallengeService) DisputeChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	challengeID := c.Params("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil || req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "reason is required"})
	}

	var count int64
	s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Count(&count)
	if count == 0 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only participants can dispute"})
	}

	res := s.DB.Model(&models.Challenge{}).
		Where("id = ? AND status IN ?", challengeID,
			[]string{models.ChallengeStatusPending, models.ChallengeStatusActive}).
		Updates(map[string]interface{}{
			"status":         models.ChallengeStatusDisputed,
			"dispute_reason": req.Reason,
		})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "challenge cannot be disputed in its current state"})
	}

	if s.Notify != nil {
		for _, participant := range s.otherParticipants(challengeID, userID) {
			s.Notify.Send(SendRequest{
				UserID:      participant,
				EventType:   models.EventChallengeDisputed,
				ChallengeID: challengeID,
				Title:       "Challenge disputed",
				Body:        "A participant disputed the outcome. Stakes stay locked until an admin decides.",
				Priority:    models.NotificationPriorityMedium,
				Channels:    []string{models.ChannelInApp, models.ChannelPush},
			})
		}
	}

	log.Printf("⚖️  [CHALLENGE] %s disputed by %s: %s", challengeID, userID, req.Reason)
	return c.JSON(fiber.Map{"status": models.ChallengeStatusDisputed})
}

// GetChallenge handles GET /s/challenges/:id
func (s *ChallengeService) GetChallenge(c *fiber.Ctx) error {
	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	records, _ := s.Escrow.RecordsForChallenge(challenge.ID)
	return c.JSON(fiber.Map{"challenge": challenge, "escrow": records})
}

// ListChallenges handles GET /s/challenges — the caller's challenges.
func (s *ChallengeService) ListChallenges(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var challenges []models.Challenge
	if err := s.DB.
		Where("creator_id = ? OR opponent_id = ?", userID, userID).
		Or("id IN (?)", s.DB.Model(&models.EscrowRecord{}).Select("challenge_id").Where("user_id = ?", userID)).
		Order("created_at desc").
		Limit(100).
		Find(&challenges).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"challenges": challenges})
}

// ListOpenChallenges handles GET /challenges/open (public browse).
func (s *ChallengeService) ListOpenChallenges(c *fiber.Ctx) error {
	var challenges []models.Challenge
	if err := s.DB.
		Where("status = ? AND (mode = ? OR opponent_id IS NULL)",
			models.ChallengeStatusPending, models.ChallengeModePool).
		Order("created_at desc").
		Limit(100).
		Find(&challenges).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"challenges": challenges})
}

// submitAndLink submits a create/join op and writes the external linkage
// back onto the challenge once confirmed.
func (s *ChallengeService) submitAndLink(ctx context.Context, challenge *models.Challenge, opKind, actorID string, amount int64) error {
	sub, err := s.Gateway.Submit(ctx, LedgerOperation{
		Kind:        opKind,
		ChallengeID: challenge.ID,
		ActorID:     actorID,
		Token:       challenge.StakeToken,
		Amount:      amount,
	})
	if err != nil {
		return err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, s.ConfirmTimeout)
	defer cancel()

	sub, err = s.Gateway.AwaitConfirmation(awaitCtx, sub.ID)
	if err != nil {
		return err
	}

	if opKind == models.LedgerOpCreate {
		return s.DB.Model(&models.Challenge{}).
			Where("id = ?", challenge.ID).
			Updates(map[string]interface{}{
				"external_challenge_id": sub.ExternalRef,
				"block_ref":             sub.BlockRef,
			}).Error
	}
	return nil
}

func (s *ChallengeService) otherParticipants(challengeID, excludeUserID string) []string {
	var userIDs []string
	s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND user_id <> ?", challengeID, excludeUserID).
		Distinct().
		Pluck("user_id", &userIDs)
	return userIDs
}

func (s *ChallengeService) refundedParticipants(challengeID string) []string {
	var userIDs []string
	s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND status = ?", challengeID, models.EscrowStatusRefunded).
		Pluck("user_id", &userIDs)
	return userIDs
}

func encodeMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	for k := range m {
		if !allowedMetadataKeys[k] {
			return "", fmt.Errorf("unknown metadata key %q", k)
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("metadata is not encodable")
	}
	return string(raw), nil
}
