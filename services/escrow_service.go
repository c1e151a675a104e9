// services/escrow_service.go
package services

import (
	"errors"
	"fmt"
	"time"

	"challenge-settlement-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowService is the escrow ledger: funds locked per (challenge, user).
// Every mutation is a single-row compare-and-set on the record's status;
// per-challenge aggregate invariants are the settlement service's job.
type EscrowService struct {
	DB *gorm.DB
}

func NewEscrowService(db *gorm.DB) *EscrowService {
	return &EscrowService{DB: db}
}

// Lock creates a locked escrow record for (challengeID, userID).
// Fails with ErrAlreadyLocked if any record already exists for the pair,
// regardless of its status — escrow rows are never re-entered.
func (s *EscrowService) Lock(challengeID, userID, token string, amount int64, side, lockTxRef string) (*models.EscrowRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive, got %d", amount)
	}

	var count int64
	if err := s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("escrow lookup failed: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("challenge %s user %s: %w", challengeID, userID, ErrAlreadyLocked)
	}

	record := &models.EscrowRecord{
		ID:          uuid.NewString(),
		ChallengeID: challengeID,
		UserID:      userID,
		Token:       token,
		Amount:      amount,
		Side:        side,
		Status:      models.EscrowStatusLocked,
		LockTxRef:   lockTxRef,
	}

	if err := s.DB.Create(record).Error; err != nil {
		// The unique index on (challenge_id, user_id) closes the race between
		// the count above and this insert.
		return nil, fmt.Errorf("challenge %s user %s: %w", challengeID, userID, ErrAlreadyLocked)
	}
	return record, nil
}

// Release moves a record locked → released. The conditional update is the
// concurrency guard: zero rows affected means the record was not locked.
func (s *EscrowService) Release(recordID, txRef string) (*models.EscrowRecord, error) {
	return s.transition(recordID, models.EscrowStatusReleased, txRef)
}

// Refund moves a record locked → refunded (cancelled/disputed challenges).
func (s *EscrowService) Refund(recordID, txRef string) (*models.EscrowRecord, error) {
	return s.transition(recordID, models.EscrowStatusRefunded, txRef)
}

func (s *EscrowService) transition(recordID, target, txRef string) (*models.EscrowRecord, error) {
	now := time.Now()
	res := s.DB.Model(&models.EscrowRecord{}).
		Where("id = ? AND status = ?", recordID, models.EscrowStatusLocked).
		Updates(map[string]interface{}{
			"status":         target,
			"release_tx_ref": txRef,
			"released_at":    now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("escrow transition failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var rec models.EscrowRecord
		if err := s.DB.First(&rec, "id = ?", recordID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("escrow record %s: %w", recordID, ErrInvalidTransition)
			}
			return nil, fmt.Errorf("escrow lookup failed: %w", err)
		}
		return nil, fmt.Errorf("escrow record %s is %s, not locked: %w", recordID, rec.Status, ErrInvalidTransition)
	}

	var rec models.EscrowRecord
	if err := s.DB.First(&rec, "id = ?", recordID).Error; err != nil {
		return nil, fmt.Errorf("escrow reload failed: %w", err)
	}
	return &rec, nil
}

// ReleaseAllLocked releases every locked record of a challenge, used by the
// settlement service after a confirmed resolution. Returns how many rows
// transitioned so the caller can reconcile against the expected stake count.
func (s *EscrowService) ReleaseAllLocked(challengeID, txRef string) (int64, error) {
	now := time.Now()
	res := s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND status = ?", challengeID, models.EscrowStatusLocked).
		Updates(map[string]interface{}{
			"status":         models.EscrowStatusReleased,
			"release_tx_ref": txRef,
			"released_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("escrow release for challenge %s failed: %w", challengeID, res.Error)
	}
	return res.RowsAffected, nil
}

// RefundAllLocked refunds every locked record of a cancelled challenge.
func (s *EscrowService) RefundAllLocked(challengeID, txRef string) (int64, error) {
	now := time.Now()
	res := s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND status = ?", challengeID, models.EscrowStatusLocked).
		Updates(map[string]interface{}{
			"status":         models.EscrowStatusRefunded,
			"release_tx_ref": txRef,
			"released_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("escrow refund for challenge %s failed: %w", challengeID, res.Error)
	}
	return res.RowsAffected, nil
}

// TotalLocked sums locked amounts for a challenge, for reconciliation
// against the challenge's on-ledger stake.
func (s *EscrowService) TotalLocked(challengeID string) (int64, error) {
	return s.totalWithStatus(challengeID, models.EscrowStatusLocked)
}

// TotalReleased sums released amounts, the post-resolution counterpart.
func (s *EscrowService) TotalReleased(challengeID string) (int64, error) {
	return s.totalWithStatus(challengeID, models.EscrowStatusReleased)
}

func (s *EscrowService) totalWithStatus(challengeID, status string) (int64, error) {
	var total int64
	err := s.DB.Model(&models.EscrowRecord{}).
		Where("challenge_id = ? AND status = ?", challengeID, status).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("escrow sum for challenge %s failed: %w", challengeID, err)
	}
	return total, nil
}

// RecordsForChallenge lists all escrow rows of a challenge.
func (s *EscrowService) RecordsForChallenge(challengeID string) ([]models.EscrowRecord, error) {
	var records []models.EscrowRecord
	if err := s.DB.Where("challenge_id = ?", challengeID).
		Order("created_at asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("escrow list for challenge %s failed: %w", challengeID, err)
	}
	return records, nil
}
