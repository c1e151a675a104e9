// services/ledger_gateway.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"challenge-settlement-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Namespace for deterministic idempotency tokens. Stable across deploys —
// the ledger dedupes on the token, so it must never change.
var ledgerTokenNamespace = uuid.MustParse("7f1c6e1a-2b7d-4c8a-9e3f-5d0a8c4b2e91")

// LedgerOperation is one typed submission to the external ledger. Exactly
// one of the optional field groups is set depending on Kind.
type LedgerOperation struct {
	Kind        string `json:"kind"`
	ChallengeID string `json:"challenge_id"`
	ActorID     string `json:"actor_id"`

	// create / join
	Token  string `json:"token,omitempty"`
	Amount int64  `json:"amount,omitempty"`

	// resolve
	WinnerID      string `json:"winner_id,omitempty"`
	PointsAwarded int64  `json:"points_awarded,omitempty"`
	Attestation   string `json:"attestation,omitempty"` // hex signature
	SignerID      string `json:"signer_id,omitempty"`

	// claim
	EntryID     string `json:"entry_id,omitempty"`
	DestAddress string `json:"dest_address,omitempty"`
}

type submitResponse struct {
	Accepted    bool   `json:"accepted"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason,omitempty"`
}

type confirmResponse struct {
	Status   string `json:"status"` // pending | confirmed | failed
	BlockRef string `json:"block_ref,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// LedgerGateway wraps the external ledger RPC behind a uniform
// submit/await-confirmation contract. It never retries a submission on its
// own; resubmission of a confirmed operation returns the stored result.
type LedgerGateway struct {
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	DB           *gorm.DB
	PollInterval time.Duration
}

func NewLedgerGateway(db *gorm.DB) *LedgerGateway {
	baseURL := os.Getenv("LEDGER_RPC_URL")
	if baseURL == "" {
		log.Fatal("LEDGER_RPC_URL environment variable is required")
	}
	token := os.Getenv("LEDGER_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("LEDGER_SERVICE_TOKEN environment variable is required")
	}

	return &LedgerGateway{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		PollInterval: 2 * time.Second,
	}
}

// IdempotencyToken derives the deterministic token for an operation from
// (challengeID, opKind, actorID). Same inputs, same token, forever.
func IdempotencyToken(challengeID, opKind, actorID string) string {
	return uuid.NewSHA1(ledgerTokenNamespace, []byte(challengeID+"|"+opKind+"|"+actorID)).String()
}

// Submit sends the operation to the ledger. If the same operation was
// already submitted, the stored submission row is returned instead of
// re-executing — at-least-once from the caller's side, at-most-once on the
// ledger.
//
// Permanent rejections return ErrRejectedByLedger; the caller must not
// resubmit with the same attestation. Transport failures return a wrapped
// transient error and leave no submission marker behind.
func (g *LedgerGateway) Submit(ctx context.Context, op LedgerOperation) (*models.LedgerSubmission, error) {
	token := IdempotencyToken(op.ChallengeID, op.Kind, op.ActorID)

	var existing models.LedgerSubmission
	err := g.DB.Where("idempotency_token = ?", token).First(&existing).Error
	if err == nil {
		switch existing.Status {
		case models.SubmissionStatusConfirmed, models.SubmissionStatusSubmitted:
			log.Printf("🔁 [LEDGER] Duplicate submit for %s/%s — returning existing submission %s (%s)",
				op.Kind, op.ChallengeID, existing.ID, existing.Status)
			return &existing, nil
		case models.SubmissionStatusPending:
			// Marker claimed ahead of the wire (resolve ops); this call is
			// the submission for it.
		case models.SubmissionStatusFailed:
			// Failed rows stay for audit; a fresh attempt reuses the row.
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("submission lookup failed: %w", err)
	}

	body, err := json.Marshal(struct {
		LedgerOperation
		IdempotencyToken string `json:"idempotency_token"`
	}{op, token})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", g.Token)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger submit transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var sr submitResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		if err := json.Unmarshal(raw, &sr); err != nil {
			return nil, fmt.Errorf("ledger submit: bad response body: %w", err)
		}
	}

	switch {
	case (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted) && sr.Accepted:
		sub := existing
		if sub.ID == "" {
			sub = models.LedgerSubmission{
				ID:               uuid.NewString(),
				ChallengeID:      op.ChallengeID,
				OpKind:           op.Kind,
				ActorID:          op.ActorID,
				IdempotencyToken: token,
			}
		}
		sub.ExternalRef = sr.ExternalRef
		sub.Status = models.SubmissionStatusSubmitted
		sub.FailReason = ""
		if err := g.DB.Save(&sub).Error; err != nil {
			return nil, fmt.Errorf("failed to persist submission marker: %w", err)
		}
		log.Printf("📤 [LEDGER] Submitted %s for challenge %s → ref %s", op.Kind, op.ChallengeID, sr.ExternalRef)
		return &sub, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := sr.Reason
		if reason == "" {
			reason = string(raw)
		}
		if existing.ID != "" {
			// A claimed marker records the rejection so the challenge can
			// be resolved again with a corrected attestation.
			g.DB.Model(&models.LedgerSubmission{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"status":      models.SubmissionStatusFailed,
					"fail_reason": reason,
				})
		}
		log.Printf("❌ [LEDGER] %s for challenge %s rejected: %s", op.Kind, op.ChallengeID, reason)
		return nil, fmt.Errorf("%s: %w", reason, ErrRejectedByLedger)

	default:
		return nil, fmt.Errorf("ledger submit returned status %d: %s", resp.StatusCode, string(raw))
	}
}

// AwaitConfirmation polls the ledger for the submission's fate until the
// caller's context deadline. On deadline the operation is left as-is and
// ErrUnconfirmed is returned — re-query later, never blindly resubmit.
func (g *LedgerGateway) AwaitConfirmation(ctx context.Context, submissionID string) (*models.LedgerSubmission, error) {
	var sub models.LedgerSubmission
	if err := g.DB.First(&sub, "id = ?", submissionID).Error; err != nil {
		return nil, fmt.Errorf("submission %s lookup failed: %w", submissionID, err)
	}

	switch sub.Status {
	case models.SubmissionStatusConfirmed:
		return &sub, nil
	case models.SubmissionStatusFailed:
		return &sub, fmt.Errorf("%s: %w", sub.FailReason, ErrRejectedByLedger)
	}

	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()

	for {
		cr, err := g.queryStatus(ctx, sub.ExternalRef)
		if err != nil {
			if ctx.Err() != nil {
				return &sub, fmt.Errorf("submission %s: %w", sub.ID, ErrUnconfirmed)
			}
			// Transient query failure; keep polling until the deadline.
			log.Printf("⚠️  [LEDGER] Confirmation query for %s failed: %v", sub.ExternalRef, err)
		} else {
			switch cr.Status {
			case "confirmed":
				now := time.Now()
				sub.Status = models.SubmissionStatusConfirmed
				sub.BlockRef = &cr.BlockRef
				sub.ConfirmedAt = &now
				if err := g.DB.Save(&sub).Error; err != nil {
					return nil, fmt.Errorf("failed to persist confirmation: %w", err)
				}
				log.Printf("✅ [LEDGER] %s for challenge %s confirmed in block %s", sub.OpKind, sub.ChallengeID, cr.BlockRef)
				return &sub, nil
			case "failed":
				sub.Status = models.SubmissionStatusFailed
				sub.FailReason = cr.Reason
				if err := g.DB.Save(&sub).Error; err != nil {
					return nil, fmt.Errorf("failed to persist rejection: %w", err)
				}
				return &sub, fmt.Errorf("%s: %w", cr.Reason, ErrRejectedByLedger)
			}
		}

		select {
		case <-ctx.Done():
			return &sub, fmt.Errorf("submission %s: %w", sub.ID, ErrUnconfirmed)
		case <-ticker.C:
		}
	}
}

func (g *LedgerGateway) queryStatus(ctx context.Context, externalRef string) (*confirmResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/v1/operations/"+externalRef, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Token", g.Token)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ledger status query returned %d: %s", resp.StatusCode, string(body))
	}

	var cr confirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bad confirmation body: %w", err)
	}
	return &cr, nil
}

// A pending claim older than this is considered orphaned (the process died
// between claiming and submitting) and becomes eligible for recovery.
const pendingClaimGrace = 2 * time.Minute

// PendingSubmissions lists markers needing a resume pass: submitted rows
// awaiting confirmation, plus orphaned pending claims past the grace window.
func (g *LedgerGateway) PendingSubmissions(limit int) ([]models.LedgerSubmission, error) {
	var subs []models.LedgerSubmission
	err := g.DB.Where("status = ? OR (status = ? AND updated_at < ?)",
		models.SubmissionStatusSubmitted, models.SubmissionStatusPending,
		time.Now().Add(-pendingClaimGrace)).
		Order("created_at asc").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("pending submission list failed: %w", err)
	}
	return subs, nil
}

// LiveResolveSubmission reports whether a resolve marker for the challenge
// is live (claimed or on the wire) — the guard against double attestation.
// Callers inside a transaction must pass it so the check shares the
// transaction's connection and snapshot.
func (g *LedgerGateway) LiveResolveSubmission(db *gorm.DB, challengeID string) (bool, error) {
	var count int64
	err := db.Model(&models.LedgerSubmission{}).
		Where("challenge_id = ? AND op_kind = ? AND status IN ?",
			challengeID, models.LedgerOpResolve,
			[]string{models.SubmissionStatusPending, models.SubmissionStatusSubmitted}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("in-flight lookup failed: %w", err)
	}
	return count > 0, nil
}

// ClaimResolveMarker atomically claims the resolve slot for a challenge
// inside the caller's transaction: the in-flight check and the marker write
// commit together, so from this row's commit on no second attestation can
// be signed. The unique token index closes the race between two concurrent
// claims.
func (g *LedgerGateway) ClaimResolveMarker(tx *gorm.DB, challengeID, actorID string) (*models.LedgerSubmission, error) {
	live, err := g.LiveResolveSubmission(tx, challengeID)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, ErrResolutionInFlight)
	}

	token := IdempotencyToken(challengeID, models.LedgerOpResolve, actorID)

	var marker models.LedgerSubmission
	err = tx.Where("idempotency_token = ?", token).First(&marker).Error
	switch {
	case err == nil:
		if marker.Status == models.SubmissionStatusConfirmed {
			return nil, fmt.Errorf("challenge %s resolve already confirmed: %w", challengeID, ErrAlreadyResolved)
		}
		// Failed row from a rejected earlier attempt; reclaim it so the
		// unique token keeps pointing at one marker per (challenge, actor).
		res := tx.Model(&models.LedgerSubmission{}).
			Where("id = ? AND status = ?", marker.ID, models.SubmissionStatusFailed).
			Updates(map[string]interface{}{
				"status":       models.SubmissionStatusPending,
				"fail_reason":  "",
				"external_ref": "",
			})
		if res.Error != nil {
			return nil, fmt.Errorf("marker reclaim failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("challenge %s: %w", challengeID, ErrResolutionInFlight)
		}
		marker.Status = models.SubmissionStatusPending
		marker.ExternalRef = ""
		marker.FailReason = ""
		return &marker, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		marker = models.LedgerSubmission{
			ID:               uuid.NewString(),
			ChallengeID:      challengeID,
			OpKind:           models.LedgerOpResolve,
			ActorID:          actorID,
			IdempotencyToken: token,
			Status:           models.SubmissionStatusPending,
		}
		if err := tx.Create(&marker).Error; err != nil {
			return nil, fmt.Errorf("challenge %s: %w", challengeID, ErrResolutionInFlight)
		}
		return &marker, nil

	default:
		return nil, fmt.Errorf("marker lookup failed: %w", err)
	}
}

// ReleasePendingMarker frees a claimed marker whose operation never made it
// to the wire (signing failed before submit). Hard delete, so the unique
// token slot opens up for the next attempt.
func (g *LedgerGateway) ReleasePendingMarker(markerID string) error {
	return g.DB.Unscoped().
		Where("id = ? AND status = ?", markerID, models.SubmissionStatusPending).
		Delete(&models.LedgerSubmission{}).Error
}
