// services/attestation_service.go
package services

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"challenge-settlement-system/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// attestationDomain prefixes every digest so signatures cannot be replayed
// against other message kinds signed by the same key.
const attestationDomain = "challenge-settlement/attestation/v1"

// AttestationService is the admin attestation authority. The signing key is
// injected at construction and lives for the process; there is no ambient
// global client.
type AttestationService struct {
	DB       *gorm.DB
	key      *ecdsa.PrivateKey
	signerID string // authority address, lowercase hex
}

// NewAttestationService loads the authority key from ATTESTATION_SIGNING_KEY
// (hex-encoded secp256k1 scalar). A missing key is allowed at boot — signing
// then fails with ErrSigningUnavailable while verification keeps working.
func NewAttestationService(db *gorm.DB) *AttestationService {
	keyHex := strings.TrimPrefix(os.Getenv("ATTESTATION_SIGNING_KEY"), "0x")
	if keyHex == "" {
		log.Println("⚠️  ATTESTATION_SIGNING_KEY not set — attestation signing disabled, verify-only mode")
		return &AttestationService{DB: db}
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		log.Fatal("❌ ATTESTATION_SIGNING_KEY is not a valid secp256k1 key: ", err)
	}
	return NewAttestationServiceWithKey(db, key)
}

// NewAttestationServiceWithKey wires an explicit key (tests, KMS adapters).
func NewAttestationServiceWithKey(db *gorm.DB, key *ecdsa.PrivateKey) *AttestationService {
	return &AttestationService{
		DB:       db,
		key:      key,
		signerID: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

// SignerID returns the authority address, or "" in verify-only mode.
func (s *AttestationService) SignerID() string { return s.signerID }

// AttestationDigest builds the deterministic Keccak-256 digest over
// (challengeID, winnerID, pointsAwarded). Field order and length-prefixed
// encoding are part of the wire contract shared with the verifier and the
// ledger — do not reorder.
func AttestationDigest(challengeID, winnerID string, pointsAwarded int64) []byte {
	buf := make([]byte, 0, len(attestationDomain)+len(challengeID)+len(winnerID)+20)
	buf = append(buf, []byte(attestationDomain)...)
	buf = appendLenPrefixed(buf, challengeID)
	buf = appendLenPrefixed(buf, winnerID)
	var points [8]byte
	binary.BigEndian.PutUint64(points[:], uint64(pointsAwarded))
	buf = append(buf, points[:]...)
	return crypto.Keccak256(buf)
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, []byte(s)...)
}

// Sign produces a new attestation for (challengeID, winnerID, points) and
// logs it. Fails with ErrSigningUnavailable without a key, and refuses to
// sign while a previous attestation for the challenge is already
// ledger-accepted — a resolved challenge can never get a second one.
func (s *AttestationService) Sign(challengeID, winnerID string, pointsAwarded int64) (*models.AdminAttestation, error) {
	if s.key == nil {
		return nil, ErrSigningUnavailable
	}

	var accepted int64
	if err := s.DB.Model(&models.AdminAttestation{}).
		Where("challenge_id = ? AND status = ?", challengeID, models.AttestationStatusAccepted).
		Count(&accepted).Error; err != nil {
		return nil, fmt.Errorf("attestation lookup failed: %w", err)
	}
	if accepted > 0 {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, ErrAlreadyResolved)
	}

	digest := AttestationDigest(challengeID, winnerID, pointsAwarded)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("attestation signing failed: %w", err)
	}

	att := &models.AdminAttestation{
		ID:            uuid.NewString(),
		ChallengeID:   challengeID,
		WinnerID:      winnerID,
		PointsAwarded: pointsAwarded,
		Digest:        hexutil.Encode(digest),
		Signature:     hexutil.Encode(sig),
		SignerID:      s.signerID,
		Status:        models.AttestationStatusSigned,
		SignedAt:      time.Now(),
	}

	// Logged even if the later submission fails, for audit and replay detection.
	if err := s.DB.Create(att).Error; err != nil {
		return nil, fmt.Errorf("attestation log write failed: %w", err)
	}
	return att, nil
}

// Verify recomputes the digest and recovers the signer. It never returns an
// error: any malformed input is simply not a valid attestation.
func (s *AttestationService) Verify(challengeID, winnerID string, pointsAwarded int64, signature string) (valid bool, signer string) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return false, ""
	}

	digest := AttestationDigest(challengeID, winnerID, pointsAwarded)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, ""
	}

	signer = strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	if s.signerID != "" && signer != s.signerID {
		return false, signer
	}
	// Verify-only mode compares against the configured authority address.
	if s.signerID == "" {
		expected := strings.ToLower(os.Getenv("ATTESTATION_AUTHORITY_ADDRESS"))
		if expected == "" || signer != expected {
			return false, signer
		}
	}
	return true, signer
}

// MarkAccepted records the ledger accepting the attestation. The conditional
// update plus the accepted-count check in Sign keep at most one accepted
// attestation per challenge.
func (s *AttestationService) MarkAccepted(attestationID string) error {
	res := s.DB.Model(&models.AdminAttestation{}).
		Where("id = ? AND status = ?", attestationID, models.AttestationStatusSigned).
		Update("status", models.AttestationStatusAccepted)
	if res.Error != nil {
		return fmt.Errorf("attestation accept failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attestation %s not in signed state", attestationID)
	}
	return nil
}

// MarkRejected records a permanent ledger rejection with its reason.
func (s *AttestationService) MarkRejected(attestationID, reason string) error {
	return s.DB.Model(&models.AdminAttestation{}).
		Where("id = ?", attestationID).
		Updates(map[string]interface{}{
			"status":        models.AttestationStatusRejected,
			"reject_reason": reason,
		}).Error
}

// AcceptedForChallenge returns the single accepted attestation, if any.
func (s *AttestationService) AcceptedForChallenge(challengeID string) (*models.AdminAttestation, error) {
	var att models.AdminAttestation
	err := s.DB.Where("challenge_id = ? AND status = ?", challengeID, models.AttestationStatusAccepted).
		First(&att).Error
	if err != nil {
		return nil, err
	}
	return &att, nil
}
