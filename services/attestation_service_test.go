// services/attestation_service_test.go
package services

import (
	"testing"

	"challenge-settlement-system/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttestationService(t *testing.T) *AttestationService {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewAttestationServiceWithKey(newTestDB(t), key)
}

func TestAttestationSignVerifyRoundtrip(t *testing.T) {
	svc := newTestAttestationService(t)

	att, err := svc.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)
	assert.Equal(t, models.AttestationStatusSigned, att.Status)
	assert.Equal(t, svc.SignerID(), att.SignerID)
	assert.Len(t, att.Digest, 66)   // 0x + 32 bytes hex
	assert.Len(t, att.Signature, 132)

	valid, signer := svc.Verify("ch-1", "user-9", 150, att.Signature)
	assert.True(t, valid)
	assert.Equal(t, svc.SignerID(), signer)
}

func TestAttestationVerifyRejectsTamperedFields(t *testing.T) {
	svc := newTestAttestationService(t)

	att, err := svc.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	valid, _ := svc.Verify("ch-1", "user-9", 151, att.Signature)
	assert.False(t, valid, "changed points must invalidate the signature")

	valid, _ = svc.Verify("ch-1", "user-8", 150, att.Signature)
	assert.False(t, valid, "changed winner must invalidate the signature")

	valid, _ = svc.Verify("ch-2", "user-9", 150, att.Signature)
	assert.False(t, valid, "changed challenge must invalidate the signature")
}

func TestAttestationVerifyRejectsForeignSigner(t *testing.T) {
	svc := newTestAttestationService(t)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := NewAttestationServiceWithKey(svc.DB, otherKey)

	att, err := other.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	valid, signer := svc.Verify("ch-1", "user-9", 150, att.Signature)
	assert.False(t, valid)
	assert.Equal(t, other.SignerID(), signer, "recovered signer is reported even when it does not match")
}

func TestAttestationVerifyRejectsGarbage(t *testing.T) {
	svc := newTestAttestationService(t)

	valid, _ := svc.Verify("ch-1", "user-9", 150, "not-hex")
	assert.False(t, valid)

	valid, _ = svc.Verify("ch-1", "user-9", 150, "0xdeadbeef")
	assert.False(t, valid)
}

func TestAttestationSignRefusedAfterAcceptance(t *testing.T) {
	svc := newTestAttestationService(t)

	att, err := svc.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	// Re-signing before ledger acceptance is allowed (rejected first attempt).
	_, err = svc.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	require.NoError(t, svc.MarkAccepted(att.ID))

	_, err = svc.Sign("ch-1", "user-8", 150)
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestAttestationMarkAcceptedIsSingleShot(t *testing.T) {
	svc := newTestAttestationService(t)

	att, err := svc.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	require.NoError(t, svc.MarkAccepted(att.ID))
	require.Error(t, svc.MarkAccepted(att.ID), "second accept must fail the signed-state check")

	accepted, err := svc.AcceptedForChallenge("ch-1")
	require.NoError(t, err)
	assert.Equal(t, att.ID, accepted.ID)
}

func TestAttestationSigningUnavailableWithoutKey(t *testing.T) {
	svc := &AttestationService{DB: newTestDB(t)}

	_, err := svc.Sign("ch-1", "user-9", 150)
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestAttestationVerifyOnlyModeUsesConfiguredAuthority(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	db := newTestDB(t)
	signing := NewAttestationServiceWithKey(db, key)

	att, err := signing.Sign("ch-1", "user-9", 150)
	require.NoError(t, err)

	verifyOnly := &AttestationService{DB: db}

	t.Setenv("ATTESTATION_AUTHORITY_ADDRESS", signing.SignerID())
	valid, signer := verifyOnly.Verify("ch-1", "user-9", 150, att.Signature)
	assert.True(t, valid)
	assert.Equal(t, signing.SignerID(), signer)

	t.Setenv("ATTESTATION_AUTHORITY_ADDRESS", "0x0000000000000000000000000000000000000001")
	valid, _ = verifyOnly.Verify("ch-1", "user-9", 150, att.Signature)
	assert.False(t, valid)
}

func TestAttestationDigestIsDeterministic(t *testing.T) {
	d1 := AttestationDigest("ch-1", "user-9", 150)
	d2 := AttestationDigest("ch-1", "user-9", 150)
	assert.Equal(t, d1, d2)

	// Length-prefixed encoding keeps adjacent fields from bleeding together.
	d3 := AttestationDigest("ch-1u", "ser-9", 150)
	assert.NotEqual(t, d1, d3)
}
