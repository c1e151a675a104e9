// services/escrow_service_test.go
package services

import (
	"testing"

	"challenge-settlement-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowLockRejectsDuplicatePair(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	_, err := escrow.Lock("ch-1", "user-1", "USDC", 500, models.EscrowRoleChallenger, "tx-1")
	require.NoError(t, err)

	_, err = escrow.Lock("ch-1", "user-1", "USDC", 500, models.EscrowRoleChallenger, "tx-2")
	require.ErrorIs(t, err, ErrAlreadyLocked)

	// Same user on another challenge is fine.
	_, err = escrow.Lock("ch-2", "user-1", "USDC", 500, models.EscrowRoleChallenger, "tx-3")
	require.NoError(t, err)
}

func TestEscrowLockRejectsNonPositiveAmount(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	_, err := escrow.Lock("ch-1", "user-1", "USDC", 0, models.EscrowRoleChallenger, "tx-1")
	require.Error(t, err)

	_, err = escrow.Lock("ch-1", "user-1", "USDC", -10, models.EscrowRoleChallenger, "tx-1")
	require.Error(t, err)
}

func TestEscrowReleaseIsSingleShot(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	rec, err := escrow.Lock("ch-1", "user-1", "USDC", 500, models.EscrowRoleChallenger, "tx-1")
	require.NoError(t, err)

	released, err := escrow.Release(rec.ID, "settle-tx")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, released.Status)
	assert.Equal(t, "settle-tx", released.ReleaseTxRef)
	require.NotNil(t, released.ReleasedAt)

	// A released record can never transition again.
	_, err = escrow.Release(rec.ID, "settle-tx-2")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = escrow.Refund(rec.ID, "refund-tx")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscrowTransitionUnknownRecord(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	_, err := escrow.Release("no-such-record", "tx")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscrowRefundAllLockedSkipsTerminalRows(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	rec1, err := escrow.Lock("ch-1", "user-1", "USDC", 500, models.EscrowRoleChallenger, "tx-1")
	require.NoError(t, err)
	_, err = escrow.Lock("ch-1", "user-2", "USDC", 500, models.EscrowRoleAcceptor, "tx-2")
	require.NoError(t, err)

	_, err = escrow.Release(rec1.ID, "early-release")
	require.NoError(t, err)

	n, err := escrow.RefundAllLocked("ch-1", "cancel-tx")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := escrow.RecordsForChallenge("ch-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	statuses := map[string]string{}
	for _, r := range records {
		statuses[r.UserID] = r.Status
	}
	assert.Equal(t, models.EscrowStatusReleased, statuses["user-1"])
	assert.Equal(t, models.EscrowStatusRefunded, statuses["user-2"])
}

func TestEscrowTotalsTrackStatus(t *testing.T) {
	db := newTestDB(t)
	escrow := NewEscrowService(db)

	rec1, err := escrow.Lock("ch-1", "user-1", "USDC", 600, "side_a", "tx-1")
	require.NoError(t, err)
	_, err = escrow.Lock("ch-1", "user-2", "USDC", 400, "side_b", "tx-2")
	require.NoError(t, err)

	locked, err := escrow.TotalLocked("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), locked)

	released, err := escrow.TotalReleased("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)

	_, err = escrow.Release(rec1.ID, "settle-tx")
	require.NoError(t, err)

	locked, err = escrow.TotalLocked("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), locked)

	released, err = escrow.TotalReleased("ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), released)
}
