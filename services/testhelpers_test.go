// services/testhelpers_test.go
package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"challenge-settlement-system/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	// One connection so every session sees the same in-memory database.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Challenge{},
		&models.EscrowRecord{},
		&models.AdminAttestation{},
		&models.LedgerSubmission{},
		&models.PayoutJob{},
		&models.PayoutEntry{},
		&models.Notification{},
		&models.NotificationSendRecord{},
		&models.UserMirror{},
		&models.WalletMirror{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// Fake ledger modes, switchable mid-test.
const (
	ledgerModeConfirm = "confirm" // accept submissions, confirm on first poll
	ledgerModeReject  = "reject"  // 422 every submission
	ledgerModeError   = "error"   // 500 every submission (transient)
	ledgerModePending = "pending" // accept, but never confirm
	ledgerModeFail    = "fail"    // accept, then report failure on poll
)

type ledgerCall struct {
	Kind             string `json:"kind"`
	ChallengeID      string `json:"challenge_id"`
	ActorID          string `json:"actor_id"`
	WinnerID         string `json:"winner_id"`
	EntryID          string `json:"entry_id"`
	DestAddress      string `json:"dest_address"`
	Attestation      string `json:"attestation"`
	IdempotencyToken string `json:"idempotency_token"`
}

type fakeLedger struct {
	mu         sync.Mutex
	mode       string
	calls      []ledgerCall
	refSeq     int
	submitHold chan struct{}
}

func newFakeLedger(mode string) *fakeLedger {
	return &fakeLedger{mode: mode}
}

func (f *fakeLedger) setMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// holdSubmits keeps accepted submissions on the wire until the returned
// release func is called. The call is recorded before blocking.
func (f *fakeLedger) holdSubmits() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.submitHold = ch
	return func() { close(ch) }
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLedger) lastCall() ledgerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeLedger) callsOfKind(kind string) []ledgerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledgerCall
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeLedger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == "/v1/operations" {
		var call ledgerCall
		_ = json.NewDecoder(r.Body).Decode(&call)

		f.mu.Lock()
		mode := f.mode
		hold := f.submitHold
		var ref string
		if mode != ledgerModeReject && mode != ledgerModeError {
			f.calls = append(f.calls, call)
			f.refSeq++
			ref = fmt.Sprintf("ref-%d", f.refSeq)
		}
		f.mu.Unlock()

		switch mode {
		case ledgerModeReject:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accepted": false, "reason": "attestation not acceptable",
			})
		case ledgerModeError:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			if hold != nil {
				<-hold
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accepted": true, "external_ref": ref,
			})
		}
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/operations/") {
		f.mu.Lock()
		mode := f.mode
		f.mu.Unlock()

		switch mode {
		case ledgerModePending:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
		case ledgerModeFail:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "reason": "insufficient escrow on ledger"})
		default:
			ref := strings.TrimPrefix(r.URL.Path, "/v1/operations/")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "confirmed", "block_ref": "blk-" + ref})
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func newTestGateway(t *testing.T, db *gorm.DB, ledger *fakeLedger) *LedgerGateway {
	t.Helper()

	server := httptest.NewServer(ledger)
	t.Cleanup(server.Close)

	return &LedgerGateway{
		BaseURL:      server.URL,
		Token:        "test-token",
		DB:           db,
		HTTPClient:   server.Client(),
		PollInterval: 5 * time.Millisecond,
	}
}

func seedWallet(t *testing.T, db *gorm.DB, userID, token, address string) {
	t.Helper()
	err := db.Create(&models.WalletMirror{
		ID:                 "wal-" + userID + "-" + token,
		UserID:             userID,
		Chain:              "testchain",
		Token:              token,
		Address:            address,
		IsActive:           true,
		LastBalanceCheckAt: time.Now(),
	}).Error
	if err != nil {
		t.Fatalf("failed to seed wallet for %s: %v", userID, err)
	}
}
