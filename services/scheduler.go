// services/scheduler.go
package services

import (
	"context"
	"errors"
	"log"
	"time"

	"challenge-settlement-system/utils"

	"github.com/go-co-op/gocron/v2"
)

// StartScheduler runs the settlement background jobs: resuming unconfirmed
// ledger submissions, draining outstanding payout jobs, pruning notification
// send records and archiving the settlement audit export.
func (s *SettlementService) StartScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every 30s: resume submissions stuck in submitted. Resume only awaits
	// confirmation — it never resubmits, so slow blocks and reorgs are safe.
	_, _ = sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			subs, err := s.Gateway.PendingSubmissions(50)
			if err != nil {
				log.Printf("[Scheduler] Pending submission list error: %v", err)
				return
			}
			for _, sub := range subs {
				if err := s.ResumeSubmission(context.Background(), sub.ID); err != nil {
					if errors.Is(err, ErrUnconfirmed) {
						continue // still pending, next tick retries
					}
					log.Printf("[Scheduler] Resume of submission %s failed: %v", sub.ID, err)
				}
			}
		}),
	)

	// Every minute: drain payout jobs that still have pending entries.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			jobs, err := s.Payouts.OutstandingJobs(20)
			if err != nil {
				log.Printf("[Scheduler] Payout job list error: %v", err)
				return
			}
			for _, job := range jobs {
				if _, err := s.Payouts.Drain(context.Background(), job.ID); err != nil {
					log.Printf("[Scheduler] Drain of payout job %s failed: %v", job.ID, err)
				}
			}
		}),
	)

	// Every 10 minutes: age out notification send records.
	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			pruned, err := s.Notify.PruneSendRecords()
			if err != nil {
				log.Printf("[Scheduler] Send record prune error: %v", err)
				return
			}
			if pruned > 0 {
				log.Printf("🧹 Pruned %d notification send records", pruned)
			}
		}),
	)

	// Daily: upload the settlement audit export to R2.
	_, _ = sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			url, err := s.archiveAudit()
			if err != nil {
				log.Printf("[Scheduler] Audit archive error: %v", err)
				return
			}
			log.Printf("🗄️  Settlement audit archived: %s", url)
		}),
	)
}

// archiveAudit exports the last day of attestations, submissions and payout
// jobs as one JSON object to the audit bucket.
func (s *SettlementService) archiveAudit() (string, error) {
	export, err := utils.BuildAuditExport(s.DB, time.Now().Add(-24*time.Hour))
	if err != nil {
		return "", err
	}
	return utils.UploadAuditExport(export)
}
