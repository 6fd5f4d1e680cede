package workers

import (
	"context"
	"log"
	"time"

	"challenge-wager-service/services"
)

// PollPendingPayments is the fast reconciliation loop: shortly after a
// redirect flow is interrupted, this picks the pending payment up without
// waiting for the minute-grained scheduler sweep. Stops when ctx is done.
func PollPendingPayments(ctx context.Context, orchestrator *services.PaymentOrchestrator, pollInterval time.Duration) {
	log.Println("Starting pending-payment polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Pending-payment polling stopped.")
			return
		case <-ticker.C:
			orchestrator.ResumeAll(ctx)
		}
	}
}
