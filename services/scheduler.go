// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartScheduler runs the periodic maintenance jobs: a challenge-cache
// refresh every 10 minutes and a pending-payment reconciliation sweep every
// minute. The returned scheduler should be shut down on exit.
func StartScheduler(ctx context.Context, manager *LifecycleManager, orchestrator *PaymentOrchestrator) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if _, err := manager.ListChallenges(ctx, true); err != nil {
				log.Printf("[Scheduler] Challenge refresh failed: %v", err)
			}
		}),
	)

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			orchestrator.ResumeAll(ctx)
		}),
	)

	sched.Start()
	return sched, nil
}
