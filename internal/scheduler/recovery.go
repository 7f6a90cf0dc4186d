package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/retry"
)

// Report counts what a recovery pass or sweep did.
type Report struct {
	Requeued   int
	Reconciled int
	Errors     int
}

// farFuture bounds ListPending when every pending delivery is wanted.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Recover rebuilds the queue from the store after a start. Every pending
// delivery is enqueued again and every processing delivery is treated as an
// interrupted attempt, since no worker of this process can own it yet.
func (s *Service) Recover(ctx context.Context) (Report, error) {
	var rep Report

	pending, err := s.store.ListPending(ctx, farFuture)
	if err != nil {
		return rep, err
	}
	for _, d := range pending {
		if s.requeue(ctx, d) {
			rep.Requeued++
		} else {
			rep.Errors++
		}
	}

	if err := s.reconcileStale(ctx, s.now(), &rep); err != nil {
		return rep, err
	}
	log.Info().Int("requeued", rep.Requeued).Int("reconciled", rep.Reconciled).Int("errors", rep.Errors).Msg("recovery finished")
	return rep, nil
}

// Sweep reconciles deliveries stuck in processing for longer than
// StaleAfter and re-enqueues overdue pending deliveries whose work item is
// no longer queued.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	if err := s.reconcileStale(ctx, cutoff, &rep); err != nil {
		return rep, err
	}

	overdue, err := s.store.ListPending(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	for _, d := range overdue {
		if d.WorkItemID != "" && s.queue.Contains(d.WorkItemID) {
			continue
		}
		// Re-enqueuing under the same id is safe: whichever copy is claimed
		// second fails the status check in the worker.
		if s.requeue(ctx, d) {
			rep.Requeued++
		} else {
			rep.Errors++
		}
	}

	if rep.Requeued+rep.Reconciled+rep.Errors > 0 {
		log.Warn().Int("requeued", rep.Requeued).Int("reconciled", rep.Reconciled).Int("errors", rep.Errors).Msg("sweep found orphaned deliveries")
	}
	return rep, nil
}

func (s *Service) reconcileStale(ctx context.Context, updatedBefore time.Time, rep *Report) error {
	stale, err := s.store.ListStale(ctx, updatedBefore)
	if err != nil {
		return err
	}
	for _, d := range stale {
		if _, _, err := s.retry.HandleFailure(ctx, d.ID, retry.ErrInterrupted); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("reconcile stale delivery")
			rep.Errors++
			continue
		}
		rep.Reconciled++
	}
	return nil
}

// requeue enqueues a pending delivery, issuing a work item id first if the
// record has none.
func (s *Service) requeue(ctx context.Context, d domain.Delivery) bool {
	if d.WorkItemID == "" {
		id := d.ID
		var err error
		d, err = s.store.Update(ctx, id, func(d *domain.Delivery) error {
			if d.Status != domain.StatusPending {
				return domain.ErrNotPending
			}
			d.WorkItemID = queue.NewItemID()
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("delivery_id", id).Msg("issue work item")
			return false
		}
	}
	if _, err := s.queue.Enqueue(queue.Item{ID: d.WorkItemID, RecordID: d.ID, Platform: d.Platform, DueAt: d.NextAttemptAt}); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("requeue delivery")
		return false
	}
	return true
}

// StartSweeper runs Sweep on the configured cron schedule.
func (s *Service) StartSweeper() error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			log.Error().Err(err).Msg("sweep")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", s.cfg.SweepSchedule).Dur("stale_after", s.cfg.StaleAfter).Msg("stale sweep started")
	return nil
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}
