// Package retry decides what happens to a delivery after a failed publish
// attempt: schedule another attempt with exponential backoff, or fail it.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/store"
)

// Enqueuer is the part of the queue the controller needs.
type Enqueuer interface {
	Enqueue(it queue.Item) (string, error)
}

type Controller struct {
	store  store.Store
	queue  Enqueuer
	policy Policy
	now    func() time.Time
}

func NewController(st store.Store, q Enqueuer, p Policy) *Controller {
	return &Controller{store: st, queue: q, policy: p.withDefaults(), now: time.Now}
}

func (c *Controller) Policy() Policy { return c.policy }

// HandleFailure reconciles a processing delivery after a failed attempt.
// The record either goes back to pending with a new work item due after the
// backoff delay, or becomes failed. The work item is enqueued only after the
// new state has been committed.
func (c *Controller) HandleFailure(ctx context.Context, id string, cause error) (domain.Delivery, Decision, error) {
	var (
		dec    Decision
		itemID string
	)
	now := c.now()
	d, err := c.store.Update(ctx, id, func(d *domain.Delivery) error {
		if d.Status != domain.StatusProcessing {
			return &domain.InvalidTransitionError{ID: d.ID, From: d.Status, To: domain.StatusPending}
		}
		dec = c.policy.Decide(*d, cause, now)
		if dec.Retry {
			itemID = queue.NewItemID()
			d.Status = domain.StatusPending
			d.RetryCount++
			d.NextAttemptAt = now.Add(dec.Delay)
			d.WorkItemID = itemID
			return nil
		}
		errDetail := dec.Error
		d.Status = domain.StatusFailed
		d.Error = &errDetail
		d.WorkItemID = ""
		return nil
	})
	if err != nil {
		return d, dec, fmt.Errorf("reconcile failure of %s: %w", id, err)
	}

	if !dec.Retry {
		log.Warn().Str("delivery_id", d.ID).Str("platform", string(d.Platform)).
			Str("code", d.Error.Code).Int("retries", d.RetryCount).
			Msg("delivery failed permanently")
		return d, dec, nil
	}

	if _, err := c.queue.Enqueue(queue.Item{ID: itemID, RecordID: d.ID, Platform: d.Platform, DueAt: d.NextAttemptAt}); err != nil {
		// The record stays pending; recovery re-enqueues it on the next start.
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("enqueue retry")
		return d, dec, nil
	}
	log.Info().Str("delivery_id", d.ID).Str("platform", string(d.Platform)).
		Int("retry", d.RetryCount).Dur("delay", dec.Delay).Str("code", dec.Error.Code).
		Msg("retry scheduled")
	return d, dec, nil
}
