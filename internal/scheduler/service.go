// Package scheduler is the entry point for owners: it validates and persists
// schedule requests, hands them to the queue, and implements edits,
// cancellation, queries and crash recovery on top of the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/retry"
	"postflow/internal/store"
)

// Queue is the producer side of the scheduler core.
type Queue interface {
	Enqueue(it queue.Item) (string, error)
	Cancel(id string) bool
	Contains(id string) bool
}

type Config struct {
	// MaxRetries applies to requests that don't set their own.
	MaxRetries int
	// StaleAfter is how long a delivery may sit in processing before the
	// sweep treats its attempt as lost. It must exceed the publish timeout.
	StaleAfter time.Duration
	// SweepSchedule is a cron spec for the stale sweep.
	SweepSchedule string
	// Platforms are the platforms that have a publisher. Requests for any
	// other platform are rejected. Empty accepts every supported platform.
	Platforms []domain.Platform
}

func (c Config) dispatchable() map[domain.Platform]bool {
	ps := c.Platforms
	if len(ps) == 0 {
		ps = domain.Platforms
	}
	out := make(map[domain.Platform]bool, len(ps))
	for _, p := range ps {
		out[p] = true
	}
	return out
}

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepSchedule = "@every 1m"
)

type Service struct {
	store store.Store
	queue Queue
	retry *retry.Controller
	cfg   Config
	cron  *cron.Cron
	now   func() time.Time

	platforms map[domain.Platform]bool
}

func NewService(st store.Store, q Queue, rc *retry.Controller, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	return &Service{
		store: st,
		queue: q,
		retry: rc,
		cfg:   cfg,
		cron:  cron.New(),
		now:   time.Now,

		platforms: cfg.dispatchable(),
	}
}

// Schedule validates r, persists a pending delivery and enqueues its work
// item. A scheduled time in the past makes the delivery due immediately.
func (s *Service) Schedule(ctx context.Context, r ScheduleRequest) (domain.Delivery, error) {
	d, err := normalize(r, s.platforms)
	if err != nil {
		return domain.Delivery{}, err
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = s.cfg.MaxRetries
	}
	// The item id is stored with the record so a worker can never claim an
	// item whose record is not committed yet.
	d.WorkItemID = queue.NewItemID()
	d.Status = domain.StatusPending

	d, err = s.store.Create(ctx, d)
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("create delivery: %w", err)
	}
	s.enqueue(d)

	log.Info().
		Str("delivery_id", d.ID).
		Str("owner_id", d.OwnerID).
		Str("platform", string(d.Platform)).
		Str("action", string(d.Action)).
		Time("scheduled_at", d.ScheduledAt).
		Msg("delivery scheduled")
	return d, nil
}

func (s *Service) enqueue(d domain.Delivery) {
	_, err := s.queue.Enqueue(queue.Item{ID: d.WorkItemID, RecordID: d.ID, Platform: d.Platform, DueAt: d.NextAttemptAt})
	if err != nil {
		// Still pending in the store; the sweep or the next start picks it up.
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("enqueue delivery")
	}
}

// Update edits a pending delivery. Moving the scheduled time issues a new
// work item and cancels the old one.
func (s *Service) Update(ctx context.Context, owner, id string, r UpdateRequest) (domain.Delivery, error) {
	var (
		oldItem string
		moved   bool
	)
	d, err := s.store.Update(ctx, id, func(d *domain.Delivery) error {
		if d.OwnerID != owner {
			return domain.ErrForbidden
		}
		if d.Status != domain.StatusPending {
			return domain.ErrNotPending
		}
		if r.Content != nil {
			d.Content = domain.Content{Text: CleanText(r.Content.Text), Media: r.Content.Media}
		}
		if r.Metadata != nil {
			d.Metadata = *r.Metadata
		}
		if r.TargetID != nil {
			d.TargetID = *r.TargetID
		}
		if r.ScheduledAt != nil {
			if r.ScheduledAt.IsZero() {
				return &domain.ValidationError{Fields: []domain.FieldError{{Field: "scheduled_time", Message: "is required"}}}
			}
			oldItem = d.WorkItemID
			moved = true
			d.ScheduledAt = *r.ScheduledAt
			d.NextAttemptAt = *r.ScheduledAt
			d.WorkItemID = queue.NewItemID()
		}
		var verr domain.ValidationError
		checkContent(&verr, *d)
		return verr.Err()
	})
	if err != nil {
		return s.visible(d, err)
	}
	if moved {
		s.queue.Cancel(oldItem)
		s.enqueue(d)
	}
	log.Info().Str("delivery_id", d.ID).Bool("rescheduled", moved).Msg("delivery updated")
	return d, nil
}

// Cancel moves a pending delivery to cancelled. The record is persisted
// before the work item is removed; a worker that already claimed the item
// sees the new status and drops it.
func (s *Service) Cancel(ctx context.Context, owner, id string) (domain.Delivery, error) {
	var item string
	d, err := s.store.Update(ctx, id, func(d *domain.Delivery) error {
		if d.OwnerID != owner {
			return domain.ErrForbidden
		}
		if d.Status != domain.StatusPending {
			return domain.ErrNotPending
		}
		item = d.WorkItemID
		d.Status = domain.StatusCancelled
		d.WorkItemID = ""
		return nil
	})
	if err != nil {
		return s.visible(d, err)
	}
	removed := s.queue.Cancel(item)
	log.Info().Str("delivery_id", d.ID).Bool("dequeued", removed).Msg("delivery cancelled")
	return d, nil
}

// visible decides what an owner gets back next to err: the current record
// for ErrNotPending, nothing otherwise.
func (s *Service) visible(d domain.Delivery, err error) (domain.Delivery, error) {
	if errors.Is(err, domain.ErrNotPending) {
		return d, err
	}
	return domain.Delivery{}, err
}

func (s *Service) Get(ctx context.Context, owner, id string) (domain.Delivery, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Delivery{}, err
	}
	if d.OwnerID != owner {
		return domain.Delivery{}, domain.ErrForbidden
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, owner string, f domain.Filter) ([]domain.Delivery, error) {
	return s.store.List(ctx, owner, f)
}

func (s *Service) Attempts(ctx context.Context, owner, id string) ([]domain.Attempt, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.store.Attempts(ctx, id)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
