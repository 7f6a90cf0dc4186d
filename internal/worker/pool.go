// Package worker runs the dispatch loop: claim due work items per platform,
// publish them and reconcile the outcome with the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/retry"
	"postflow/internal/store"
)

// Publisher sends one delivery to a platform and returns the platform's id
// for the created content.
type Publisher interface {
	Publish(ctx context.Context, req domain.PublishRequest) (string, error)
}

type PublisherFunc func(ctx context.Context, req domain.PublishRequest) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, req domain.PublishRequest) (string, error) {
	return f(ctx, req)
}

// Claimer is the consumer side of the queue.
type Claimer interface {
	Claim(ctx context.Context, p domain.Platform) (queue.Item, error)
	Enqueue(it queue.Item) (string, error)
}

// Limit is a per-platform outbound rate. PerSecond <= 0 disables limiting.
type Limit struct {
	PerSecond float64
	Burst     int
}

type Config struct {
	// Workers is the number of concurrent claimers per platform, unless
	// PlatformWorkers overrides it.
	Workers         int
	PlatformWorkers map[domain.Platform]int
	// Timeout bounds one publish call.
	Timeout time.Duration
	Limits  map[domain.Platform]Limit
}

const (
	DefaultWorkers = 2
	DefaultTimeout = 30 * time.Second

	claimRetryDelay = 5 * time.Second
)

var errStale = errors.New("work item no longer current")

// Stats are cumulative dispatch counters.
type Stats struct {
	Attempts  int64
	Posted    int64
	Retried   int64
	Failed    int64
	Discarded int64
}

type Pool struct {
	store      store.Store
	queue      Claimer
	retry      *retry.Controller
	publishers map[domain.Platform]Publisher
	limiters   map[domain.Platform]*rate.Limiter
	workers    map[domain.Platform]int
	timeout    time.Duration

	attempts, posted, retried, failed, discarded atomic.Int64
}

func NewPool(st store.Store, q Claimer, rc *retry.Controller, publishers map[domain.Platform]Publisher, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Pool{
		store:      st,
		queue:      q,
		retry:      rc,
		publishers: publishers,
		limiters:   make(map[domain.Platform]*rate.Limiter, len(publishers)),
		workers:    make(map[domain.Platform]int, len(publishers)),
		timeout:    cfg.Timeout,
	}
	for platform := range publishers {
		l := cfg.Limits[platform]
		p.limiters[platform] = rate.NewLimiter(limitOf(l), burstOf(l))
		n := cfg.PlatformWorkers[platform]
		if n <= 0 {
			n = cfg.Workers
		}
		p.workers[platform] = n
	}
	// Platforms without a publisher still get one worker so deliveries left
	// over from an earlier configuration fail instead of waiting forever.
	for _, platform := range domain.Platforms {
		if _, ok := p.workers[platform]; !ok {
			p.limiters[platform] = rate.NewLimiter(rate.Inf, 1)
			p.workers[platform] = 1
		}
	}
	return p
}

func limitOf(l Limit) rate.Limit {
	if l.PerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(l.PerSecond)
}

func burstOf(l Limit) int {
	if l.Burst <= 0 {
		return 1
	}
	return l.Burst
}

// SetLimit changes a platform's rate without restarting workers.
func (p *Pool) SetLimit(platform domain.Platform, l Limit) {
	lim, ok := p.limiters[platform]
	if !ok {
		return
	}
	lim.SetLimit(limitOf(l))
	lim.SetBurst(burstOf(l))
}

func (p *Pool) Stats() Stats {
	return Stats{
		Attempts:  p.attempts.Load(),
		Posted:    p.posted.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed. Publishes already in flight are allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) {
	var (
		wg    sync.WaitGroup
		total int
	)
	for platform, n := range p.workers {
		total += n
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(platform domain.Platform) {
				defer wg.Done()
				p.loop(ctx, platform)
			}(platform)
		}
	}
	log.Info().Int("platforms", len(p.publishers)).Int("workers", total).Msg("dispatcher started")
	wg.Wait()
	log.Info().Msg("dispatcher stopped")
}

func (p *Pool) loop(ctx context.Context, platform domain.Platform) {
	for {
		it, err := p.queue.Claim(ctx, platform)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error().Err(err).Str("platform", string(platform)).Msg("claim")
			continue
		}
		if err := p.limiters[platform].Wait(ctx); err != nil {
			// Shutting down. The delivery is still pending in the store and
			// is re-enqueued by recovery on the next start.
			return
		}
		p.process(ctx, it)
	}
}

// process runs one claimed item. It never returns an error: every outcome is
// written to the store.
func (p *Pool) process(ctx context.Context, it queue.Item) {
	logger := log.With().Str("delivery_id", it.RecordID).Str("work_item", it.ID).Str("platform", string(it.Platform)).Logger()

	d, err := p.store.Update(ctx, it.RecordID, func(d *domain.Delivery) error {
		if d.Status != domain.StatusPending || d.WorkItemID != it.ID {
			return errStale
		}
		d.Status = domain.StatusProcessing
		return nil
	})
	switch {
	case errors.Is(err, errStale), errors.Is(err, domain.ErrNotFound):
		p.discarded.Add(1)
		logger.Debug().Str("status", string(d.Status)).Msg("discarding stale work item")
		return
	case err != nil:
		logger.Error().Err(err).Msg("mark processing")
		it.DueAt = time.Now().Add(claimRetryDelay)
		if _, err := p.queue.Enqueue(it); err != nil {
			logger.Error().Err(err).Msg("requeue after store error")
		}
		return
	}

	pub := p.publishers[d.Platform]
	// In-flight publishes outlive shutdown so their outcome is recorded.
	bg := context.WithoutCancel(ctx)
	pctx, cancel := context.WithTimeout(bg, p.timeout)
	started := time.Now()
	resultID, perr := safePublish(pctx, pub, d.PublishRequest())
	cancel()
	finished := time.Now()
	p.attempts.Add(1)

	attempt := domain.Attempt{
		DeliveryID: d.ID,
		Number:     d.RetryCount + 1,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if perr == nil && resultID == "" {
		perr = retry.WithCode(errors.New("publisher returned no result id"), "EMPTY_RESULT")
	}

	if perr == nil {
		_, err := p.store.Update(bg, d.ID, func(d *domain.Delivery) error {
			d.Status = domain.StatusPosted
			d.ResultID = resultID
			d.PostedAt = &finished
			d.WorkItemID = ""
			d.Error = nil
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Str("result_id", resultID).Msg("record success")
		} else {
			p.posted.Add(1)
			logger.Info().Str("result_id", resultID).Dur("took", finished.Sub(started)).Msg("delivery posted")
		}
		attempt.Success = true
		p.recordAttempt(bg, attempt)
		return
	}

	attempt.Error = perr.Error()
	attempt.Code = retry.CodeOf(perr)
	logger.Warn().Err(perr).Int("attempt", attempt.Number).Msg("publish failed")
	_, dec, err := p.retry.HandleFailure(bg, d.ID, perr)
	if err != nil {
		logger.Error().Err(err).Msg("handle failure")
	} else if dec.Retry {
		p.retried.Add(1)
		attempt.RetryDelay = dec.Delay
	} else {
		p.failed.Add(1)
	}
	p.recordAttempt(bg, attempt)
}

func (p *Pool) recordAttempt(ctx context.Context, a domain.Attempt) {
	if err := p.store.RecordAttempt(ctx, a); err != nil {
		log.Error().Err(err).Str("delivery_id", a.DeliveryID).Msg("record attempt")
	}
}

func safePublish(ctx context.Context, pub Publisher, req domain.PublishRequest) (id string, err error) {
	if pub == nil {
		return "", retry.Permanent(retry.WithCode(fmt.Errorf("no publisher for platform %s", req.Platform), "NO_PUBLISHER"))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return pub.Publish(ctx, req)
}
