package retry

import (
	"errors"
	"time"

	"postflow/internal/domain"
)

const (
	DefaultBase     = time.Minute
	DefaultMaxDelay = time.Hour
)

// Policy is the deterministic backoff schedule: base * 2^retryCount, capped.
type Policy struct {
	Base     time.Duration
	MaxDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Backoff returns the delay before the retry that follows retryCount
// previous retries: 1x, 2x, 4x ... base.
func (p Policy) Backoff(retryCount int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	Error domain.ErrorDetail
}

// Decide applies shouldRetry(d) = d.RetryCount < d.MaxRetries, unless the
// error is marked Permanent.
func (p Policy) Decide(d domain.Delivery, cause error, now time.Time) Decision {
	p = p.withDefaults()
	detail := domain.ErrorDetail{Message: message(cause), Code: CodeOf(cause), At: now}

	if IsPermanent(cause) {
		return Decision{Error: detail}
	}
	if d.RetryCount >= d.MaxRetries {
		detail.Code = CodeMaxRetries
		return Decision{Error: detail}
	}

	delay := p.Backoff(d.RetryCount)
	var ra RetryAfterError
	if errors.As(cause, &ra) && ra.RetryAfter() > delay {
		delay = ra.RetryAfter()
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return Decision{Retry: true, Delay: delay, Error: detail}
}

func message(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
