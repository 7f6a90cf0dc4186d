// Package dryrun is a publisher that logs deliveries instead of sending them.
package dryrun

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
)

type Publisher struct {
	// Latency simulates a network round trip.
	Latency time.Duration
}

func (p Publisher) Publish(ctx context.Context, req domain.PublishRequest) (string, error) {
	if p.Latency > 0 {
		t := time.NewTimer(p.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	id := "dry_" + uuid.NewString()
	log.Info().
		Str("delivery_id", req.DeliveryID).
		Str("platform", string(req.Platform)).
		Str("action", string(req.Action)).
		Int("attempt", req.Attempt).
		Int("text_len", len(req.Content.Text)).
		Int("media", len(req.Content.Media)).
		Str("result_id", id).
		Msg("dry-run publish")
	return id, nil
}
