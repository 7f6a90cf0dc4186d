package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/store"
)

func setup(t *testing.T) (*store.SQLStore, *queue.Queue, *Controller) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q := queue.New()
	t.Cleanup(func() {
		q.Close()
		st.Close()
	})
	return st, q, NewController(st, q, Policy{})
}

func processing(t *testing.T, st *store.SQLStore) domain.Delivery {
	t.Helper()
	ctx := context.Background()
	d, err := st.Create(ctx, domain.Delivery{
		OwnerID:     "u1",
		Platform:    domain.PlatformTwitter,
		Content:     domain.Content{Text: "hi"},
		ScheduledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err = st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Status = domain.StatusProcessing
		return nil
	})
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	return d
}

func toProcessing(t *testing.T, st *store.SQLStore, id string) {
	t.Helper()
	if _, err := st.Update(context.Background(), id, func(d *domain.Delivery) error {
		d.Status = domain.StatusProcessing
		return nil
	}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
}

func TestHandleFailureSchedulesBackoff(t *testing.T) {
	st, q, c := setup(t)
	fixed := time.Now().UTC().Truncate(time.Millisecond)
	c.now = func() time.Time { return fixed }
	d := processing(t, st)
	ctx := context.Background()

	for i, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		got, dec, err := c.HandleFailure(ctx, d.ID, errors.New("503"))
		if err != nil {
			t.Fatalf("HandleFailure %d: %v", i, err)
		}
		if !dec.Retry || dec.Delay != want {
			t.Fatalf("attempt %d: decision %+v, want delay %v", i, dec, want)
		}
		if got.Status != domain.StatusPending || got.RetryCount != i+1 {
			t.Fatalf("attempt %d: status %s retries %d", i, got.Status, got.RetryCount)
		}
		if !got.NextAttemptAt.Equal(fixed.Add(want)) {
			t.Fatalf("next attempt %v, want %v", got.NextAttemptAt, fixed.Add(want))
		}
		if got.WorkItemID == "" || !q.Contains(got.WorkItemID) {
			t.Fatalf("retry work item %q not queued", got.WorkItemID)
		}
		toProcessing(t, st, d.ID)
	}

	got, dec, err := c.HandleFailure(ctx, d.ID, errors.New("503"))
	if err != nil {
		t.Fatalf("final HandleFailure: %v", err)
	}
	if dec.Retry || got.Status != domain.StatusFailed {
		t.Fatalf("expected failed after max retries, got %s (%+v)", got.Status, dec)
	}
	if got.RetryCount != domain.DefaultMaxRetries || got.Error == nil || got.Error.Code != CodeMaxRetries {
		t.Fatalf("failed record = %+v", got)
	}
	if got.WorkItemID != "" {
		t.Fatalf("failed record still references %s", got.WorkItemID)
	}
	if n := q.Len(domain.PlatformTwitter); n != 0 {
		t.Fatalf("queue len = %d after failure", n)
	}
}

func TestHandleFailurePermanent(t *testing.T) {
	st, q, c := setup(t)
	d := processing(t, st)

	got, dec, err := c.HandleFailure(context.Background(), d.ID, Permanent(errors.New("account suspended")))
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if dec.Retry || got.Status != domain.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("permanent error should fail fast: %+v", got)
	}
	if got.Error.Code != CodePermanent {
		t.Fatalf("code = %q", got.Error.Code)
	}
	if q.Len(domain.PlatformTwitter) != 0 {
		t.Fatal("permanent failure must not enqueue")
	}
}

func TestHandleFailureRequiresProcessing(t *testing.T) {
	st, _, c := setup(t)
	d, _ := st.Create(context.Background(), domain.Delivery{
		OwnerID: "u1", Platform: domain.PlatformTwitter, Content: domain.Content{Text: "x"}, ScheduledAt: time.Now(),
	})

	_, _, err := c.HandleFailure(context.Background(), d.ID, errors.New("boom"))
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	got, _ := st.Get(context.Background(), d.ID)
	if got.Status != domain.StatusPending || got.RetryCount != 0 {
		t.Fatalf("record changed: %+v", got)
	}
}
