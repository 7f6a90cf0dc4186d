package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postflow/internal/domain"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleDelivery(owner string, at time.Time) domain.Delivery {
	return domain.Delivery{
		OwnerID:  owner,
		Platform: domain.PlatformTwitter,
		Content: domain.Content{
			Text:  "hello world",
			Media: []domain.Media{{URL: "https://cdn.example.com/a.png", Type: domain.MediaImage}},
		},
		Metadata:    domain.Metadata{Hashtags: []string{"go"}},
		ScheduledAt: at,
		WorkItemID:  "wi_1",
	}
}

func TestCreateAndGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	created, err := st.Create(ctx, sampleDelivery("u1", at))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.Status != domain.StatusPending || created.MaxRetries != domain.DefaultMaxRetries {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Text != "hello world" || len(got.Content.Media) != 1 || got.Content.Media[0].Type != domain.MediaImage {
		t.Fatalf("content round trip: %+v", got.Content)
	}
	if got.Metadata.Hashtags[0] != "go" {
		t.Fatalf("metadata round trip: %+v", got.Metadata)
	}
	if !got.ScheduledAt.Equal(created.ScheduledAt) || !got.NextAttemptAt.Equal(created.ScheduledAt) {
		t.Fatalf("times: scheduled %v next %v, want %v", got.ScheduledAt, got.NextAttemptAt, created.ScheduledAt)
	}
	if got.Action != domain.ActionPost || got.Error != nil || got.PostedAt != nil {
		t.Fatalf("unexpected fields: %+v", got)
	}

	if _, err := st.Get(ctx, "dlv_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestUpdateTransitions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	d, err := st.Create(ctx, sampleDelivery("u1", time.Now()))
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
	if d.Version != 2 {
		t.Fatalf("version = %d, want 2", d.Version)
	}

	// posted without a result id breaks an invariant
	_, err = st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Status = domain.StatusPosted
		d.WorkItemID = ""
		return nil
	})
	if err == nil {
		t.Fatal("expected posted without result id to be rejected")
	}

	d, err = st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Status = domain.StatusPosted
		d.ResultID = "abc123"
		d.WorkItemID = ""
		now := time.Now()
		d.PostedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("to posted: %v", err)
	}

	_, err = st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Status = domain.StatusPending
		return nil
	})
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("posted -> pending = %v, want InvalidTransitionError", err)
	}

	_, err = st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Content.Text = "edited"
		return nil
	})
	if !errors.As(err, &ite) {
		t.Fatalf("editing a posted record = %v, want InvalidTransitionError", err)
	}

	got, _ := st.Get(ctx, d.ID)
	if got.Status != domain.StatusPosted || got.ResultID != "abc123" || got.PostedAt == nil {
		t.Fatalf("stored record changed after rejected updates: %+v", got)
	}
}

func TestUpdateMutationErrorReturnsCurrent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	d, _ := st.Create(ctx, sampleDelivery("u1", time.Now()))

	boom := errors.New("boom")
	cur, err := st.Update(ctx, d.ID, func(d *domain.Delivery) error {
		d.Content.Text = "should not persist"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if cur.ID != d.ID || cur.Content.Text != "hello world" {
		t.Fatalf("current record = %+v", cur)
	}
	got, _ := st.Get(ctx, d.ID)
	if got.Content.Text != "hello world" || got.Version != 1 {
		t.Fatalf("mutation leaked: %+v", got)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	d, _ := st.Create(ctx, sampleDelivery("u1", time.Now()))

	// Two racers try to leave pending; exactly one may win.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []domain.Status
	)
	for _, target := range []domain.Status{domain.StatusProcessing, domain.StatusCancelled} {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Update(ctx, d.ID, func(d *domain.Delivery) error {
				if d.Status != domain.StatusPending {
					return domain.ErrNotPending
				}
				d.Status = target
				return nil
			})
			if err == nil {
				mu.Lock()
				wins = append(wins, target)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Fatalf("winners = %v, want exactly one", wins)
	}
	got, _ := st.Get(ctx, d.ID)
	if got.Status != wins[0] {
		t.Fatalf("stored status %s, winner %s", got.Status, wins[0])
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour).Truncate(time.Second)

	for i, off := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		d := sampleDelivery("u1", base.Add(off))
		if i == 2 {
			d.Platform = domain.PlatformLinkedIn
		}
		if _, err := st.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := st.Create(ctx, sampleDelivery("u2", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, err := st.List(ctx, "u1", domain.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ScheduledAt.Before(all[i-1].ScheduledAt) {
			t.Fatalf("not sorted ascending: %v before %v", all[i].ScheduledAt, all[i-1].ScheduledAt)
		}
	}

	tw, _ := st.List(ctx, "u1", domain.Filter{Platform: domain.PlatformTwitter})
	if len(tw) != 2 {
		t.Fatalf("twitter len = %d, want 2", len(tw))
	}

	window, _ := st.List(ctx, "u1", domain.Filter{StartDate: base.Add(90 * time.Minute), EndDate: base.Add(150 * time.Minute)})
	if len(window) != 1 || window[0].Platform != domain.PlatformLinkedIn {
		t.Fatalf("window = %+v", window)
	}

	limited, _ := st.List(ctx, "u1", domain.Filter{Limit: 1})
	if len(limited) != 1 || !limited[0].ScheduledAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("limited = %+v", limited)
	}

	none, _ := st.List(ctx, "u1", domain.Filter{Status: domain.StatusPosted})
	if len(none) != 0 {
		t.Fatalf("posted filter = %d, want 0", len(none))
	}
}

func TestListPendingAndStale(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	due, _ := st.Create(ctx, sampleDelivery("u1", now.Add(-time.Minute)))
	later, _ := st.Create(ctx, sampleDelivery("u1", now.Add(time.Hour)))
	stuck, _ := st.Create(ctx, sampleDelivery("u1", now.Add(-time.Hour)))
	if _, err := st.Update(ctx, stuck.ID, func(d *domain.Delivery) error {
		d.Status = domain.StatusProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending, err := st.ListPending(ctx, now)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != due.ID {
		t.Fatalf("pending = %+v, want only %s", pending, due.ID)
	}
	all, _ := st.ListPending(ctx, now.Add(2*time.Hour))
	if len(all) != 2 || all[1].ID != later.ID {
		t.Fatalf("pending horizon = %+v", all)
	}

	stale, err := st.ListStale(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != stuck.ID {
		t.Fatalf("stale = %+v", stale)
	}
	fresh, _ := st.ListStale(ctx, time.Now().Add(-time.Minute))
	if len(fresh) != 0 {
		t.Fatalf("fresh processing counted as stale: %+v", fresh)
	}

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.StatusPending] != 2 || counts[domain.StatusProcessing] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	d, _ := st.Create(ctx, sampleDelivery("u1", time.Now()))
	start := time.Now()

	if err := st.RecordAttempt(ctx, domain.Attempt{DeliveryID: d.ID, Number: 1, StartedAt: start, FinishedAt: start.Add(time.Second), Error: "timeout", Code: "TIMEOUT", RetryDelay: time.Minute}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := st.RecordAttempt(ctx, domain.Attempt{DeliveryID: d.ID, Number: 2, StartedAt: start, FinishedAt: start, Success: true}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	got, err := st.Attempts(ctx, d.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Success || got[0].Code != "TIMEOUT" || got[0].RetryDelay != time.Minute {
		t.Fatalf("first attempt = %+v", got[0])
	}
	if !got[1].Success || got[1].Number != 2 {
		t.Fatalf("second attempt = %+v", got[1])
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg, _ := dialectFor("postgres")
	if got := pg.rebind("a=? AND b=? LIMIT ?"); got != "a=$1 AND b=$2 LIMIT $3" {
		t.Fatalf("rebind = %q", got)
	}
	lite, _ := dialectFor("")
	if got := lite.rebind("a=?"); got != "a=?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
	if _, err := dialectFor("oracle"); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
