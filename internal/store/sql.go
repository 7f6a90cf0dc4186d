package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postflow/internal/domain"
)

// SQLStore implements Store on database/sql for SQLite, MySQL and PostgreSQL.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Migrate creates tables and indexes if they don't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Driver reports the normalized dialect name.
func (s *SQLStore) Driver() string { return s.d.name }

const deliveryColumns = `id,owner_id,platform,action,body,media,target_id,metadata,scheduled_at,next_attempt_at,status,result_id,posted_at,error_message,error_code,error_at,retry_count,max_retries,work_item_id,version,created_at,updated_at`

func (s *SQLStore) Create(ctx context.Context, d domain.Delivery) (domain.Delivery, error) {
	if d.ID == "" {
		d.ID = "dlv_" + uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.StatusPending
	}
	if d.Action == "" {
		d.Action = domain.ActionPost
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = domain.DefaultMaxRetries
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = d.ScheduledAt
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	d.CreatedAt, d.UpdatedAt = now, now
	d.Version = 1
	d.ScheduledAt = d.ScheduledAt.UTC().Truncate(time.Millisecond)
	d.NextAttemptAt = d.NextAttemptAt.UTC().Truncate(time.Millisecond)
	if err := domain.CheckInvariants(d); err != nil {
		return domain.Delivery{}, err
	}

	args, err := deliveryArgs(d)
	if err != nil {
		return domain.Delivery{}, err
	}
	q := `INSERT INTO deliveries (` + deliveryColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	if _, err := s.db.ExecContext(ctx, s.d.rebind(q), args...); err != nil {
		return domain.Delivery{}, fmt.Errorf("insert delivery %s: %w", d.ID, err)
	}
	return d, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (domain.Delivery, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+deliveryColumns+` FROM deliveries WHERE id=?`), id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Delivery{}, domain.ErrNotFound
	}
	return d, err
}

// Update reads the delivery under a row lock, applies fn and writes the
// result back in the same transaction. On a mutation error the current
// record is returned alongside the error.
func (s *SQLStore) Update(ctx context.Context, id string, fn Mutation) (d domain.Delivery, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+deliveryColumns+` FROM deliveries WHERE id=?`+s.d.lockSuffix), id)
	cur, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Delivery{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Delivery{}, err
	}

	next := cur
	next.Content.Media = append([]domain.Media(nil), cur.Content.Media...)
	if err = fn(&next); err != nil {
		return cur, err
	}
	if err = checkMutation(cur, next); err != nil {
		return cur, err
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	next.ScheduledAt = next.ScheduledAt.UTC().Truncate(time.Millisecond)
	next.NextAttemptAt = next.NextAttemptAt.UTC().Truncate(time.Millisecond)

	args, err := deliveryArgs(next)
	if err != nil {
		return cur, err
	}
	// args[0] is the id; the SET list covers the remaining columns.
	args = append(args[1:], id, cur.Version)
	res, err := tx.ExecContext(ctx, s.d.rebind(`
UPDATE deliveries
SET owner_id=?, platform=?, action=?, body=?, media=?, target_id=?, metadata=?, scheduled_at=?, next_attempt_at=?,
    status=?, result_id=?, posted_at=?, error_message=?, error_code=?, error_at=?, retry_count=?, max_retries=?,
    work_item_id=?, version=?, created_at=?, updated_at=?
WHERE id=? AND version=?`), args...)
	if err != nil {
		return cur, fmt.Errorf("update delivery %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cur, err
	}
	if n == 0 {
		err = ErrConflict
		return cur, err
	}
	if err = tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func checkMutation(cur, next domain.Delivery) error {
	if next.ID != cur.ID || next.OwnerID != cur.OwnerID || next.Platform != cur.Platform {
		return fmt.Errorf("delivery %s: identity fields are immutable", cur.ID)
	}
	if next.Status != cur.Status {
		if !cur.Status.CanTransitionTo(next.Status) {
			return &domain.InvalidTransitionError{ID: cur.ID, From: cur.Status, To: next.Status}
		}
	} else if cur.Status.IsTerminal() {
		return &domain.InvalidTransitionError{ID: cur.ID, From: cur.Status, To: next.Status}
	}
	return domain.CheckInvariants(next)
}

func (s *SQLStore) ListPending(ctx context.Context, before time.Time) ([]domain.Delivery, error) {
	return s.query(ctx, `SELECT `+deliveryColumns+` FROM deliveries
WHERE status='pending' AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, created_at ASC`, toMillis(before))
}

func (s *SQLStore) ListStale(ctx context.Context, updatedBefore time.Time) ([]domain.Delivery, error) {
	return s.query(ctx, `SELECT `+deliveryColumns+` FROM deliveries
WHERE status='processing' AND updated_at < ?
ORDER BY updated_at ASC`, toMillis(updatedBefore))
}

func (s *SQLStore) List(ctx context.Context, ownerID string, f domain.Filter) ([]domain.Delivery, error) {
	var (
		where = []string{"owner_id=?"}
		args  = []any{ownerID}
	)
	if f.Platform != "" {
		where = append(where, "platform=?")
		args = append(args, string(f.Platform))
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.StartDate.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, toMillis(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, toMillis(f.EndDate))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	args = append(args, limit)
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY scheduled_at ASC, created_at ASC LIMIT ?`
	return s.query(ctx, q, args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]domain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	if a.ID == "" {
		a.ID = "att_" + uuid.NewString()
	}
	success := 0
	if a.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
INSERT INTO delivery_attempts (id,delivery_id,attempt_no,started_at,finished_at,success,error,code,retry_delay_ms)
VALUES (?,?,?,?,?,?,?,?,?)`),
		a.ID, a.DeliveryID, a.Number, toMillis(a.StartedAt), toMillis(a.FinishedAt), success, a.Error, a.Code, a.RetryDelay.Milliseconds())
	return err
}

func (s *SQLStore) Attempts(ctx context.Context, deliveryID string) ([]domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
SELECT id,delivery_id,attempt_no,started_at,finished_at,success,error,code,retry_delay_ms
FROM delivery_attempts WHERE delivery_id=? ORDER BY attempt_no ASC, started_at ASC`), deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a                       domain.Attempt
			started, finished, wait int64
			success                 int
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Number, &started, &finished, &success, &a.Error, &a.Code, &wait); err != nil {
			return nil, err
		}
		a.StartedAt = fromMillis(started)
		a.FinishedAt = fromMillis(finished)
		a.Success = success != 0
		a.RetryDelay = time.Duration(wait) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Status]int, len(domain.Statuses))
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.Status(st)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (domain.Delivery, error) {
	var (
		d                                               domain.Delivery
		platform, action, status, media, meta           string
		errMsg, errCode                                 string
		scheduled, next, posted, errAt, created, update int64
	)
	err := row.Scan(&d.ID, &d.OwnerID, &platform, &action, &d.Content.Text, &media, &d.TargetID, &meta,
		&scheduled, &next, &status, &d.ResultID, &posted, &errMsg, &errCode, &errAt,
		&d.RetryCount, &d.MaxRetries, &d.WorkItemID, &d.Version, &created, &update)
	if err != nil {
		return domain.Delivery{}, err
	}
	d.Platform = domain.Platform(platform)
	d.Action = domain.Action(action)
	d.Status = domain.Status(status)
	if media != "" {
		if err := json.Unmarshal([]byte(media), &d.Content.Media); err != nil {
			return domain.Delivery{}, fmt.Errorf("unmarshal media of %s: %w", d.ID, err)
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return domain.Delivery{}, fmt.Errorf("unmarshal metadata of %s: %w", d.ID, err)
		}
	}
	d.ScheduledAt = fromMillis(scheduled)
	d.NextAttemptAt = fromMillis(next)
	if posted != 0 {
		t := fromMillis(posted)
		d.PostedAt = &t
	}
	if errCode != "" || errMsg != "" {
		d.Error = &domain.ErrorDetail{Message: errMsg, Code: errCode, At: fromMillis(errAt)}
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(update)
	return d, nil
}

// deliveryArgs returns column values in deliveryColumns order.
func deliveryArgs(d domain.Delivery) ([]any, error) {
	media, err := json.Marshal(d.Content.Media)
	if err != nil {
		return nil, fmt.Errorf("marshal media: %w", err)
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var (
		posted          int64
		errMsg, errCode string
		errAt           int64
	)
	if d.PostedAt != nil {
		posted = toMillis(*d.PostedAt)
	}
	if d.Error != nil {
		errMsg, errCode, errAt = d.Error.Message, d.Error.Code, toMillis(d.Error.At)
	}
	return []any{
		d.ID, d.OwnerID, string(d.Platform), string(d.Action), d.Content.Text, string(media), d.TargetID, string(meta),
		toMillis(d.ScheduledAt), toMillis(d.NextAttemptAt), string(d.Status), d.ResultID, posted, errMsg, errCode, errAt,
		d.RetryCount, d.MaxRetries, d.WorkItemID, d.Version, toMillis(d.CreatedAt), toMillis(d.UpdatedAt),
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
